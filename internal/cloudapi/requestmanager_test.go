package cloudapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/eventbus"
)

func newRunningManager(t *testing.T, exec RequestExecutor, maxConcurrent int, dedupeWindow, cacheTTL time.Duration) (*NetworkRequestManager, context.CancelFunc) {
	t.Helper()
	m := NewNetworkRequestManager(maxConcurrent, dedupeWindow, cacheTTL)
	session := NewSessionClient(exec, &fakeTokenSource{cookie: "c1"})
	m.SetSession(session)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)
	return m, cancel
}

func TestSubmitExecutesAndReturnsResponse(t *testing.T) {
	exec := &fakeExecutor{do: func(req *http.Request) (*ExecutorResponse, error) {
		return &ExecutorResponse{StatusCode: 200, Body: []byte("hello")}, nil
	}}
	m, _ := newRunningManager(t, exec, 4, 0, 0)

	req, _ := http.NewRequest(http.MethodGet, "https://example.test/a", nil)
	resp, err := m.Submit(context.Background(), 1, req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if string(resp.Body) != "hello" {
		t.Errorf("Submit() body = %q, want hello", resp.Body)
	}
}

func TestSubmitDedupesWithinWindow(t *testing.T) {
	exec := &fakeExecutor{do: func(req *http.Request) (*ExecutorResponse, error) {
		return &ExecutorResponse{StatusCode: 200, Body: []byte("x")}, nil
	}}
	m, _ := newRunningManager(t, exec, 4, time.Minute, 0)

	req1, _ := http.NewRequest(http.MethodGet, "https://example.test/dup", nil)
	if _, err := m.Submit(context.Background(), 1, req1); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	req2, _ := http.NewRequest(http.MethodGet, "https://example.test/dup", nil)
	_, err := m.Submit(context.Background(), 1, req2)
	if err != ErrDuplicateRequest {
		t.Errorf("second Submit() error = %v, want ErrDuplicateRequest", err)
	}
	if exec.calls != 1 {
		t.Errorf("executor called %d times, want 1 (second was deduped)", exec.calls)
	}
}

func TestSubmitCachesGETResponses(t *testing.T) {
	exec := &fakeExecutor{do: func(req *http.Request) (*ExecutorResponse, error) {
		return &ExecutorResponse{StatusCode: 200, Body: []byte("cached")}, nil
	}}
	m, _ := newRunningManager(t, exec, 4, 0, time.Minute)

	req1, _ := http.NewRequest(http.MethodGet, "https://example.test/cacheable", nil)
	if _, err := m.Submit(context.Background(), 1, req1); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	req2, _ := http.NewRequest(http.MethodGet, "https://example.test/cacheable", nil)
	resp, err := m.Submit(context.Background(), 1, req2)
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if string(resp.Body) != "cached" {
		t.Errorf("second Submit() body = %q, want cached", resp.Body)
	}
	if exec.calls != 1 {
		t.Errorf("executor called %d times, want 1 (second served from cache)", exec.calls)
	}
}

func TestSubmitOrdersByPriorityThenFIFO(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu int32
	done := make(chan struct{}, 3)

	exec := &fakeExecutor{do: func(req *http.Request) (*ExecutorResponse, error) {
		if atomic.AddInt32(&mu, 1) == 1 {
			<-release
		}
		order = append(order, req.URL.Path)
		done <- struct{}{}
		return &ExecutorResponse{StatusCode: 200}, nil
	}}
	m := NewNetworkRequestManager(1, 0, 0)
	session := NewSessionClient(exec, &fakeTokenSource{cookie: "c1"})
	m.SetSession(session)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	blockerReq, _ := http.NewRequest(http.MethodGet, "https://example.test/blocker", nil)
	blockerDone := make(chan struct{})
	go func() {
		m.Submit(context.Background(), 0, blockerReq)
		close(blockerDone)
	}()
	time.Sleep(10 * time.Millisecond)

	lowReq, _ := http.NewRequest(http.MethodGet, "https://example.test/low", nil)
	highReq, _ := http.NewRequest(http.MethodGet, "https://example.test/high", nil)

	lowDone := make(chan struct{})
	go func() {
		m.Submit(context.Background(), 1, lowReq)
		close(lowDone)
	}()
	time.Sleep(5 * time.Millisecond)
	highDone := make(chan struct{})
	go func() {
		m.Submit(context.Background(), 5, highReq)
		close(highDone)
	}()
	time.Sleep(5 * time.Millisecond)

	close(release)
	<-blockerDone
	<-lowDone
	<-highDone

	if len(order) != 3 {
		t.Fatalf("executed order = %v, want 3 entries", order)
	}
	if order[1] != "/high" || order[2] != "/low" {
		t.Errorf("execution order = %v, want blocker, high, low", order)
	}
}

func TestHandleOnlineEventDrainsRetryQueue(t *testing.T) {
	var calls int32
	exec := &fakeExecutor{do: func(req *http.Request) (*ExecutorResponse, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, context.DeadlineExceeded
		}
		return &ExecutorResponse{StatusCode: 200}, nil
	}}
	m, _ := newRunningManager(t, exec, 4, 0, 0)

	req, _ := http.NewRequest(http.MethodGet, "https://example.test/retry-me", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := m.Submit(ctx, 1, req)
	if err == nil {
		t.Fatal("expected the first attempt to fail")
	}

	m.HandleOnlineEvent(eventbus.OnlineEvent{IsOnline: true})

	deadline := time.After(500 * time.Millisecond)
	for atomic.LoadInt32(&calls) < 2 {
		select {
		case <-deadline:
			t.Fatal("retry queue did not drain after an online transition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
