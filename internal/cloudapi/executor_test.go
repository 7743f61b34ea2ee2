package cloudapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPExecutorReturnsBodyStatusAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("teapot"))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(5 * time.Second)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("StatusCode = %d, want 418", resp.StatusCode)
	}
	if string(resp.Body) != "teapot" {
		t.Errorf("Body = %q, want teapot", resp.Body)
	}
	if resp.Headers.Get("X-Test") != "yes" {
		t.Errorf("Headers[X-Test] = %q, want yes", resp.Headers.Get("X-Test"))
	}
}

func TestHTTPExecutorPropagatesContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(5 * time.Second)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	if _, err := exec.Execute(ctx, req); err == nil {
		t.Error("Execute() error = nil, want a context deadline error")
	}
}
