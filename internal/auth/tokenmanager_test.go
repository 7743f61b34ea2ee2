package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/eventbus"
)

// stepDoer fakes the three-step handshake: login -> redirect -> service
// token. Each field is a function of the incoming request so tests can
// simulate failures at a specific step.
type stepDoer struct {
	calls int32
	do    func(req *http.Request) (*http.Response, error)
}

func (d *stepDoer) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&d.calls, 1)
	return d.do(req)
}

func bodyResp(status int, body string, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{},
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func happyPathDoer() *stepDoer {
	var step int32
	return &stepDoer{
		do: func(req *http.Request) (*http.Response, error) {
			// Steps repeat in cycles of three so a second handshake
			// (e.g. after SetCredentials) sees the same sequence.
			n := (atomic.AddInt32(&step, 1)-1)%3 + 1
			switch n {
			case 1:
				return bodyResp(200, `{"data":{"loginUrl":"https://example.test/redirect"}}`, nil), nil
			case 2:
				return bodyResp(302, "", map[string]string{"Location": "https://example.test/final"}), nil
			default:
				return bodyResp(200, "", map[string]string{"Set-Cookie": "serviceToken=tok-abc; Path=/"}), nil
			}
		},
	}
}

func TestGetServiceTokenRunsHandshakeWhenUncached(t *testing.T) {
	doer := happyPathDoer()
	bus := eventbus.NewEventBus()
	m := New("https://example.test", doer, bus, Credentials{PassToken: "pt", UserID: "u1"}, time.Minute, time.Second)

	tok, err := m.GetServiceToken(context.Background())
	if err != nil {
		t.Fatalf("GetServiceToken() error = %v", err)
	}
	if tok != "tok-abc" {
		t.Errorf("GetServiceToken() = %q, want %q", tok, "tok-abc")
	}
	if doer.calls != 3 {
		t.Errorf("handshake made %d requests, want 3 (login, redirect, service token)", doer.calls)
	}
}

func TestGetServiceTokenUsesCacheWithinTTL(t *testing.T) {
	doer := happyPathDoer()
	bus := eventbus.NewEventBus()
	m := New("https://example.test", doer, bus, Credentials{PassToken: "pt", UserID: "u1"}, time.Minute, time.Second)

	if _, err := m.GetServiceToken(context.Background()); err != nil {
		t.Fatalf("first GetServiceToken() error = %v", err)
	}
	if _, err := m.GetServiceToken(context.Background()); err != nil {
		t.Fatalf("second GetServiceToken() error = %v", err)
	}
	if doer.calls != 3 {
		t.Errorf("calls after cached second fetch = %d, want 3 (no second handshake)", doer.calls)
	}
}

func TestGetServiceTokenNoCredentials(t *testing.T) {
	bus := eventbus.NewEventBus()
	m := New("https://example.test", &stepDoer{do: func(req *http.Request) (*http.Response, error) {
		t.Fatal("handshake should not run without credentials")
		return nil, nil
	}}, bus, Credentials{}, time.Minute, time.Second)

	_, err := m.GetServiceToken(context.Background())
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("GetServiceToken() error = %v, want ErrNoCredentials", err)
	}
}

func TestRefreshMissingLoginURLFails(t *testing.T) {
	bus := eventbus.NewEventBus()
	doer := &stepDoer{do: func(req *http.Request) (*http.Response, error) {
		return bodyResp(200, `{"data":{}}`, nil), nil
	}}
	m := New("https://example.test", doer, bus, Credentials{PassToken: "pt", UserID: "u1"}, time.Minute, time.Second)

	sub := bus.Auth.Subscribe()
	defer sub.Close()

	_, err := m.Refresh(context.Background())
	if !errors.Is(err, ErrLoginURLMissing) {
		t.Errorf("Refresh() error = %v, want ErrLoginURLMissing", err)
	}

	event, ok := sub.Next()
	if !ok || event.Kind != eventbus.AuthTokenRefreshFailed {
		t.Errorf("expected a tokenRefreshFailed event, got %+v ok=%v", event, ok)
	}
}

func TestRefreshMissingRedirectFails(t *testing.T) {
	bus := eventbus.NewEventBus()
	var step int32
	doer := &stepDoer{do: func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&step, 1)
		if n == 1 {
			return bodyResp(200, `{"data":{"loginUrl":"https://example.test/redirect"}}`, nil), nil
		}
		return bodyResp(200, "no redirect here", nil), nil
	}}
	m := New("https://example.test", doer, bus, Credentials{PassToken: "pt", UserID: "u1"}, time.Minute, time.Second)

	_, err := m.Refresh(context.Background())
	if !errors.Is(err, ErrRedirectMissing) {
		t.Errorf("Refresh() error = %v, want ErrRedirectMissing", err)
	}
}

func TestRefreshMissingServiceTokenCookieFails(t *testing.T) {
	bus := eventbus.NewEventBus()
	var step int32
	doer := &stepDoer{do: func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&step, 1)
		switch n {
		case 1:
			return bodyResp(200, `{"data":{"loginUrl":"https://example.test/redirect"}}`, nil), nil
		case 2:
			return bodyResp(302, "", map[string]string{"Location": "https://example.test/final"}), nil
		default:
			return bodyResp(200, "", map[string]string{"Set-Cookie": "other=value"}), nil
		}
	}}
	m := New("https://example.test", doer, bus, Credentials{PassToken: "pt", UserID: "u1"}, time.Minute, time.Second)

	_, err := m.Refresh(context.Background())
	if !errors.Is(err, ErrServiceTokenMissing) {
		t.Errorf("Refresh() error = %v, want ErrServiceTokenMissing", err)
	}
}

func TestRefreshIsSingleFlighted(t *testing.T) {
	bus := eventbus.NewEventBus()
	release := make(chan struct{})
	var loginCalls int32
	doer := &stepDoer{do: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/api/user/login" {
			n := atomic.AddInt32(&loginCalls, 1)
			if n == 1 {
				<-release
			}
			return bodyResp(200, `{"data":{"loginUrl":"https://example.test/redirect"}}`, nil), nil
		}
		if req.URL.Path == "/redirect" {
			return bodyResp(302, "", map[string]string{"Location": "https://example.test/final"}), nil
		}
		return bodyResp(200, "", map[string]string{"Set-Cookie": "serviceToken=shared-tok"}), nil
	}}
	m := New("https://example.test", doer, bus, Credentials{PassToken: "pt", UserID: "u1"}, time.Minute, time.Second)

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background())
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Refresh()[%d] error = %v", i, errs[i])
		}
		if results[i] != "shared-tok" {
			t.Errorf("Refresh()[%d] = %q, want shared-tok", i, results[i])
		}
	}
	if loginCalls != 1 {
		t.Errorf("login step called %d times, want 1 (single-flighted)", loginCalls)
	}
}

func TestCookieIncludesServiceToken(t *testing.T) {
	doer := happyPathDoer()
	bus := eventbus.NewEventBus()
	m := New("https://example.test", doer, bus, Credentials{PassToken: "pt", UserID: "u1"}, time.Minute, time.Second)

	cookie, err := m.Cookie(context.Background())
	if err != nil {
		t.Fatalf("Cookie() error = %v", err)
	}
	if cookie.ServiceToken != "tok-abc" || cookie.UserID != "u1" || cookie.PassToken != "pt" {
		t.Errorf("Cookie() = %+v, want populated fields", cookie)
	}
	if cookie.String() == "" {
		t.Error("Cookie.String() returned empty value")
	}
}

func TestSetCredentialsInvalidatesCache(t *testing.T) {
	doer := happyPathDoer()
	bus := eventbus.NewEventBus()
	m := New("https://example.test", doer, bus, Credentials{PassToken: "pt", UserID: "u1"}, time.Minute, time.Second)

	if _, err := m.GetServiceToken(context.Background()); err != nil {
		t.Fatalf("GetServiceToken() error = %v", err)
	}
	m.SetCredentials(Credentials{PassToken: "pt2", UserID: "u2"})

	if _, err := m.GetServiceToken(context.Background()); err != nil {
		t.Fatalf("GetServiceToken() after SetCredentials error = %v", err)
	}
	if doer.calls != 6 {
		t.Errorf("calls after credential change = %d, want 6 (new handshake ran)", doer.calls)
	}
}

func TestExtractCookieValueCaseInsensitiveName(t *testing.T) {
	tok, ok := extractCookieValue("ServiceToken=xyz; Path=/; HttpOnly", "serviceToken")
	if !ok || tok != "xyz" {
		t.Errorf("extractCookieValue() = (%q, %v), want (xyz, true)", tok, ok)
	}

	_, ok = extractCookieValue("other=1", "serviceToken")
	if ok {
		t.Error("extractCookieValue() matched an unrelated cookie name")
	}
}
