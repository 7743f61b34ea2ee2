package cloudapi

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ExecutorResponse is the narrow contract SessionClient depends on: the
// response bytes, status, and headers, decoupled from any particular
// HTTP client implementation.
type ExecutorResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// RequestExecutor is the HTTP transport layer: a request executor
// exposing one async call that returns bytes + status + headers.
type RequestExecutor interface {
	Execute(ctx context.Context, req *http.Request) (*ExecutorResponse, error)
}

// HTTPExecutor is the default net/http-based RequestExecutor.
type HTTPExecutor struct {
	Client *http.Client
}

// NewHTTPExecutor constructs an HTTPExecutor with the given timeout.
func NewHTTPExecutor(timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{Client: &http.Client{Timeout: timeout}}
}

func (e *HTTPExecutor) Execute(ctx context.Context, req *http.Request) (*ExecutorResponse, error) {
	req = req.WithContext(ctx)
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &ExecutorResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}, nil
}
