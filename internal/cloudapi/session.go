package cloudapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// TokenSource is the narrow view of TokenManager SessionClient depends
// on: the current cookie, and an explicit refresh triggered by a 401.
type TokenSource interface {
	Cookie(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// SessionClient executes authenticated requests against the cloud API,
// retrying exactly once on 401 after a token refresh.
type SessionClient struct {
	executor RequestExecutor
	tokens   TokenSource
	manager  *NetworkRequestManager // may be nil in tests exercising SessionClient alone
}

// NewSessionClient constructs a SessionClient. manager is injected after
// construction via SetRequestManager, since NetworkRequestManager is
// built first and needs a SessionClient reference for its own retry
// queue.
func NewSessionClient(executor RequestExecutor, tokens TokenSource) *SessionClient {
	return &SessionClient{executor: executor, tokens: tokens}
}

// SetRequestManager completes the two-phase wiring between
// NetworkRequestManager and SessionClient.
func (c *SessionClient) SetRequestManager(m *NetworkRequestManager) {
	c.manager = m
}

// Do executes req with the current cookie attached, retrying once on a
// 401 after refreshing the token.
func (c *SessionClient) Do(ctx context.Context, req *http.Request) (*ExecutorResponse, error) {
	return c.doWithRetry(ctx, req, false)
}

func (c *SessionClient) doWithRetry(ctx context.Context, req *http.Request, alreadyRetried bool) (*ExecutorResponse, error) {
	cloned, body, err := cloneRequest(req)
	if err != nil {
		return nil, fmt.Errorf("cloudapi: clone request: %w", err)
	}

	cookie, err := c.tokens.Cookie(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudapi: get cookie: %w", err)
	}
	cloned.Header.Set("Cookie", cookie)
	cloned.Header.Set("User-Agent", defaultUserAgent)
	cloned.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	logger := log.With().Str("method", req.Method).Str("url", req.URL.String()).Logger()

	resp, err := c.executor.Execute(ctx, cloned)
	if err != nil {
		logger.Error().Err(err).Msg("cloudapi: request failed")
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !alreadyRetried {
		logger.Warn().Msg("cloudapi: 401, refreshing token and retrying once")
		if _, err := c.tokens.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("cloudapi: refresh after 401: %w", err)
		}
		retryReq, _, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}
		if body != nil {
			retryReq.Body = io.NopCloser(bytes.NewReader(body))
		}
		return c.doWithRetry(ctx, retryReq, true)
	}

	if resp.StatusCode >= 400 {
		logger.Error().Int("status", resp.StatusCode).Msg("cloudapi: request returned error status")
		return resp, &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	return resp, nil
}

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko)"

// cloneRequest duplicates req and its body so it can be safely retried.
func cloneRequest(req *http.Request) (*http.Request, []byte, error) {
	var bodyBytes []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, err
		}
		bodyBytes = b
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	clone := req.Clone(req.Context())
	if bodyBytes != nil {
		clone.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	return clone, bodyBytes, nil
}
