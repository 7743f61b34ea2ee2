// Package auth is the TokenManager: it holds the long-lived
// passToken/userId credential, and performs the three-step HTTP
// handshake that mints a short-lived serviceToken.
//
// Double-checked-lock session caching with a refresh buffer, plus a
// "cached token with audience-agnostic single acquisition path" idiom.
// Single-flight refresh uses golang.org/x/sync/singleflight rather than
// a hand-rolled mutex.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/eventbus"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Credentials is the durable long-lived credential pair.
type Credentials struct {
	PassToken string
	UserID    string
}

// Cookie is the full request cookie carried on every authenticated call.
type Cookie struct {
	UserID       string
	DeviceID     string
	PassToken    string
	ServiceToken string
}

// String renders the cookie header value.
func (c Cookie) String() string {
	return fmt.Sprintf("userId=%s; deviceId=%s; passToken=%s; serviceToken=%s",
		c.UserID, c.DeviceID, c.PassToken, c.ServiceToken)
}

// HTTPDoer is the minimal transport TokenManager needs; *http.Client
// satisfies it, and tests substitute a fake with redirects disabled.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager is the TokenManager.
type Manager struct {
	baseURL string
	client  HTTPDoer
	bus     *eventbus.EventBus
	group   singleflight.Group

	cacheTTL time.Duration
	timeout  time.Duration

	mu          sync.RWMutex
	creds       Credentials
	deviceID    string
	serviceTok  string
	refreshedAt time.Time
}

// New constructs a Manager. creds may have an empty PassToken if the
// user has not logged in yet; getServiceToken then fails with
// ErrNoCredentials.
func New(baseURL string, client HTTPDoer, bus *eventbus.EventBus, creds Credentials, cacheTTL, timeout time.Duration) *Manager {
	return &Manager{
		baseURL:  baseURL,
		client:   client,
		bus:      bus,
		creds:    creds,
		deviceID: "wb_" + uuid.NewString(),
		cacheTTL: cacheTTL,
		timeout:  timeout,
	}
}

// SetCredentials updates the durable long-lived credential, e.g. after
// the user completes the login webview.
func (m *Manager) SetCredentials(creds Credentials) {
	m.mu.Lock()
	m.creds = creds
	m.serviceTok = ""
	m.refreshedAt = time.Time{}
	m.mu.Unlock()
}

// Cookie returns the current full cookie, refreshing the service token
// first if its cache has expired.
func (m *Manager) Cookie(ctx context.Context) (Cookie, error) {
	token, err := m.GetServiceToken(ctx)
	if err != nil {
		return Cookie{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Cookie{
		UserID:       m.creds.UserID,
		DeviceID:     m.deviceID,
		PassToken:    m.creds.PassToken,
		ServiceToken: token,
	}, nil
}

// GetServiceToken returns the cached token if its age is under
// cacheTTL (default 10 minutes), otherwise calls refresh.
func (m *Manager) GetServiceToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok := m.serviceTok
	age := time.Since(m.refreshedAt)
	hasCreds := m.creds.PassToken != ""
	m.mu.RUnlock()

	if !hasCreds {
		return "", ErrNoCredentials
	}
	if tok != "" && age < m.cacheTTL {
		return tok, nil
	}
	return m.Refresh(ctx)
}

// Refresh runs the three-step handshake, single-flighted so concurrent
// callers with an expired cache share one HTTP sequence and all receive
// the same token.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return m.doRefresh(refreshCtx)
	})
	if err != nil {
		m.bus.Auth.Publish(eventbus.AuthEvent{Kind: eventbus.AuthTokenRefreshFailed, Err: err})
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrRefreshTimeout, err)
		}
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	creds := m.creds
	deviceID := m.deviceID
	m.mu.RUnlock()

	if creds.PassToken == "" {
		return "", ErrNoCredentials
	}

	cookie := fmt.Sprintf("userId=%s; deviceId=%s; passToken=%s", creds.UserID, deviceID, creds.PassToken)

	loginURL, err := m.fetchLoginURL(ctx, cookie)
	if err != nil {
		return "", err
	}

	location, err := m.followNoRedirect(ctx, loginURL, cookie)
	if err != nil {
		return "", err
	}

	serviceToken, err := m.extractServiceToken(ctx, location, cookie)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.serviceTok = serviceToken
	m.refreshedAt = time.Now()
	m.mu.Unlock()

	m.bus.Auth.Publish(eventbus.AuthEvent{Kind: eventbus.AuthCookieRefreshed})
	log.Info().Msg("auth: service token refreshed")

	return serviceToken, nil
}

// fetchLoginURL is step 1: GET /api/user/login, expect {data:{loginUrl}}.
func (m *Manager) fetchLoginURL(ctx context.Context, cookie string) (string, error) {
	ts := time.Now().UnixMilli()
	url := fmt.Sprintf("%s/api/user/login?ts=%d&followUp=&_locale=zh_CN", m.baseURL, ts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("auth: build login request: %w", err)
	}
	req.Header.Set("Cookie", cookie)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: login request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("auth: read login response: %w", err)
	}

	var parsed struct {
		Data struct {
			LoginURL string `json:"loginUrl"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Data.LoginURL == "" {
		return "", ErrLoginURLMissing
	}
	return parsed.Data.LoginURL, nil
}

// followNoRedirect is step 2: GET loginUrl with redirects disabled,
// expect a 3xx with a Location header.
func (m *Manager) followNoRedirect(ctx context.Context, loginURL, cookie string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return "", fmt.Errorf("auth: build redirect request: %w", err)
	}
	req.Header.Set("Cookie", cookie)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: redirect request: %w", err)
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if resp.StatusCode < 300 || resp.StatusCode >= 400 || location == "" {
		return "", ErrRedirectMissing
	}
	return location, nil
}

// extractServiceToken is step 3: GET Location with redirects disabled,
// expect a Set-Cookie: serviceToken=… header, matched case-insensitively.
func (m *Manager) extractServiceToken(ctx context.Context, location, cookie string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", fmt.Errorf("auth: build service token request: %w", err)
	}
	req.Header.Set("Cookie", cookie)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: service token request: %w", err)
	}
	defer resp.Body.Close()

	for _, sc := range resp.Header.Values("Set-Cookie") {
		if tok, ok := extractCookieValue(sc, "serviceToken"); ok {
			return tok, nil
		}
	}
	return "", ErrServiceTokenMissing
}

// extractCookieValue scans a single Set-Cookie header value for name=…,
// matching name case-insensitively since the source observed varying
// header case across responses.
func extractCookieValue(setCookie, name string) (string, bool) {
	parts := strings.Split(setCookie, ";")
	if len(parts) == 0 {
		return "", false
	}
	kv := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2)
	if len(kv) != 2 {
		return "", false
	}
	if !strings.EqualFold(strings.TrimSpace(kv[0]), name) {
		return "", false
	}
	return strings.TrimSpace(kv[1]), true
}

// NoRedirectClient returns an *http.Client configured to never follow
// redirects automatically: the handshake depends on inspecting each
// redirect's Location and Set-Cookie headers itself.
func NoRedirectClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
