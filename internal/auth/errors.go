package auth

import "errors"

// Terminal and retryable failure modes of the three-step refresh
// handshake.
var (
	ErrNoCredentials     = errors.New("auth: no credentials available, please log in again")
	ErrLoginURLMissing   = errors.New("auth: login response missing data.loginUrl")
	ErrRedirectMissing   = errors.New("auth: login url did not redirect")
	ErrServiceTokenMissing = errors.New("auth: redirect target did not set serviceToken cookie")
	ErrRefreshTimeout    = errors.New("auth: token refresh timed out")
)
