package auth

import (
	"errors"
	"fmt"
)

// OAuthError represents an OAuth 2.0 error response, either from the token
// endpoint body or from the error parameters of an authorization callback.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// TokenExchangeError is returned when the token endpoint rejects an
// authorization code for any reason other than invalid_grant.
type TokenExchangeError struct {
	StatusCode int
	Body       string
	OAuth      *OAuthError
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: %d: %s", e.StatusCode, e.Body)
}

// FlowRestart is returned instead of a failure when the authorization code
// was already consumed or expired. The caller must send the browser to
// RedirectURL to start a new authorization.
type FlowRestart struct {
	RedirectURL string
}

func (e *FlowRestart) Error() string {
	return "authorization code rejected as invalid_grant, restarting authorization"
}

var (
	// ErrRefreshFailed is returned when the refresh grant is rejected.
	ErrRefreshFailed = errors.New("failed to refresh token")

	// ErrStateMismatch is returned when the callback state does not match the
	// state stored at authorization time.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrMissingCode is returned when a callback carries neither a code nor
	// an error.
	ErrMissingCode = errors.New("authorization callback without code")
)
