package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RefreshWindow is how close to expiry an access token may get before
// AccessToken refreshes it.
const RefreshWindow = 60 * time.Second

// RefreshTimeout bounds a shared refresh. It runs detached from the
// request that started it.
const RefreshTimeout = 30 * time.Second

// ErrSessionExpired is recorded on a session whose refresh grant failed.
var ErrSessionExpired = errors.New("session expired, sign in again")

// AuthSession is the authentication state of one browser session. It is
// replaced wholesale on token exchange or refresh.
type AuthSession struct {
	IsAuthenticated   bool   `json:"isAuthenticated"`
	AccessToken       string `json:"accessToken,omitempty"`
	RefreshToken      string `json:"refreshToken,omitempty"`
	IDToken           string `json:"idToken,omitempty"`
	ExpiresAt         *int64 `json:"expiresAt"`
	PatientID         string `json:"patientId,omitempty"`
	UserID            string `json:"userId,omitempty"`
	NeedPatientBanner bool   `json:"needPatientBanner"`
	Error             string `json:"error,omitempty"`
}

// Tokens is the input to SetTokens.
type Tokens struct {
	AccessToken       string
	RefreshToken      string
	IDToken           string
	ExpiresIn         int64 // seconds
	PatientID         string
	UserID            string
	NeedPatientBanner bool
}

// Refresher performs the refresh grant and builds a fresh login URL. The
// auth controller implements it.
type Refresher interface {
	// Refresh exchanges refreshToken, stores the new token set and returns
	// the new access token.
	Refresh(ctx context.Context, refreshToken string) (string, error)
	LoginURL(ctx context.Context) (string, error)
}

// LoginRequiredError is returned by AccessToken when a refresh failed and
// the user must authenticate again at LoginURL.
type LoginRequiredError struct {
	LoginURL string
	Err      error
}

func (e *LoginRequiredError) Error() string {
	return fmt.Sprintf("login required: %v", e.Err)
}

func (e *LoginRequiredError) Unwrap() error {
	return e.Err
}

// ErrNoSession is returned when the context carries no session id.
var ErrNoSession = errors.New("session: no session id in context")

// TokenStore holds the AuthSession of every browser session, persisted in
// Storage under KeyAuthState.
type TokenStore struct {
	storage   Storage
	refresher Refresher
	logger    zerolog.Logger
	now       func() time.Time
	group     singleflight.Group

	mu          sync.RWMutex
	subscribers map[int]func(sid string, s AuthSession)
	nextSub     int
}

// TokenStoreOption configures a TokenStore.
type TokenStoreOption func(*TokenStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenStoreOption {
	return func(s *TokenStore) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) TokenStoreOption {
	return func(s *TokenStore) {
		s.logger = logger
	}
}

// NewTokenStore creates a token store over storage.
func NewTokenStore(storage Storage, opts ...TokenStoreOption) *TokenStore {
	s := &TokenStore{
		storage:     storage,
		logger:      zerolog.Nop(),
		now:         time.Now,
		subscribers: make(map[int]func(string, AuthSession)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRefresher wires the component that performs token refresh. It must be
// called before AccessToken is used.
func (s *TokenStore) SetRefresher(r Refresher) {
	s.refresher = r
}

// Subscribe registers fn to be called after every change. The returned
// function removes the subscription.
func (s *TokenStore) Subscribe(fn func(sid string, s AuthSession)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *TokenStore) notify(sid string, state AuthSession) {
	s.mu.RLock()
	fns := make([]func(string, AuthSession), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(sid, state)
	}
}

// Session returns the current AuthSession, or the empty one when nothing is
// persisted. A corrupt blob is treated as empty.
func (s *TokenStore) Session(ctx context.Context) (AuthSession, error) {
	sid := IDFromContext(ctx)
	if sid == "" {
		return AuthSession{}, ErrNoSession
	}

	raw, err := s.storage.Get(ctx, sid, KeyAuthState)
	if errors.Is(err, ErrNotFound) {
		return AuthSession{}, nil
	}
	if err != nil {
		return AuthSession{}, fmt.Errorf("load auth state: %w", err)
	}

	var state AuthSession
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sid).Msg("discarding unreadable auth state")
		return AuthSession{}, nil
	}
	return state, nil
}

// SetTokens replaces the session with an authenticated one built from t.
// expiresAt is now + ExpiresIn seconds, in epoch milliseconds, and stays
// unset when the server gave no lifetime.
func (s *TokenStore) SetTokens(ctx context.Context, t Tokens) error {
	state := AuthSession{
		IsAuthenticated:   true,
		AccessToken:       t.AccessToken,
		RefreshToken:      t.RefreshToken,
		IDToken:           t.IDToken,
		PatientID:         t.PatientID,
		UserID:            t.UserID,
		NeedPatientBanner: t.NeedPatientBanner,
	}
	if t.ExpiresIn > 0 {
		expiresAt := s.now().UnixMilli() + t.ExpiresIn*1000
		state.ExpiresAt = &expiresAt
	}
	return s.save(ctx, state)
}

// SetError records a user-visible error on the session without touching
// the tokens.
func (s *TokenStore) SetError(ctx context.Context, msg string) error {
	state, err := s.Session(ctx)
	if err != nil {
		return err
	}
	state.Error = msg
	return s.save(ctx, state)
}

func (s *TokenStore) save(ctx context.Context, state AuthSession) error {
	sid := IDFromContext(ctx)
	if sid == "" {
		return ErrNoSession
	}
	if state.IsAuthenticated && state.AccessToken == "" {
		return fmt.Errorf("authenticated session requires an access token")
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal auth state: %w", err)
	}
	if err := s.storage.Set(ctx, sid, KeyAuthState, string(raw)); err != nil {
		return fmt.Errorf("persist auth state: %w", err)
	}
	s.notify(sid, state)
	return nil
}

// ClearAuth removes the persisted session and resets it to the
// unauthenticated shape.
func (s *TokenStore) ClearAuth(ctx context.Context) error {
	sid := IDFromContext(ctx)
	if sid == "" {
		return ErrNoSession
	}
	if err := s.storage.Remove(ctx, sid, KeyAuthState); err != nil {
		return fmt.Errorf("clear auth state: %w", err)
	}
	s.notify(sid, AuthSession{})
	return nil
}

// NeedsRefresh reports whether state is within RefreshWindow of expiry (or
// past it) and can be refreshed.
func (s *TokenStore) NeedsRefresh(state AuthSession) bool {
	if state.ExpiresAt == nil || state.RefreshToken == "" {
		return false
	}
	return *state.ExpiresAt-s.now().UnixMilli() < RefreshWindow.Milliseconds()
}

// AccessToken returns the access token to use for the next outbound call.
// Call it immediately before every request. A token close to expiry is
// refreshed first; concurrent callers on the same session share one
// refresh, which keeps running when a caller gives up. When the refresh
// grant fails the session is cleared and a *LoginRequiredError is returned.
// An unauthenticated session yields "".
func (s *TokenStore) AccessToken(ctx context.Context) (string, error) {
	state, err := s.Session(ctx)
	if err != nil {
		return "", err
	}
	if !s.NeedsRefresh(state) {
		return state.AccessToken, nil
	}
	if s.refresher == nil {
		return "", fmt.Errorf("token store has no refresher")
	}

	sid := IDFromContext(ctx)
	ch := s.group.DoChan(sid, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()
		return s.refresh(rctx, sid, state.RefreshToken)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			s.logger.Debug().Str("session_id", sid).Msg("joined in-flight token refresh")
		}
		return res.Val.(string), nil
	}
}

func (s *TokenStore) refresh(ctx context.Context, sid, refreshToken string) (string, error) {
	tok, err := s.refresher.Refresh(ctx, refreshToken)
	if err == nil {
		return tok, nil
	}

	// A timed-out refresh keeps the session for the next call to retry.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Str("session_id", sid).Msg("token refresh did not complete")
		return "", fmt.Errorf("token refresh: %w", err)
	}

	s.logger.Warn().Err(err).Str("session_id", sid).Msg("token refresh failed, clearing session")
	if cerr := s.ClearAuth(ctx); cerr != nil {
		s.logger.Error().Err(cerr).Str("session_id", sid).Msg("failed to clear session after refresh failure")
	} else if serr := s.SetError(ctx, ErrSessionExpired.Error()); serr != nil {
		s.logger.Warn().Err(serr).Str("session_id", sid).Msg("failed to record refresh failure")
	}
	loginURL, lerr := s.refresher.LoginURL(ctx)
	if lerr != nil {
		return "", fmt.Errorf("build login url after refresh failure: %w", lerr)
	}
	return "", &LoginRequiredError{LoginURL: loginURL, Err: err}
}
