// Package auth runs the client side of the SMART App Launch authorization
// code flow for browser sessions: building authorization URLs, handling the
// callback, exchanging and refreshing tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/ehr/smartvitals/internal/platform/session"
	"github.com/ehr/smartvitals/internal/platform/telemetry"
)

// Phase is the position of a session in the authorization flow.
type Phase string

const (
	PhaseUnauthenticated  Phase = "UNAUTHENTICATED"
	PhaseAwaitingCallback Phase = "AWAITING_CALLBACK"
	PhaseAuthenticated    Phase = "AUTHENTICATED"
)

// Config holds the registered client and the endpoints it talks to.
type Config struct {
	ClientID    string
	Scope       string
	RedirectURI string
	AuthURL     string
	TokenURL    string
	FHIRBaseURL string
	LaunchToken string
}

// LaunchParams is the launch context passed to /launch by the EHR.
type LaunchParams struct {
	Launch    string
	Issuer    string
	PatientID string
}

// CallbackParams is the query of the redirect back from the authorization
// server.
type CallbackParams struct {
	Code             string
	State            string
	Patient          string
	Error            string
	ErrorDescription string
}

// TokenStore is the part of the session token store the controller writes.
type TokenStore interface {
	Session(ctx context.Context) (session.AuthSession, error)
	SetTokens(ctx context.Context, t session.Tokens) error
	SetError(ctx context.Context, msg string) error
	ClearAuth(ctx context.Context) error
}

// PatientSelector is the part of the patient store the controller writes.
type PatientSelector interface {
	SetPatientID(ctx context.Context, id string) error
	Reset(ctx context.Context) error
}

// Controller drives the authorization flow for the session carried by each
// call's context.
type Controller struct {
	cfg        Config
	oauth      *oauth2.Config
	storage    session.Storage
	tokens     TokenStore
	patients   PatientSelector
	httpClient *http.Client
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(ctrl *Controller) {
		ctrl.httpClient = c
	}
}

// WithMetrics records exchange and refresh outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(ctrl *Controller) {
		ctrl.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(ctrl *Controller) {
		ctrl.logger = logger
	}
}

// NewController creates a controller. storage holds the transient launch
// keys and state token; tokens and patients receive the flow's results.
func NewController(cfg Config, storage session.Storage, tokens TokenStore, patients PatientSelector, opts ...Option) *Controller {
	c := &Controller{
		cfg:        cfg,
		storage:    storage,
		tokens:     tokens,
		patients:   patients,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURI,
			Scopes:      strings.Fields(cfg.Scope),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Controller) sessionID(ctx context.Context) (string, error) {
	sid := session.IDFromContext(ctx)
	if sid == "" {
		return "", session.ErrNoSession
	}
	return sid, nil
}

// ---------------------------------------------------------------------------
// Flow
// ---------------------------------------------------------------------------

// Initialize starts an authorization: it drops any previous authentication,
// persists the launch context, stores a new state token and returns the
// authorization URL the browser must be redirected to. aud defaults to the
// FHIR base URL and launch to the configured launch token.
func (c *Controller) Initialize(ctx context.Context, p LaunchParams) (string, error) {
	sid, err := c.sessionID(ctx)
	if err != nil {
		return "", err
	}

	if err := c.tokens.ClearAuth(ctx); err != nil {
		return "", fmt.Errorf("clearing previous auth state: %w", err)
	}
	if err := c.patients.Reset(ctx); err != nil {
		return "", fmt.Errorf("clearing previous patient: %w", err)
	}
	if err := c.clearLaunch(ctx, sid); err != nil {
		return "", err
	}

	for key, value := range map[string]string{
		session.KeyLaunchToken:     p.Launch,
		session.KeyIssuer:          p.Issuer,
		session.KeyLaunchPatientID: p.PatientID,
	} {
		if value == "" {
			continue
		}
		if err := c.storage.Set(ctx, sid, key, value); err != nil {
			return "", fmt.Errorf("persisting %s: %w", key, err)
		}
	}

	state, err := c.storeNewState(ctx, sid)
	if err != nil {
		return "", err
	}

	aud := p.Issuer
	if aud == "" {
		aud = c.cfg.FHIRBaseURL
	}
	launch := p.Launch
	if launch == "" {
		launch = c.cfg.LaunchToken
	}

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("aud", aud)}
	if launch != "" {
		opts = append(opts, oauth2.SetAuthURLParam("launch", launch))
	}

	c.logger.Debug().
		Str("session_id", sid).
		Str("aud", aud).
		Bool("has_launch", launch != "").
		Msg("starting authorization")

	return c.oauth.AuthCodeURL(state, opts...), nil
}

// LoginURL returns an authorization URL without launch context and persists
// its state token. Launch context left over from an earlier flow is removed.
func (c *Controller) LoginURL(ctx context.Context) (string, error) {
	sid, err := c.sessionID(ctx)
	if err != nil {
		return "", err
	}
	if err := c.clearLaunch(ctx, sid); err != nil {
		return "", err
	}
	state, err := c.storeNewState(ctx, sid)
	if err != nil {
		return "", err
	}
	return c.oauth.AuthCodeURL(state), nil
}

func (c *Controller) clearLaunch(ctx context.Context, sid string) error {
	for _, key := range session.LaunchKeys {
		if err := c.storage.Remove(ctx, sid, key); err != nil {
			return fmt.Errorf("removing %s: %w", key, err)
		}
	}
	return nil
}

func (c *Controller) storeNewState(ctx context.Context, sid string) (string, error) {
	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	if err := c.storage.Set(ctx, sid, session.KeyState, state); err != nil {
		return "", fmt.Errorf("persisting state: %w", err)
	}
	return state, nil
}

// HandleCallback completes the authorization for a callback request. It
// returns *FlowRestart when the code was rejected as invalid_grant and a
// new authorization has been started. Any other failure is also recorded
// as the session's error.
func (c *Controller) HandleCallback(ctx context.Context, p CallbackParams) error {
	err := c.handleCallback(ctx, p)
	if err == nil || errors.Is(err, session.ErrNoSession) {
		return err
	}
	var restart *FlowRestart
	if errors.As(err, &restart) {
		return err
	}
	if serr := c.tokens.SetError(ctx, err.Error()); serr != nil {
		c.logger.Warn().Err(serr).Msg("failed to record callback error")
	}
	return err
}

func (c *Controller) handleCallback(ctx context.Context, p CallbackParams) error {
	sid, err := c.sessionID(ctx)
	if err != nil {
		return err
	}

	if p.Error != "" {
		return &OAuthError{Code: p.Error, Description: p.ErrorDescription}
	}
	if p.Code == "" {
		return ErrMissingCode
	}

	stored, err := c.storage.Get(ctx, sid, session.KeyState)
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.logger.Warn().Str("session_id", sid).Msg("callback without stored state, skipping state check")
	case err != nil:
		return fmt.Errorf("loading state: %w", err)
	case stored != p.State:
		return ErrStateMismatch
	}

	ts, err := c.ExchangeCodeForToken(ctx, p.Code)
	if err != nil {
		return err
	}

	patientID := ts.Patient
	if patientID == "" {
		patientID = p.Patient
	}
	if patientID == "" {
		patientID = PatientFromAccessToken(ts.AccessToken)
	}

	err = c.tokens.SetTokens(ctx, session.Tokens{
		AccessToken:       ts.AccessToken,
		RefreshToken:      ts.RefreshToken,
		IDToken:           ts.IDToken,
		ExpiresIn:         ts.ExpiresIn,
		PatientID:         patientID,
		UserID:            ts.User,
		NeedPatientBanner: ts.NeedPatientBanner,
	})
	if err != nil {
		return fmt.Errorf("storing tokens: %w", err)
	}

	if patientID != "" {
		if err := c.patients.SetPatientID(ctx, patientID); err != nil {
			return fmt.Errorf("selecting patient: %w", err)
		}
	}

	if err := c.storage.Remove(ctx, sid, session.KeyState); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sid).Msg("failed to remove state token")
	}

	c.logger.Info().
		Str("session_id", sid).
		Str("patient_id", patientID).
		Str("user", ts.User).
		Msg("authorization complete")
	return nil
}

// ExchangeCodeForToken redeems an authorization code at the token endpoint.
// An invalid_grant rejection restarts the flow with the persisted launch
// context and is reported as *FlowRestart. Any other rejection is a
// *TokenExchangeError.
func (c *Controller) ExchangeCodeForToken(ctx context.Context, code string) (*TokenSet, error) {
	tok, err := c.oauth.Exchange(c.clientContext(ctx), code)
	if err == nil {
		c.metrics.TokenExchange(telemetry.OutcomeSuccess)
		return tokenSetFromOAuth2(tok), nil
	}

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		c.metrics.TokenExchange(telemetry.OutcomeFailure)
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	oerr := parseOAuthError(re)
	if oerr != nil && oerr.Code == "invalid_grant" {
		c.logger.Warn().Str("error_description", oerr.Description).Msg("authorization code rejected, restarting authorization")
		c.metrics.TokenExchange(telemetry.OutcomeRestart)
		c.metrics.FlowRestart()

		redirect, ierr := c.Initialize(ctx, c.storedLaunch(ctx))
		if ierr != nil {
			return nil, fmt.Errorf("restarting authorization: %w", ierr)
		}
		return nil, &FlowRestart{RedirectURL: redirect}
	}

	c.metrics.TokenExchange(telemetry.OutcomeFailure)
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	return nil, &TokenExchangeError{StatusCode: status, Body: string(re.Body), OAuth: oerr}
}

func (c *Controller) storedLaunch(ctx context.Context) LaunchParams {
	sid := session.IDFromContext(ctx)
	get := func(key string) string {
		v, err := c.storage.Get(ctx, sid, key)
		if err != nil {
			return ""
		}
		return v
	}
	return LaunchParams{
		Launch:    get(session.KeyLaunchToken),
		Issuer:    get(session.KeyIssuer),
		PatientID: get(session.KeyLaunchPatientID),
	}
}

// parseOAuthError extracts the OAuth error object from a token endpoint
// failure, or nil when the body is not one.
func parseOAuthError(re *oauth2.RetrieveError) *OAuthError {
	if re.ErrorCode != "" {
		return &OAuthError{Code: re.ErrorCode, Description: re.ErrorDescription}
	}
	var oerr OAuthError
	if err := json.Unmarshal(re.Body, &oerr); err != nil || oerr.Code == "" {
		return nil
	}
	return &oerr
}

// RefreshAccessToken performs the refresh grant and replaces the stored
// session with the result. Fields missing from the response are cleared,
// including the refresh token.
func (c *Controller) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := c.oauth.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		c.metrics.TokenRefresh(telemetry.OutcomeFailure)
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			c.logger.Warn().Int("status", status).Str("body", string(re.Body)).Msg("refresh grant rejected")
			return nil, ErrRefreshFailed
		}
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	ts := tokenSetFromOAuth2(tok)
	err = c.tokens.SetTokens(ctx, session.Tokens{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		IDToken:      ts.IDToken,
		ExpiresIn:    ts.ExpiresIn,
		PatientID:    ts.Patient,
		UserID:       ts.User,
	})
	if err != nil {
		return nil, fmt.Errorf("storing refreshed tokens: %w", err)
	}

	c.metrics.TokenRefresh(telemetry.OutcomeSuccess)
	return ts, nil
}

// Refresh implements session.Refresher.
func (c *Controller) Refresh(ctx context.Context, refreshToken string) (string, error) {
	ts, err := c.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	return ts.AccessToken, nil
}

// Logout clears the session's tokens, patient selection and launch context.
func (c *Controller) Logout(ctx context.Context) error {
	sid, err := c.sessionID(ctx)
	if err != nil {
		return err
	}
	if err := c.tokens.ClearAuth(ctx); err != nil {
		return fmt.Errorf("clearing tokens: %w", err)
	}
	if err := c.patients.Reset(ctx); err != nil {
		return fmt.Errorf("resetting patient: %w", err)
	}
	if err := c.storage.Clear(ctx, sid); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	c.logger.Info().Str("session_id", sid).Msg("logged out")
	return nil
}

// Phase reports where the session is in the flow.
func (c *Controller) Phase(ctx context.Context) (Phase, error) {
	sid, err := c.sessionID(ctx)
	if err != nil {
		return PhaseUnauthenticated, err
	}
	state, err := c.tokens.Session(ctx)
	if err != nil {
		return PhaseUnauthenticated, err
	}
	if state.IsAuthenticated {
		return PhaseAuthenticated, nil
	}
	_, err = c.storage.Get(ctx, sid, session.KeyState)
	switch {
	case err == nil:
		return PhaseAwaitingCallback, nil
	case errors.Is(err, session.ErrNotFound):
		return PhaseUnauthenticated, nil
	default:
		return PhaseUnauthenticated, err
	}
}
