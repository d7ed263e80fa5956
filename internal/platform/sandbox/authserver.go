package sandbox

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/smartvitals/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// Data Structures
// ---------------------------------------------------------------------------

// Client is an application registered with the sandbox authorization
// server. Every sandbox client is public.
type Client struct {
	ClientID     string
	RedirectURIs []string
	Scope        string
}

// LaunchContext is an EHR launch registered through /auth/launch.
type LaunchContext struct {
	ID          string
	PatientID   string
	EncounterID string
	UserID      string
	ExpiresAt   time.Time
}

type authorizationCode struct {
	clientID      string
	redirectURI   string
	scope         string
	patientID     string
	encounterID   string
	userID        string
	banner        bool
	codeChallenge string
	expiresAt     time.Time
}

type refreshGrant struct {
	clientID    string
	scope       string
	patientID   string
	encounterID string
	userID      string
	expiresAt   time.Time
}

// TokenResponse is the token endpoint response with the SMART context
// parameters.
type TokenResponse struct {
	AccessToken       string `json:"access_token"`
	TokenType         string `json:"token_type"`
	ExpiresIn         int    `json:"expires_in"`
	Scope             string `json:"scope"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	Patient           string `json:"patient,omitempty"`
	Encounter         string `json:"encounter,omitempty"`
	NeedPatientBanner *bool  `json:"need_patient_banner,omitempty"`
}

// AccessClaims are the claims of a sandbox access token.
type AccessClaims struct {
	Scope     string `json:"scope,omitempty"`
	Patient   string `json:"patient,omitempty"`
	Encounter string `json:"encounter,omitempty"`
	FHIRUser  string `json:"fhirUser,omitempty"`
	jwt.RegisteredClaims
}

// ---------------------------------------------------------------------------
// AuthServer
// ---------------------------------------------------------------------------

// AuthServerConfig configures an AuthServer.
type AuthServerConfig struct {
	Issuer         string
	SigningKey     []byte
	DefaultPatient string
	CodeTTL        time.Duration
	TokenTTL       time.Duration
	RefreshTTL     time.Duration
}

// AuthServer is a SMART authorization server for local development. It
// approves every authorization request without user interaction.
type AuthServer struct {
	cfg    AuthServerConfig
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	clients  map[string]*Client
	codes    map[string]*authorizationCode
	launches map[string]*LaunchContext
	refresh  map[string]*refreshGrant
}

// NewAuthServer creates an authorization server. Zero durations in cfg
// take their defaults.
func NewAuthServer(cfg AuthServerConfig, logger zerolog.Logger) *AuthServer {
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = 5 * time.Minute
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")
	return &AuthServer{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		clients:  make(map[string]*Client),
		codes:    make(map[string]*authorizationCode),
		launches: make(map[string]*LaunchContext),
		refresh:  make(map[string]*refreshGrant),
	}
}

// RegisterClient registers a public client.
func (s *AuthServer) RegisterClient(c *Client) error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[c.ClientID]; exists {
		return fmt.Errorf("client_id %q already registered", c.ClientID)
	}
	s.clients[c.ClientID] = c
	return nil
}

// CreateLaunch registers an EHR launch for patientID and returns the launch
// token to pass to the app.
func (s *AuthServer) CreateLaunch(patientID, encounterID, userID string) (*LaunchContext, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	id, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generating launch id: %w", err)
	}
	lc := &LaunchContext{
		ID:          id,
		PatientID:   patientID,
		EncounterID: encounterID,
		UserID:      userID,
		ExpiresAt:   s.now().Add(s.cfg.CodeTTL),
	}
	s.mu.Lock()
	s.launches[id] = lc
	s.mu.Unlock()
	return lc, nil
}

// AuthorizeRequest holds the authorization endpoint parameters.
type AuthorizeRequest struct {
	ResponseType  string
	ClientID      string
	RedirectURI   string
	Scope         string
	State         string
	Aud           string
	Launch        string
	CodeChallenge string
}

// Authorize issues an authorization code. A launch token binds the code to
// the launch's patient and asks the app to show a patient banner; a
// standalone launch with launch/patient scope gets the default patient.
func (s *AuthServer) Authorize(req AuthorizeRequest) (string, error) {
	if req.ResponseType != "code" {
		return "", &auth.OAuthError{Code: "unsupported_response_type", Description: "response_type must be 'code'"}
	}

	if oe := s.checkRedirect(req.ClientID, req.RedirectURI); oe != nil {
		return "", oe
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Aud != "" && !s.validAudience(req.Aud) {
		return "", &auth.OAuthError{Code: "invalid_request", Description: "aud does not name this server"}
	}

	ac := &authorizationCode{
		clientID:      req.ClientID,
		redirectURI:   req.RedirectURI,
		scope:         req.Scope,
		codeChallenge: req.CodeChallenge,
		expiresAt:     s.now().Add(s.cfg.CodeTTL),
	}

	if req.Launch != "" {
		lc, ok := s.launches[req.Launch]
		if !ok || s.now().After(lc.ExpiresAt) {
			return "", &auth.OAuthError{Code: "invalid_request", Description: "invalid or expired launch context"}
		}
		delete(s.launches, req.Launch)
		ac.patientID = lc.PatientID
		ac.encounterID = lc.EncounterID
		ac.userID = lc.UserID
		ac.banner = true
	} else if hasScope(req.Scope, "launch/patient") {
		ac.patientID = s.cfg.DefaultPatient
	}

	code, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("generating authorization code: %w", err)
	}
	s.codes[code] = ac
	return code, nil
}

// checkRedirect verifies that redirectURI is registered for clientID. A
// failure must not be reported by redirecting to redirectURI.
func (s *AuthServer) checkRedirect(clientID, redirectURI string) *auth.OAuthError {
	s.mu.Lock()
	client, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return &auth.OAuthError{Code: "unauthorized_client", Description: "unknown client_id"}
	}
	if !containsString(client.RedirectURIs, redirectURI) {
		return &auth.OAuthError{Code: "invalid_request", Description: "redirect_uri not registered for this client"}
	}
	return nil
}

func (s *AuthServer) validAudience(aud string) bool {
	aud = strings.TrimRight(aud, "/")
	return aud == s.cfg.Issuer || strings.HasPrefix(aud, s.cfg.Issuer+"/")
}

// ExchangeCode redeems an authorization code. Codes are single use; a
// second redemption fails with invalid_grant.
func (s *AuthServer) ExchangeCode(code, redirectURI, clientID, verifier string) (*TokenResponse, error) {
	s.mu.Lock()
	ac, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	switch {
	case !ok:
		return nil, &auth.OAuthError{Code: "invalid_grant", Description: "invalid or already used authorization code"}
	case s.now().After(ac.expiresAt):
		return nil, &auth.OAuthError{Code: "invalid_grant", Description: "authorization code has expired"}
	case ac.redirectURI != redirectURI:
		return nil, &auth.OAuthError{Code: "invalid_grant", Description: "redirect_uri does not match"}
	case ac.clientID != clientID:
		return nil, &auth.OAuthError{Code: "invalid_grant", Description: "client_id does not match"}
	}
	if ac.codeChallenge != "" && !verifyPKCE(verifier, ac.codeChallenge) {
		return nil, &auth.OAuthError{Code: "invalid_grant", Description: "PKCE verification failed"}
	}

	grant := &refreshGrant{
		clientID:    ac.clientID,
		scope:       ac.scope,
		patientID:   ac.patientID,
		encounterID: ac.encounterID,
		userID:      ac.userID,
	}
	resp, err := s.issue(grant)
	if err != nil {
		return nil, err
	}
	banner := ac.banner
	resp.NeedPatientBanner = &banner

	if hasScope(ac.scope, "offline_access") || hasScope(ac.scope, "online_access") {
		rt, err := randomHex(32)
		if err != nil {
			return nil, fmt.Errorf("generating refresh token: %w", err)
		}
		grant.expiresAt = s.now().Add(s.cfg.RefreshTTL)
		s.mu.Lock()
		s.refresh[rt] = grant
		s.mu.Unlock()
		resp.RefreshToken = rt
	}
	return resp, nil
}

// Refresh issues a new access token for a refresh token. The refresh token
// itself is not rotated and is omitted from the response.
func (s *AuthServer) Refresh(refreshToken, clientID string) (*TokenResponse, error) {
	s.mu.Lock()
	grant, ok := s.refresh[refreshToken]
	if ok && s.now().After(grant.expiresAt) {
		delete(s.refresh, refreshToken)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, &auth.OAuthError{Code: "invalid_grant", Description: "invalid or expired refresh token"}
	}
	if clientID != "" && grant.clientID != clientID {
		return nil, &auth.OAuthError{Code: "invalid_grant", Description: "client_id does not match refresh token"}
	}
	return s.issue(grant)
}

// RevokeRefreshTokens drops every outstanding refresh token so the next
// refresh fails.
func (s *AuthServer) RevokeRefreshTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.refresh)
	s.refresh = make(map[string]*refreshGrant)
	return n
}

func (s *AuthServer) issue(grant *refreshGrant) (*TokenResponse, error) {
	now := s.now()
	jti, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generating token id: %w", err)
	}

	claims := AccessClaims{
		Scope:     grant.scope,
		Patient:   grant.patientID,
		Encounter: grant.encounterID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   grant.userID,
			Audience:  jwt.ClaimStrings{s.cfg.Issuer + "/fhir"},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	if grant.userID != "" {
		claims.FHIRUser = "Practitioner/" + grant.userID
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.TokenTTL.Seconds()),
		Scope:       grant.scope,
		Patient:     grant.patientID,
		Encounter:   grant.encounterID,
	}, nil
}

// VerifyAccessToken checks the signature and expiry of a sandbox access
// token and returns its claims.
func (s *AuthServer) VerifyAccessToken(raw string) (*AccessClaims, error) {
	var claims AccessClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.cfg.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// StartCleanup removes expired codes, launches and refresh tokens until ctx
// is cancelled.
func (s *AuthServer) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *AuthServer) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.codes {
		if now.After(v.expiresAt) {
			delete(s.codes, k)
		}
	}
	for k, v := range s.launches {
		if now.After(v.ExpiresAt) {
			delete(s.launches, k)
		}
	}
	for k, v := range s.refresh {
		if now.After(v.expiresAt) {
			delete(s.refresh, k)
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP endpoints
// ---------------------------------------------------------------------------

// RegisterRoutes mounts the authorization endpoints on e.
func (s *AuthServer) RegisterRoutes(e *echo.Echo) {
	e.GET("/auth/authorize", s.handleAuthorize)
	e.POST("/auth/token", s.handleToken)
	e.POST("/auth/launch", s.handleLaunch)
	e.GET("/.well-known/smart-configuration", s.handleSMARTConfiguration)
	e.GET("/fhir/.well-known/smart-configuration", s.handleSMARTConfiguration)
}

func (s *AuthServer) handleAuthorize(c echo.Context) error {
	req := AuthorizeRequest{
		ResponseType:  c.QueryParam("response_type"),
		ClientID:      c.QueryParam("client_id"),
		RedirectURI:   c.QueryParam("redirect_uri"),
		Scope:         c.QueryParam("scope"),
		State:         c.QueryParam("state"),
		Aud:           c.QueryParam("aud"),
		Launch:        c.QueryParam("launch"),
		CodeChallenge: c.QueryParam("code_challenge"),
	}

	if oe := s.checkRedirect(req.ClientID, req.RedirectURI); oe != nil {
		return c.JSON(http.StatusBadRequest, oe)
	}
	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return c.JSON(http.StatusBadRequest, &auth.OAuthError{Code: "invalid_request", Description: "malformed redirect_uri"})
	}

	code, err := s.Authorize(req)
	q := redirect.Query()
	if err != nil {
		var oe *auth.OAuthError
		if !errors.As(err, &oe) {
			s.logger.Error().Err(err).Msg("sandbox authorize failed")
			oe = &auth.OAuthError{Code: "server_error", Description: "internal server error"}
		}
		q.Set("error", oe.Code)
		q.Set("error_description", oe.Description)
	} else {
		q.Set("code", code)
	}
	if req.State != "" {
		q.Set("state", req.State)
	}
	redirect.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, redirect.String())
}

func (s *AuthServer) handleToken(c echo.Context) error {
	clientID := c.FormValue("client_id")
	if id, _, ok := c.Request().BasicAuth(); ok && id != "" {
		clientID = id
	}

	var (
		resp *TokenResponse
		err  error
	)
	switch c.FormValue("grant_type") {
	case "authorization_code":
		resp, err = s.ExchangeCode(c.FormValue("code"), c.FormValue("redirect_uri"), clientID, c.FormValue("code_verifier"))
	case "refresh_token":
		rt := c.FormValue("refresh_token")
		if rt == "" {
			return c.JSON(http.StatusBadRequest, &auth.OAuthError{Code: "invalid_request", Description: "refresh_token is required"})
		}
		resp, err = s.Refresh(rt, clientID)
	default:
		return c.JSON(http.StatusBadRequest, &auth.OAuthError{
			Code:        "unsupported_grant_type",
			Description: "grant_type must be 'authorization_code' or 'refresh_token'",
		})
	}

	if err != nil {
		var oe *auth.OAuthError
		if errors.As(err, &oe) {
			return c.JSON(http.StatusBadRequest, oe)
		}
		s.logger.Error().Err(err).Msg("sandbox token request failed")
		return c.JSON(http.StatusInternalServerError, &auth.OAuthError{Code: "server_error", Description: "internal server error"})
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, resp)
}

func (s *AuthServer) handleLaunch(c echo.Context) error {
	var req struct {
		PatientID   string `json:"patient_id" form:"patient_id"`
		EncounterID string `json:"encounter_id" form:"encounter_id"`
		UserID      string `json:"user_id" form:"user_id"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, &auth.OAuthError{Code: "invalid_request", Description: "invalid request body"})
	}

	lc, err := s.CreateLaunch(req.PatientID, req.EncounterID, req.UserID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, &auth.OAuthError{Code: "invalid_request", Description: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"launch": lc.ID,
		"iss":    s.cfg.Issuer + "/fhir",
	})
}

func (s *AuthServer) handleSMARTConfiguration(c echo.Context) error {
	return c.JSON(http.StatusOK, auth.SMARTConfiguration{
		Issuer:                 s.cfg.Issuer,
		AuthorizationEndpoint:  s.cfg.Issuer + "/auth/authorize",
		TokenEndpoint:          s.cfg.Issuer + "/auth/token",
		TokenEndpointAuth:      []string{"none"},
		ScopesSupported:        []string{"launch", "launch/patient", "patient/*.read", "patient/*.write", "user/*.read", "openid", "fhirUser", "offline_access", "online_access"},
		ResponseTypesSupported: []string{"code"},
		Capabilities:           []string{"launch-ehr", "launch-standalone", "client-public", "context-ehr-patient", "context-banner", "permission-patient"},
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func verifyPKCE(verifier, challenge string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func hasScope(scope, target string) bool {
	for _, s := range strings.Fields(scope) {
		if s == target {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
