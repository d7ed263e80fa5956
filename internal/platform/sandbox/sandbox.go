package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Config configures a Sandbox.
type Config struct {
	// Issuer is the external base URL of the sandbox. The FHIR API is served
	// at Issuer + "/fhir".
	Issuer       string
	ClientID     string
	RedirectURIs []string
	SigningKey   []byte
	TokenTTL     time.Duration
	Seed         SeedConfig
}

// Sandbox bundles the authorization server, the FHIR server and their
// seeded store.
type Sandbox struct {
	Auth  *AuthServer
	FHIR  *FHIRServer
	Store *Store
	Seed  SeedResult
}

// New seeds a store and builds both servers. The first generated patient
// is the default for standalone launches.
func New(cfg Config, logger zerolog.Logger) (*Sandbox, error) {
	if len(cfg.SigningKey) == 0 {
		k, err := randomHex(32)
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		cfg.SigningKey = []byte(k)
	}
	issuer := strings.TrimRight(cfg.Issuer, "/")

	store := NewStore()
	seed := Seed(store, cfg.Seed)
	defaultPatient := ""
	if len(seed.PatientIDs) > 0 {
		defaultPatient = seed.PatientIDs[0]
	}

	as := NewAuthServer(AuthServerConfig{
		Issuer:         issuer,
		SigningKey:     cfg.SigningKey,
		DefaultPatient: defaultPatient,
		TokenTTL:       cfg.TokenTTL,
	}, logger)
	if err := as.RegisterClient(&Client{ClientID: cfg.ClientID, RedirectURIs: cfg.RedirectURIs}); err != nil {
		return nil, fmt.Errorf("registering client: %w", err)
	}

	logger.Info().
		Int("patients", len(seed.PatientIDs)).
		Int("observations", seed.Observations).
		Str("default_patient", defaultPatient).
		Msg("sandbox seeded")

	return &Sandbox{
		Auth:  as,
		FHIR:  NewFHIRServer(store, as, issuer+"/fhir", logger),
		Store: store,
		Seed:  seed,
	}, nil
}

// FHIRBaseURL is the base URL of the sandbox FHIR API.
func (s *Sandbox) FHIRBaseURL() string {
	return s.Auth.cfg.Issuer + "/fhir"
}

// RegisterRoutes mounts the authorization endpoints at the root, the FHIR
// API under /fhir and fault injection under /sandbox.
func (s *Sandbox) RegisterRoutes(e *echo.Echo) {
	s.Auth.RegisterRoutes(e)
	s.FHIR.RegisterRoutes(e.Group("/fhir"))
	s.FHIR.RegisterAdminRoutes(e.Group("/sandbox"))
}
