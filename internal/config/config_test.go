package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CLIENT_ID", "vitals-app")
	t.Setenv("SCOPE", "launch openid fhirUser patient/*.read")
	t.Setenv("REDIRECT_URI", "http://localhost:8080/callback")
	t.Setenv("AUTH_URL", "http://localhost:9090/auth/authorize")
	t.Setenv("TOKEN_URL", "http://localhost:9090/auth/token")
	t.Setenv("FHIR_BASE_URL", "http://localhost:9090/fhir")
}

func TestLoad_RequiresClientSettings(t *testing.T) {
	t.Setenv("CLIENT_ID", "")
	t.Setenv("TOKEN_URL", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when CLIENT_ID is missing")
	}
	if !strings.Contains(err.Error(), "CLIENT_ID") {
		t.Errorf("expected error to name CLIENT_ID, got %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.SessionStore != StoreMemory {
		t.Errorf("expected memory session store, got %s", cfg.SessionStore)
	}
	if cfg.SessionTTL != 8*time.Hour {
		t.Errorf("expected 8h session ttl, got %s", cfg.SessionTTL)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("expected 30s http timeout, got %s", cfg.HTTPTimeout)
	}
	if cfg.LandingPath != "/" {
		t.Errorf("expected landing path /, got %s", cfg.LandingPath)
	}
	if cfg.RRLocalCode != "703540" {
		t.Errorf("expected default respiratory-rate local code, got %s", cfg.RRLocalCode)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:5173" {
		t.Errorf("unexpected CORS origins %v", cfg.CORSOrigins)
	}
}

func TestLoad_CORSOriginsList(t *testing.T) {
	setRequired(t)
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("unexpected CORS origins %v", cfg.CORSOrigins)
	}
}

func TestLoad_RedisStoreRequiresURL(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_STORE", "redis")
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when REDIS_URL is missing for redis store")
	}
	if !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("expected error to name REDIS_URL, got %v", err)
	}
}

func TestLoad_UnknownStore(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_STORE", "etcd")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown session store")
	}
}

func TestValidate_ProductionRequiresSecureCookie(t *testing.T) {
	c := validConfig()
	c.Env = "production"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for insecure cookie in production")
	}
	c.CookieSecure = true
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_ConnBounds(t *testing.T) {
	c := validConfig()
	c.DBMinConns = 20
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when min conns exceed max conns")
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true for production")
	}
}

func validConfig() *Config {
	return &Config{
		Port:          "8080",
		Env:           "development",
		ClientID:      "vitals-app",
		Scope:         "launch",
		RedirectURI:   "http://localhost:8080/callback",
		AuthURL:       "http://localhost:9090/auth/authorize",
		TokenURL:      "http://localhost:9090/auth/token",
		FHIRBaseURL:   "http://localhost:9090/fhir",
		LandingPath:   "/",
		SessionStore:  StoreMemory,
		SessionTTL:    time.Hour,
		SessionCookie: "vitals_session",
		DBMaxConns:    10,
		DBMinConns:    1,
		HTTPTimeout:   time.Second,
	}
}
