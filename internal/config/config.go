package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Session storage backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	ClientID    string `mapstructure:"CLIENT_ID" validate:"required"`
	Scope       string `mapstructure:"SCOPE" validate:"required"`
	RedirectURI string `mapstructure:"REDIRECT_URI" validate:"required,url"`
	AuthURL     string `mapstructure:"AUTH_URL" validate:"required,url"`
	TokenURL    string `mapstructure:"TOKEN_URL" validate:"required,url"`
	FHIRBaseURL string `mapstructure:"FHIR_BASE_URL" validate:"required,url"`
	LaunchToken string `mapstructure:"LAUNCH_TOKEN"`
	LandingPath string `mapstructure:"LANDING_PATH" validate:"startswith=/"`

	SessionStore  string        `mapstructure:"SESSION_STORE" validate:"oneof=memory redis postgres"`
	SessionTTL    time.Duration `mapstructure:"SESSION_TTL" validate:"gt=0"`
	SessionCookie string        `mapstructure:"SESSION_COOKIE" validate:"required"`
	CookieSecure  bool          `mapstructure:"COOKIE_SECURE"`

	RedisURL    string `mapstructure:"REDIS_URL" validate:"required_if=SessionStore redis"`
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required_if=SessionStore postgres"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	HTTPTimeout time.Duration `mapstructure:"HTTP_TIMEOUT" validate:"gt=0"`

	LocalCodeSystem string `mapstructure:"VITALS_LOCAL_CODE_SYSTEM"`
	RRLocalCode     string `mapstructure:"VITALS_RR_LOCAL_CODE"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV",
	"CLIENT_ID", "SCOPE", "REDIRECT_URI", "AUTH_URL", "TOKEN_URL", "FHIR_BASE_URL", "LAUNCH_TOKEN", "LANDING_PATH",
	"SESSION_STORE", "SESSION_TTL", "SESSION_COOKIE", "COOKIE_SECURE",
	"REDIS_URL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"HTTP_TIMEOUT",
	"VITALS_LOCAL_CODE_SYSTEM", "VITALS_RR_LOCAL_CODE",
	"CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LANDING_PATH", "/")
	v.SetDefault("SESSION_STORE", StoreMemory)
	v.SetDefault("SESSION_TTL", "8h")
	v.SetDefault("SESSION_COOKIE", "vitals_session")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("VITALS_LOCAL_CODE_SYSTEM", "https://fhir.cerner.com/ec2458f2-1e24-41c8-b71b-0e701af7583d/codeSet/72")
	v.SetDefault("VITALS_RR_LOCAL_CODE", "703540")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Missing .env is fine; the environment may carry everything.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the struct tags and the cross-field rules the tags cannot
// express. Errors name the environment key, not the Go field.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("validate config: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", envKey(fe.StructField()), fe.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
	}

	if c.IsProduction() && !c.CookieSecure {
		return fmt.Errorf("COOKIE_SECURE must be true in production")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

func envKey(field string) string {
	t, ok := fieldKeys[field]
	if !ok {
		return field
	}
	return t
}

var fieldKeys = map[string]string{
	"ClientID":      "CLIENT_ID",
	"Scope":         "SCOPE",
	"RedirectURI":   "REDIRECT_URI",
	"AuthURL":       "AUTH_URL",
	"TokenURL":      "TOKEN_URL",
	"FHIRBaseURL":   "FHIR_BASE_URL",
	"LandingPath":   "LANDING_PATH",
	"SessionStore":  "SESSION_STORE",
	"SessionTTL":    "SESSION_TTL",
	"SessionCookie": "SESSION_COOKIE",
	"RedisURL":      "REDIS_URL",
	"DatabaseURL":   "DATABASE_URL",
	"HTTPTimeout":   "HTTP_TIMEOUT",
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
