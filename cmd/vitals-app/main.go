package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/smartvitals/internal/config"
	"github.com/ehr/smartvitals/internal/domain/launch"
	"github.com/ehr/smartvitals/internal/domain/vitals"
	"github.com/ehr/smartvitals/internal/platform/auth"
	"github.com/ehr/smartvitals/internal/platform/db"
	"github.com/ehr/smartvitals/internal/platform/hipaa"
	"github.com/ehr/smartvitals/internal/platform/middleware"
	platformredis "github.com/ehr/smartvitals/internal/platform/redis"
	"github.com/ehr/smartvitals/internal/platform/sandbox"
	"github.com/ehr/smartvitals/internal/platform/session"
	"github.com/ehr/smartvitals/internal/platform/telemetry"
	"github.com/ehr/smartvitals/internal/platform/websocket"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "vitals-app",
		Short: "SMART on FHIR vitals app backend",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sandboxCmd())
	rootCmd.AddCommand(loginURLCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the app backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func sandboxCmd() *cobra.Command {
	var (
		port        string
		issuer      string
		clientID    string
		redirectURI []string
		patients    int
		vitalsEach  int
		seed        int64
	)
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run a local SMART authorization server and FHIR server with synthetic patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			if issuer == "" {
				issuer = "http://localhost:" + port
			}
			return runSandbox(port, sandbox.Config{
				Issuer:       issuer,
				ClientID:     clientID,
				RedirectURIs: redirectURI,
				Seed:         sandbox.SeedConfig{PatientCount: patients, VitalsPerPatient: vitalsEach, Seed: seed},
			})
		},
	}
	cmd.Flags().StringVar(&port, "port", "9090", "listen port")
	cmd.Flags().StringVar(&issuer, "issuer", "", "external base URL (default http://localhost:<port>)")
	cmd.Flags().StringVar(&clientID, "client-id", "vitals-app", "client id to register")
	cmd.Flags().StringSliceVar(&redirectURI, "redirect-uri", []string{"http://localhost:8080/callback"}, "allowed redirect URIs")
	cmd.Flags().IntVar(&patients, "patients", sandbox.DefaultSeedConfig().PatientCount, "number of synthetic patients")
	cmd.Flags().IntVar(&vitalsEach, "vitals", sandbox.DefaultSeedConfig().VitalsPerPatient, "vital signs per patient")
	cmd.Flags().Int64Var(&seed, "seed", sandbox.DefaultSeedConfig().Seed, "generator seed")
	return cmd
}

func loginURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login-url",
		Short: "Print a standalone authorization URL for the configured client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			storage := session.NewMemoryStorage(cfg.SessionTTL)
			tokens := session.NewTokenStore(storage)
			ctrl := auth.NewController(authConfig(cfg), storage, tokens, session.NewPatientStore(storage))

			u, err := ctrl.LoginURL(session.NewContext(cmd.Context(), uuid.NewString()))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover [fhir-base-url]",
		Short: "Fetch and print a FHIR server's SMART configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer := ""
			if len(args) == 1 {
				issuer = args[0]
			} else {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				issuer = cfg.FHIRBaseURL
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			sc, err := auth.FetchSMARTConfiguration(ctx, nil, issuer)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sc)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		ClientID:    cfg.ClientID,
		Scope:       cfg.Scope,
		RedirectURI: cfg.RedirectURI,
		AuthURL:     cfg.AuthURL,
		TokenURL:    cfg.TokenURL,
		FHIRBaseURL: cfg.FHIRBaseURL,
		LaunchToken: cfg.LaunchToken,
	}
}

// sessionBackend is the storage chosen by SESSION_STORE plus the health
// checks and resources that come with it. audit is nil unless the backend
// can persist the PHI access log.
type sessionBackend struct {
	storage session.Storage
	pool    *pgxpool.Pool
	checks  []db.Check
	audit   middleware.AuditRecorder
	close   func()
}

func newSessionBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sessionBackend, error) {
	switch cfg.SessionStore {
	case config.StoreRedis:
		client, err := platformredis.New(ctx, cfg.RedisURL, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info().Msg("session store: redis")
		return &sessionBackend{
			storage: session.NewRedisStorage(client.Client, cfg.SessionTTL),
			checks:  []db.Check{{Name: "redis", Ping: client.Health}},
			close:   func() { client.Close() },
		}, nil

	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			DatabaseURL: cfg.DatabaseURL,
			MaxConns:    cfg.DBMaxConns,
			MinConns:    cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		storage := session.NewPGStorageFromPool(pool, cfg.SessionTTL)
		if err := storage.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrating session table: %w", err)
		}
		accessLog := hipaa.NewAccessLoggerFromPool(pool)
		if err := accessLog.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrating access log: %w", err)
		}
		startPGCleanup(ctx, storage, time.Minute, logger)
		logger.Info().Msg("session store: postgres")
		return &sessionBackend{
			storage: storage,
			pool:    pool,
			checks:  []db.Check{db.PoolCheck(pool)},
			audit:   accessLog,
			close:   pool.Close,
		}, nil

	default:
		storage := session.NewMemoryStorage(cfg.SessionTTL)
		storage.StartCleanup(ctx, time.Minute)
		logger.Info().Msg("session store: memory")
		return &sessionBackend{storage: storage, close: func() {}}, nil
	}
}

func startPGCleanup(ctx context.Context, s *session.PGStorage, interval time.Duration, logger zerolog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn().Err(err).Msg("session cleanup failed")
				}
			}
		}
	}()
}

// auditSubject reads the acting user and selected patient from the
// request's session.
func auditSubject(tokens *session.TokenStore, patients *session.PatientStore) middleware.SubjectResolver {
	return func(c echo.Context) middleware.AuditSubject {
		ctx := c.Request().Context()
		var subj middleware.AuditSubject
		if state, err := tokens.Session(ctx); err == nil {
			subj.UserID = state.UserID
			subj.PatientID = state.PatientID
		}
		if sel, err := patients.Selection(ctx); err == nil && sel.PatientID != "" {
			subj.PatientID = sel.PatientID
		}
		return subj
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	backend, err := newSessionBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session store")
	}
	defer backend.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	tokens := session.NewTokenStore(backend.storage, session.WithLogger(logger))
	patients := session.NewPatientStore(backend.storage)
	ctrl := auth.NewController(authConfig(cfg), backend.storage, tokens, patients,
		auth.WithHTTPClient(httpClient),
		auth.WithMetrics(metrics),
		auth.WithLogger(logger),
	)
	tokens.SetRefresher(ctrl)

	mapper := vitals.NewMapper(vitals.LocalCoding{
		System:  cfg.LocalCodeSystem,
		Code:    cfg.RRLocalCode,
		Display: vitals.DefaultLocalCoding.Display,
	})
	client := vitals.NewClient(cfg.FHIRBaseURL, tokens, mapper,
		vitals.WithHTTPClient(httpClient),
		vitals.WithMetrics(metrics),
		vitals.WithLogger(logger),
	)
	svc := vitals.NewService(client, patients, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(session.Middleware(session.CookieConfig{
		Name:   cfg.SessionCookie,
		Secure: cfg.CookieSecure,
		MaxAge: cfg.SessionTTL,
	}))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.Audit(logger, auditSubject(tokens, patients), backend.audit))

	e.GET("/health", db.HealthHandler(backend.pool, backend.checks...))
	e.GET("/metrics", metrics.PrometheusHandler())

	api := e.Group("/api")
	api.Use(middleware.BodyLimit("64K"))

	launch.NewHandler(ctrl, tokens, patients, cfg.LandingPath, logger).RegisterRoutes(e, api)
	vitals.NewHandler(svc, ctrl, logger).RegisterRoutes(api)

	hub := websocket.NewHub(logger)
	defer hub.Attach(tokens)()
	websocket.NewHandler(hub, tokens, cfg.CORSOrigins).RegisterRoutes(api)

	return serve(e, ":"+cfg.Port, logger)
}

func runSandbox(port string, sc sandbox.Config) error {
	logger := newLogger()

	key, generated, err := resolveSigningKey(os.Getenv("SANDBOX_SIGNING_KEY"))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid signing key")
	}
	if generated {
		logger.Warn().Msg("SANDBOX_SIGNING_KEY not set, tokens will not survive a restart")
	}
	sc.SigningKey = key

	sb, err := sandbox.New(sc, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build sandbox")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	sb.Auth.StartCleanup(ctx, time.Minute)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORS())
	sb.RegisterRoutes(e)

	logger.Info().
		Str("fhir_base_url", sb.FHIRBaseURL()).
		Strs("patients", sb.Seed.PatientIDs).
		Msg("sandbox ready")

	return serve(e, ":"+port, logger)
}

// serve runs e until SIGINT or SIGTERM and then shuts it down gracefully.
func serve(e *echo.Echo, addr string, logger zerolog.Logger) error {
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// resolveSigningKey returns the sandbox signing key from a hex-encoded
// environment value, or a random 32-byte key. The second return value is
// true when a random key was generated.
func resolveSigningKey(envValue string) ([]byte, bool, error) {
	if envValue != "" {
		decoded, err := hex.DecodeString(envValue)
		if err != nil {
			return nil, false, fmt.Errorf("invalid SANDBOX_SIGNING_KEY hex value: %w", err)
		}
		return decoded, false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random signing key: %w", err)
	}
	return key, true, nil
}
