package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/quire/api"
	"github.com/jmcleod/quire/auth"
	"github.com/jmcleod/quire/internal/config"
	"github.com/jmcleod/quire/internal/logging"
	"github.com/jmcleod/quire/password"
	"github.com/jmcleod/quire/session"
	"github.com/jmcleod/quire/storage"
	bboltstorage "github.com/jmcleod/quire/storage/bbolt"
	"github.com/jmcleod/quire/storage/memory"
	"github.com/jmcleod/quire/storage/postgres"
)

var serverFlags struct {
	env             string
	sessionSecret   string
	addr            string
	storage         string
	dataDir         string
	postgresDSN     string
	bcryptCost      int
	resetTokenTTL   time.Duration
	concealAccounts bool
	trustedProxies  []string
	tlsCert         string
	tlsKey          string
	logLevel        string
	logFormat       string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the identity service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServerConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg, logger)
	},
}

// loadServerConfig reads the environment and applies any flags given on the
// command line on top of it.
func loadServerConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("env") {
		cfg.Env = serverFlags.env
	}
	if flags.Changed("session-secret") {
		cfg.SessionSecret = serverFlags.sessionSecret
	}
	if flags.Changed("addr") {
		cfg.Addr = serverFlags.addr
	}
	if flags.Changed("storage") {
		cfg.Storage = serverFlags.storage
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = serverFlags.dataDir
	}
	if flags.Changed("postgres-dsn") {
		cfg.PostgresDSN = serverFlags.postgresDSN
	}
	if flags.Changed("bcrypt-cost") {
		cfg.BcryptCost = serverFlags.bcryptCost
	}
	if flags.Changed("reset-token-ttl") {
		cfg.ResetTokenTTL = serverFlags.resetTokenTTL
	}
	if flags.Changed("conceal-accounts") {
		cfg.ConcealAccounts = serverFlags.concealAccounts
	}
	if flags.Changed("trusted-proxies") {
		cfg.TrustedProxies = serverFlags.trustedProxies
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert = serverFlags.tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey = serverFlags.tlsKey
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = serverFlags.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = serverFlags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openRepository returns the configured credential store and a function that
// releases it.
func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, func() error, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return memory.NewRepository(), func() error { return nil }, nil
	case config.StorageBbolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "quire.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, repo.Close, nil
	case config.StoragePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// buildHandler wires the identity core behind the HTTP router.
func buildHandler(cfg *config.Config, repo storage.Repository, logger *slog.Logger) (http.Handler, *api.API, error) {
	secret, err := session.NewSecret(cfg.Secret())
	if err != nil {
		return nil, nil, err
	}
	codec := session.NewCodec(secret, session.WithLogger(logger))
	sessions := session.NewManager(codec, session.WithSecureCookies(cfg.IsProduction()))

	hasher, err := password.New(cfg.BcryptCost)
	if err != nil {
		return nil, nil, err
	}
	svc, err := auth.New(repo, sessions,
		auth.WithHasher(hasher),
		auth.WithLogger(logger),
		auth.WithNotifier(auth.NewLogNotifier(logger, !cfg.IsProduction())),
		auth.WithResetTokenTTL(cfg.ResetTokenTTL),
	)
	if err != nil {
		return nil, nil, err
	}

	proxies, err := api.WithTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, nil, err
	}
	a := api.New(svc, sessions,
		api.WithLogger(logger),
		api.WithAccountConcealment(cfg.ConcealAccounts),
		proxies,
	)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/api/v1", a.Router())
	return r, a, nil
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger = logger.With("component", "server")

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	handler, a, err := buildHandler(cfg, repo, logger)
	if err != nil {
		return err
	}
	if cfg.UsesDevelopmentSecret() {
		logger.Warn("signing sessions with the built-in development secret; set QUIRE_SESSION_SECRET")
	}
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage; accounts are lost on restart")
	}

	maintCtx, stopMaint := context.WithCancel(ctx)
	defer stopMaint()
	go a.RunMaintenance(maintCtx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	useTLS := cfg.TLSCert != "" && cfg.TLSKey != ""
	if useTLS {
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(os.Stdout)
	logger.Info("starting server",
		"addr", cfg.Addr,
		"env", cfg.Env,
		"storage", cfg.Storage,
		"tls", useTLS)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringVar(&serverFlags.env, "env", config.EnvDevelopment, "Runtime environment (development or production)")
	f.StringVar(&serverFlags.sessionSecret, "session-secret", "", "Session signing secret (prefer QUIRE_SESSION_SECRET)")
	f.StringVar(&serverFlags.addr, "addr", ":8080", "Address to listen on")
	f.StringVar(&serverFlags.storage, "storage", config.StorageBbolt, "Credential store: memory, bbolt or postgres")
	f.StringVar(&serverFlags.dataDir, "data-dir", "./data", "Directory for bbolt data")
	f.StringVar(&serverFlags.postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	f.IntVar(&serverFlags.bcryptCost, "bcrypt-cost", password.DefaultCost, "bcrypt work factor")
	f.DurationVar(&serverFlags.resetTokenTTL, "reset-token-ttl", auth.DefaultResetTokenTTL, "Password reset token lifetime (15m to 60m)")
	f.BoolVar(&serverFlags.concealAccounts, "conceal-accounts", false, "Answer forgot-password identically for unknown e-mails")
	f.StringSliceVar(&serverFlags.trustedProxies, "trusted-proxies", nil, "Proxy CIDRs whose forwarding headers are trusted")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
	f.StringVar(&serverFlags.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	f.StringVar(&serverFlags.logFormat, "log-format", "json", "Log format: json or text")
}
