// Package config reads quire's settings from the environment.
//
// A .env file in the working directory is loaded first when present.
// Variables already set in the process environment take precedence over
// the file, and command-line flags (applied by the caller) over both.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jmcleod/quire/password"
	"github.com/jmcleod/quire/session"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StorageMemory   = "memory"
	StorageBbolt    = "bbolt"
	StoragePostgres = "postgres"
)

// Config holds the server settings.
type Config struct {
	Env           string
	SessionSecret string
	Addr          string

	Storage     string
	DataDir     string
	PostgresDSN string

	BcryptCost      int
	ResetTokenTTL   time.Duration
	ConcealAccounts bool
	TrustedProxies  []string

	TLSCert string
	TLSKey  string

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from .env and the process environment.
// Malformed numeric, boolean or duration values are reported rather than
// silently replaced by defaults. Load does not call Validate.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		Env:           getEnv("QUIRE_ENV", EnvDevelopment),
		SessionSecret: os.Getenv("QUIRE_SESSION_SECRET"),
		Addr:          getEnv("QUIRE_ADDR", ":8080"),

		Storage:     getEnv("QUIRE_STORAGE", StorageBbolt),
		DataDir:     getEnv("QUIRE_DATA_DIR", "./data"),
		PostgresDSN: os.Getenv("QUIRE_POSTGRES_DSN"),

		TrustedProxies: splitList(os.Getenv("QUIRE_TRUSTED_PROXIES")),

		TLSCert: os.Getenv("QUIRE_TLS_CERT"),
		TLSKey:  os.Getenv("QUIRE_TLS_KEY"),

		LogLevel:  getEnv("QUIRE_LOG_LEVEL", "info"),
		LogFormat: getEnv("QUIRE_LOG_FORMAT", "json"),
	}

	var err error
	if cfg.BcryptCost, err = getEnvAsInt("QUIRE_BCRYPT_COST", password.DefaultCost); err != nil {
		return nil, err
	}
	if cfg.ResetTokenTTL, err = getEnvAsDuration("QUIRE_RESET_TOKEN_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ConcealAccounts, err = getEnvAsBool("QUIRE_CONCEAL_ACCOUNTS", false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Secret returns the session signing key. Outside production an empty
// setting falls back to session.DevelopmentSecret.
func (c *Config) Secret() []byte {
	if c.SessionSecret == "" && !c.IsProduction() {
		return []byte(session.DevelopmentSecret)
	}
	return []byte(c.SessionSecret)
}

// UsesDevelopmentSecret reports whether tokens will be signed with the
// built-in development secret.
func (c *Config) UsesDevelopmentSecret() bool {
	return string(c.Secret()) == session.DevelopmentSecret
}

// Validate checks the configuration for consistency. Production refuses to
// start without a real session secret.
func (c *Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("QUIRE_ENV must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Env)
	}

	if c.IsProduction() {
		switch {
		case c.SessionSecret == "":
			return errors.New("QUIRE_SESSION_SECRET is required in production")
		case c.SessionSecret == session.DevelopmentSecret:
			return errors.New("QUIRE_SESSION_SECRET must not be the development secret in production")
		case len(c.SessionSecret) < session.MinSecretLen:
			return fmt.Errorf("QUIRE_SESSION_SECRET must be at least %d bytes in production", session.MinSecretLen)
		}
	}

	switch c.Storage {
	case StorageMemory:
	case StorageBbolt:
		if c.DataDir == "" {
			return errors.New("QUIRE_DATA_DIR is required for bbolt storage")
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return errors.New("QUIRE_POSTGRES_DSN is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}

	if c.BcryptCost < password.MinCost || c.BcryptCost > password.MaxCost {
		return fmt.Errorf("QUIRE_BCRYPT_COST must be between %d and %d", password.MinCost, password.MaxCost)
	}
	if c.ResetTokenTTL <= 0 {
		return errors.New("QUIRE_RESET_TOKEN_TTL must be positive")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("QUIRE_TLS_CERT and QUIRE_TLS_KEY must be set together")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("QUIRE_LOG_LEVEL: %w", err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("QUIRE_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
