// Package auth implements the identity flows: login, registration and
// password reset. Flows are request-scoped and hold no mutable state; all
// persistence goes through storage.Repository and all session cookies
// through session.Manager.
package auth

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmcleod/quire/password"
	"github.com/jmcleod/quire/session"
	"github.com/jmcleod/quire/storage"
)

const (
	// DefaultResetTokenTTL is how long a password-reset token stays redeemable.
	DefaultResetTokenTTL = 30 * time.Minute
	// MinResetTokenTTL and MaxResetTokenTTL bound a configured TTL.
	MinResetTokenTTL = 15 * time.Minute
	MaxResetTokenTTL = 60 * time.Minute

	resetTokenBytes = 32
)

// Identity is the outward view of an authenticated or newly created user.
// It never carries the password hash.
type Identity struct {
	ID        string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func identityOf(u *storage.User) Identity {
	return Identity{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	}
}

// Service runs the identity flows against a credential store.
type Service struct {
	repo     storage.Repository
	sessions *session.Manager
	hasher   *password.Hasher
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	resetTTL time.Duration

	// dummyHash is verified against when a username is unknown so that the
	// unknown-user path costs the same as a wrong password.
	dummyHash string
}

// Option configures a Service.
type Option func(*Service)

// WithHasher overrides the default cost-12 password hasher.
func WithHasher(h *password.Hasher) Option {
	return func(s *Service) {
		s.hasher = h
	}
}

// WithNotifier sets how password-reset tokens are delivered.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With("component", "auth")
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithResetTokenTTL sets the reset-token lifetime, clamped to
// [MinResetTokenTTL, MaxResetTokenTTL].
func WithResetTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.resetTTL = min(max(ttl, MinResetTokenTTL), MaxResetTokenTTL)
	}
}

// New returns a Service. It computes one bcrypt hash up front, so it takes
// as long as a single Hash call at the configured cost.
func New(repo storage.Repository, sessions *session.Manager, opts ...Option) (*Service, error) {
	s := &Service{
		repo:     repo,
		sessions: sessions,
		now:      time.Now,
		resetTTL: DefaultResetTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.hasher == nil {
		s.hasher = password.Default()
	}
	if s.notifier == nil {
		s.notifier = NewLogNotifier(s.logger, false)
	}

	dummy, err := s.hasher.Hash("quire-unknown-user-placeholder")
	if err != nil {
		return nil, fmt.Errorf("computing placeholder hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// ResetTokenTTL returns the configured reset-token lifetime.
func (s *Service) ResetTokenTTL() time.Duration {
	return s.resetTTL
}
