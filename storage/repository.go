// Package storage defines the credential store used by the identity flows:
// user records and password-reset tokens. Backends live in the memory, bbolt
// and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user or reset token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUsernameTaken is returned by CreateUser when the username is in use.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrEmailTaken is returned by CreateUser when the e-mail is in use.
	ErrEmailTaken = errors.New("email already taken")
	// ErrTokenConsumed is returned by RedeemResetToken when the token was
	// already consumed.
	ErrTokenConsumed = errors.New("reset token already consumed")
)

// User is a persisted account. Email is empty when the user registered
// without one.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// ResetToken is the persisted half of a password-reset token. Only the
// SHA-256 of the token is stored.
type ResetToken struct {
	TokenHash  string    `json:"token_hash"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ConsumedAt time.Time `json:"consumed_at,omitzero"`
}

// Consumed reports whether the token has already been used.
func (t *ResetToken) Consumed() bool {
	return !t.ConsumedAt.IsZero()
}

// Usable reports whether the token can still be redeemed at now.
func (t *ResetToken) Usable(now time.Time) bool {
	return !t.Consumed() && now.Before(t.ExpiresAt)
}

// UserStore looks up and mutates user records. Username matching is exact;
// e-mail matching expects the caller to pass a normalised (lower-case) address.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
}

// ResetTokenStore persists password-reset tokens.
type ResetTokenStore interface {
	CreateResetToken(ctx context.Context, t *ResetToken) error
	GetResetToken(ctx context.Context, tokenHash string) (*ResetToken, error)
	// RedeemResetToken marks the token consumed at the given time and sets
	// the owning user's password hash in one atomic step. It fails with
	// ErrTokenConsumed if the token was already consumed, so at most one
	// caller can win, and with ErrNotFound if the token or its user is
	// missing. On any error neither record changes.
	RedeemResetToken(ctx context.Context, tokenHash string, at time.Time, passwordHash string) error
}

// Repository is the full credential store.
type Repository interface {
	UserStore
	ResetTokenStore
}
