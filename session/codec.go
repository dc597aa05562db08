// Package session issues, verifies and carries signed session tokens.
//
// A token is an HS256 JWT whose payload holds the user ID, username, issue
// time and expiry. Validity is determined by the signature and expiry alone;
// nothing is stored server-side, so a token cannot be revoked before it
// expires.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Lifetime is the fixed validity window of a freshly issued token.
const Lifetime = 7 * 24 * time.Hour

// ErrRejected is the only error Decode returns. Callers cannot distinguish a
// forged token from an expired or garbled one.
var ErrRejected = errors.New("session token rejected")

// Claims is the identity carried by a session token.
type Claims struct {
	UserID    string
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Codec signs and verifies session tokens with a single Secret.
type Codec struct {
	secret *Secret
	now    func() time.Time
	logger *slog.Logger
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.now = now
	}
}

// WithLogger sets the logger that receives rejection causes at debug level.
func WithLogger(logger *slog.Logger) CodecOption {
	return func(c *Codec) {
		c.logger = logger.With("component", "session")
	}
}

// NewCodec returns a Codec signing with secret.
func NewCodec(secret *Secret, opts ...CodecOption) *Codec {
	c := &Codec{
		secret: secret,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Encode signs a token for in.UserID and in.Username. IssuedAt and ExpiresAt
// are set from the codec clock, truncated to whole seconds, and returned as
// encoded.
func (c *Codec) Encode(in Claims) (string, Claims, error) {
	if in.UserID == "" || in.Username == "" {
		return "", Claims{}, errors.New("session claims require user id and username")
	}
	now := c.now().UTC().Truncate(time.Second)
	out := Claims{
		UserID:    in.UserID,
		Username:  in.Username,
		IssuedAt:  now,
		ExpiresAt: now.Add(Lifetime),
	}
	tc := tokenClaims{
		UserID:   out.UserID,
		Username: out.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(out.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(out.ExpiresAt),
		},
	}

	var signed string
	err := c.secret.withKey(func(key []byte) error {
		var err error
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(key)
		return err
	})
	if err != nil {
		return "", Claims{}, fmt.Errorf("signing session token: %w", err)
	}
	return signed, out, nil
}

// Decode verifies token and returns its claims. The signature is checked
// before expiry; any failure yields ErrRejected.
func (c *Codec) Decode(token string) (Claims, error) {
	claims, err := c.decode(token)
	if err != nil {
		c.logger.Debug("session token rejected", "reason", err.Error())
		return Claims{}, ErrRejected
	}
	return claims, nil
}

func (c *Codec) decode(token string) (Claims, error) {
	if token == "" {
		return Claims{}, errors.New("empty token")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
	)

	var tc tokenClaims
	err := c.secret.withKey(func(key []byte) error {
		_, err := parser.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
			return key, nil
		})
		return err
	})
	if err != nil {
		return Claims{}, err
	}
	if tc.IssuedAt == nil {
		return Claims{}, errors.New("missing iat")
	}
	if tc.UserID == "" || tc.Username == "" {
		return Claims{}, errors.New("missing identity claims")
	}
	return Claims{
		UserID:    tc.UserID,
		Username:  tc.Username,
		IssuedAt:  tc.IssuedAt.UTC(),
		ExpiresAt: tc.ExpiresAt.UTC(),
	}, nil
}
