package session

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// DevelopmentSecret is the signing secret used when none is configured
// outside production. Tokens signed with it are forgeable by anyone who has
// read this source.
const DevelopmentSecret = "quire-development-secret-do-not-use-in-production"

// MinSecretLen is the shortest secret accepted in production.
const MinSecretLen = 32

// ErrEmptySecret is returned when a secret has no key material.
var ErrEmptySecret = errors.New("session secret is empty")

// Secret is the HMAC key used to sign session tokens. It is held in a
// memguard Enclave, encrypted while at rest in memory, and is immutable once
// constructed.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret copies key into protected memory and wipes the caller's slice.
func NewSecret(key []byte) (*Secret, error) {
	if len(key) == 0 {
		return nil, ErrEmptySecret
	}
	return &Secret{enclave: memguard.NewEnclave(key)}, nil
}

// withKey decrypts the secret for the duration of fn. fn must not retain the
// slice.
func (s *Secret) withKey(fn func(key []byte) error) error {
	if s == nil || s.enclave == nil {
		return ErrEmptySecret
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening session secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
