// Package password hashes and verifies user passwords with bcrypt.
//
// Plaintext is NFKC-normalised before hashing. Inputs longer than bcrypt's
// 72-byte limit are reduced to base64(SHA-256(input)) first, so long
// passphrases are neither truncated nor rejected.
package password

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/quire/internal/util"
)

const (
	// DefaultCost is the bcrypt work factor used in production.
	DefaultCost = 12
	// MinCost is the cheapest cost bcrypt accepts. Intended for tests.
	MinCost = bcrypt.MinCost
	// MaxCost is the most expensive cost bcrypt accepts.
	MaxCost = bcrypt.MaxCost

	bcryptMaxInput = 72
)

// ErrInvalidInput is returned by Hash when the plaintext is not valid UTF-8.
var ErrInvalidInput = errors.New("password is not valid UTF-8")

// Hasher produces and checks bcrypt password hashes at a fixed cost.
// A Hasher holds no mutable state and is safe for concurrent use.
type Hasher struct {
	cost int
}

// New returns a Hasher using the given bcrypt cost.
func New(cost int) (*Hasher, error) {
	if cost < MinCost || cost > MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d outside [%d, %d]", cost, MinCost, MaxCost)
	}
	return &Hasher{cost: cost}, nil
}

// Default returns a Hasher using DefaultCost.
func Default() *Hasher {
	return &Hasher{cost: DefaultCost}
}

// Cost returns the configured bcrypt cost.
func (h *Hasher) Cost() int {
	return h.cost
}

// Hash returns a self-describing bcrypt hash of plaintext. The empty string
// is a valid input.
func (h *Hasher) Hash(plaintext string) (string, error) {
	if !utf8.ValidString(plaintext) {
		return "", ErrInvalidInput
	}
	in := prepare(plaintext)
	defer util.WipeBytes(in)

	out, err := bcrypt.GenerateFromPassword(in, h.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(out), nil
}

// Verify reports whether plaintext matches hash. It returns false for a
// malformed hash, an empty plaintext or an empty hash.
func (h *Hasher) Verify(plaintext, hash string) bool {
	if plaintext == "" || hash == "" || !utf8.ValidString(plaintext) {
		return false
	}
	in := prepare(plaintext)
	defer util.WipeBytes(in)
	return bcrypt.CompareHashAndPassword([]byte(hash), in) == nil
}

// NeedsRehash reports whether hash was produced at a different cost than the
// Hasher's, or cannot be parsed at all.
func (h *Hasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost != h.cost
}

func prepare(plaintext string) []byte {
	b := []byte(util.Normalize(plaintext))
	if len(b) <= bcryptMaxInput {
		return b
	}
	sum := sha256.Sum256(b)
	util.WipeBytes(b)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}
