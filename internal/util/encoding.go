package util

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC so that visually identical passwords typed on
// different keyboards hash to the same bytes.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
