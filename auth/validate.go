package auth

import (
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxUsernameRunes = 64
	maxPasswordBytes = 1024
	maxEmailBytes    = 254
)

func validateUsername(username string) error {
	if username == "" {
		return invalid("username", "is required")
	}
	if !utf8.ValidString(username) {
		return invalid("username", "must be valid UTF-8")
	}
	if utf8.RuneCountInString(username) > maxUsernameRunes {
		return invalid("username", "must be at most 64 characters")
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return invalid("username", "must not contain whitespace or control characters")
		}
	}
	return nil
}

// validatePassword checks shape only. Strength policy is left to callers.
func validatePassword(field, password string) error {
	if password == "" {
		return invalid(field, "is required")
	}
	if !utf8.ValidString(password) {
		return invalid(field, "must be valid UTF-8")
	}
	if len(password) > maxPasswordBytes {
		return invalid(field, "must be at most 1024 bytes")
	}
	return nil
}

// NormalizeEmail trims surrounding whitespace and lower-cases the address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validateEmail expects a normalised, non-empty address.
func validateEmail(email string) error {
	if len(email) > maxEmailBytes {
		return invalid("email", "must be at most 254 bytes")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return invalid("email", "must be a valid address")
	}
	return nil
}
