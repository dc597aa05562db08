package auth

import (
	"context"
	"errors"

	"github.com/jmcleod/quire/internal/util"
	"github.com/jmcleod/quire/storage"
)

// RequestPasswordReset issues a single-use reset token for the account with
// the given e-mail and hands it to the Notifier. Only the token's SHA-256 is
// persisted.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return invalid("email", "is required")
	}
	if err := validateEmail(email); err != nil {
		return err
	}

	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrEmailNotFound
		}
		return internalError("looking up email", err)
	}

	token, err := util.RandomToken(resetTokenBytes)
	if err != nil {
		return internalError("generating reset token", err)
	}
	now := s.now().UTC()
	rec := &storage.ResetToken{
		TokenHash: hashResetToken(token),
		UserID:    u.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.resetTTL),
	}
	if err := s.repo.CreateResetToken(ctx, rec); err != nil {
		return internalError("storing reset token", err)
	}

	notice := PasswordResetNotice{
		UserID:    u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Token:     token,
		ExpiresAt: rec.ExpiresAt,
	}
	if err := s.notifier.SendPasswordReset(ctx, notice); err != nil {
		return internalError("delivering reset token", err)
	}
	return nil
}

// ConfirmPasswordReset redeems token and replaces the owning user's password.
// The store consumes the token and writes the hash atomically, so two
// concurrent confirmations cannot both succeed and a failed write leaves the
// token redeemable.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if err := validatePassword("new_password", newPassword); err != nil {
		return err
	}
	if token == "" {
		return ErrInvalidOrExpiredToken
	}

	tokenHash := hashResetToken(token)
	rec, err := s.repo.GetResetToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return internalError("loading reset token", err)
	}
	now := s.now().UTC()
	if !rec.Usable(now) {
		return ErrInvalidOrExpiredToken
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return internalError("hashing password", err)
	}

	if err := s.repo.RedeemResetToken(ctx, tokenHash, now, hash); err != nil {
		if errors.Is(err, storage.ErrTokenConsumed) || errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return internalError("redeeming reset token", err)
	}

	s.logger.InfoContext(ctx, "password reset completed", "user_id", rec.UserID)
	return nil
}

func hashResetToken(token string) string {
	return util.SHA256Hex(token)
}
