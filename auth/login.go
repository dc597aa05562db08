package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/jmcleod/quire/storage"
)

// Login verifies username and password and, on success, sets a session
// cookie on w. An unknown username and a wrong password both yield
// ErrInvalidCredentials after the same amount of hashing work.
func (s *Service) Login(ctx context.Context, w http.ResponseWriter, username, password string) (Identity, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Identity{}, internalError("looking up user", err)
		}
		s.hasher.Verify(password, s.dummyHash)
		return Identity{}, ErrInvalidCredentials
	}
	if !s.hasher.Verify(password, u.PasswordHash) {
		return Identity{}, ErrInvalidCredentials
	}

	s.maybeRehash(ctx, u, password)

	if _, err := s.sessions.Issue(w, u.ID, u.Username); err != nil {
		return Identity{}, internalError("issuing session", err)
	}
	return identityOf(u), nil
}

// maybeRehash upgrades a hash produced at an outdated cost. Failures are
// logged and otherwise ignored; the old hash keeps working.
func (s *Service) maybeRehash(ctx context.Context, u *storage.User, password string) {
	if !s.hasher.NeedsRehash(u.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.WarnContext(ctx, "rehash failed", "user_id", u.ID, "error", err)
		return
	}
	if err := s.repo.UpdatePasswordHash(ctx, u.ID, hash); err != nil {
		s.logger.WarnContext(ctx, "storing rehashed password failed", "user_id", u.ID, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "password rehashed", "user_id", u.ID, "cost", s.hasher.Cost())
}
