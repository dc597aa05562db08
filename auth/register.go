package auth

import (
	"context"
	"errors"

	"github.com/jmcleod/quire/internal/uuid"
	"github.com/jmcleod/quire/storage"
)

// RegisterInput is the data needed to create a user. Email is optional.
type RegisterInput struct {
	Username string
	Password string
	Email    string
}

// Register creates a user. It does not start a session.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Identity, error) {
	email := NormalizeEmail(in.Email)
	if err := validateUsername(in.Username); err != nil {
		return Identity{}, err
	}
	if err := validatePassword("password", in.Password); err != nil {
		return Identity{}, err
	}
	if email != "" {
		if err := validateEmail(email); err != nil {
			return Identity{}, err
		}
	}

	if taken, err := s.exists(ctx, s.repo.GetUserByUsername, in.Username); err != nil {
		return Identity{}, internalError("checking username", err)
	} else if taken {
		return Identity{}, ErrUsernameExists
	}
	if email != "" {
		if taken, err := s.exists(ctx, s.repo.GetUserByEmail, email); err != nil {
			return Identity{}, internalError("checking email", err)
		} else if taken {
			return Identity{}, ErrEmailExists
		}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return Identity{}, internalError("hashing password", err)
	}
	u := &storage.User{
		ID:           uuid.New(),
		Username:     in.Username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}

	// The store re-checks uniqueness; a concurrent registration may have
	// claimed the name or address since the checks above.
	switch err := s.repo.CreateUser(ctx, u); {
	case err == nil:
	case errors.Is(err, storage.ErrUsernameTaken):
		return Identity{}, ErrUsernameExists
	case errors.Is(err, storage.ErrEmailTaken):
		return Identity{}, ErrEmailExists
	default:
		return Identity{}, internalError("creating user", err)
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", u.ID)
	return identityOf(u), nil
}

func (s *Service) exists(ctx context.Context, get func(context.Context, string) (*storage.User, error), key string) (bool, error) {
	_, err := get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
