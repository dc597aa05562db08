// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/quire/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu         sync.RWMutex
	users      map[string]*storage.User
	byUsername map[string]string
	byEmail    map[string]string
	tokens     map[string]*storage.ResetToken
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		users:      make(map[string]*storage.User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		tokens:     make(map[string]*storage.ResetToken),
	}
}

func cloneUser(u *storage.User) *storage.User {
	cp := *u
	return &cp
}

func cloneToken(t *storage.ResetToken) *storage.ResetToken {
	cp := *t
	return &cp
}

func (r *Repository) GetUserByID(_ context.Context, id string) (*storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (r *Repository) GetUserByUsername(_ context.Context, username string) (*storage.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(r.byUsername, username)
}

func (r *Repository) GetUserByEmail(_ context.Context, email string) (*storage.User, error) {
	if email == "" {
		return nil, fmt.Errorf("empty email: %w", storage.ErrNotFound)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(r.byEmail, email)
}

func (r *Repository) lookupLocked(index map[string]string, key string) (*storage.User, error) {
	id, ok := index[key]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", key, storage.ErrNotFound)
	}
	return cloneUser(r.users[id]), nil
}

func (r *Repository) CreateUser(_ context.Context, u *storage.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUsername[u.Username]; ok {
		return storage.ErrUsernameTaken
	}
	if u.Email != "" {
		if _, ok := r.byEmail[u.Email]; ok {
			return storage.ErrEmailTaken
		}
	}
	r.users[u.ID] = cloneUser(u)
	r.byUsername[u.Username] = u.ID
	if u.Email != "" {
		r.byEmail[u.Email] = u.ID
	}
	return nil
}

func (r *Repository) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	u.PasswordHash = hash
	return nil
}

func (r *Repository) CreateResetToken(_ context.Context, t *storage.ResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.TokenHash] = cloneToken(t)
	return nil
}

func (r *Repository) GetResetToken(_ context.Context, tokenHash string) (*storage.ResetToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[tokenHash]
	if !ok {
		return nil, fmt.Errorf("reset token: %w", storage.ErrNotFound)
	}
	return cloneToken(t), nil
}

func (r *Repository) RedeemResetToken(_ context.Context, tokenHash string, at time.Time, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenHash]
	if !ok {
		return fmt.Errorf("reset token: %w", storage.ErrNotFound)
	}
	if t.Consumed() {
		return storage.ErrTokenConsumed
	}
	u, ok := r.users[t.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", t.UserID, storage.ErrNotFound)
	}
	t.ConsumedAt = at
	u.PasswordHash = passwordHash
	return nil
}
