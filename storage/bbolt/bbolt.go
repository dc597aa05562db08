// Package bbolt provides a BBolt-backed storage repository.
//
// Users are stored as JSON under their ID in the users bucket. Two index
// buckets map username and e-mail to the user ID; they are written in the
// same transaction as the record, so uniqueness holds without extra locking.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/quire/storage"
)

var (
	usersBucket      = []byte("users")
	usernamesBucket  = []byte("users_by_username")
	emailsBucket     = []byte("users_by_email")
	resetTokenBucket = []byte("reset_tokens")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database,
// creating its buckets if needed.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, usernamesBucket, emailsBucket, resetTokenBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func getUser(tx *bbolt.Tx, id string) (*storage.User, error) {
	data := tx.Bucket(usersBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	var u storage.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", id, err)
	}
	return &u, nil
}

func putUser(tx *bbolt.Tx, u *storage.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return tx.Bucket(usersBucket).Put([]byte(u.ID), data)
}

func (s *Store) lookup(index []byte, key string) (*storage.User, error) {
	var u *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(index).Get([]byte(key))
		if id == nil {
			return fmt.Errorf("user %s: %w", key, storage.ErrNotFound)
		}
		var err error
		u, err = getUser(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*storage.User, error) {
	var u *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = getUser(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*storage.User, error) {
	return s.lookup(usernamesBucket, username)
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*storage.User, error) {
	if email == "" {
		return nil, fmt.Errorf("empty email: %w", storage.ErrNotFound)
	}
	return s.lookup(emailsBucket, email)
}

func (s *Store) CreateUser(_ context.Context, u *storage.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(usernamesBucket)
		if names.Get([]byte(u.Username)) != nil {
			return storage.ErrUsernameTaken
		}
		emails := tx.Bucket(emailsBucket)
		if u.Email != "" && emails.Get([]byte(u.Email)) != nil {
			return storage.ErrEmailTaken
		}
		if err := putUser(tx, u); err != nil {
			return err
		}
		if err := names.Put([]byte(u.Username), []byte(u.ID)); err != nil {
			return err
		}
		if u.Email != "" {
			return emails.Put([]byte(u.Email), []byte(u.ID))
		}
		return nil
	})
}

func (s *Store) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		u.PasswordHash = hash
		return putUser(tx, u)
	})
}

func getToken(b *bbolt.Bucket, tokenHash string) (*storage.ResetToken, error) {
	data := b.Get([]byte(tokenHash))
	if data == nil {
		return nil, fmt.Errorf("reset token: %w", storage.ErrNotFound)
	}
	var t storage.ResetToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding reset token: %w", err)
	}
	return &t, nil
}

func putToken(b *bbolt.Bucket, t *storage.ResetToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Put([]byte(t.TokenHash), data)
}

func (s *Store) CreateResetToken(_ context.Context, t *storage.ResetToken) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putToken(tx.Bucket(resetTokenBucket), t)
	})
}

func (s *Store) GetResetToken(_ context.Context, tokenHash string) (*storage.ResetToken, error) {
	var t *storage.ResetToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		t, err = getToken(tx.Bucket(resetTokenBucket), tokenHash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// RedeemResetToken relies on bbolt's single-writer transactions for the
// check-and-set; an error rolls back both writes.
func (s *Store) RedeemResetToken(_ context.Context, tokenHash string, at time.Time, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(resetTokenBucket)
		t, err := getToken(b, tokenHash)
		if err != nil {
			return err
		}
		if t.Consumed() {
			return storage.ErrTokenConsumed
		}
		u, err := getUser(tx, t.UserID)
		if err != nil {
			return err
		}
		t.ConsumedAt = at.UTC()
		if err := putToken(b, t); err != nil {
			return err
		}
		u.PasswordHash = passwordHash
		return putUser(tx, u)
	})
}
