// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Queries go through database/sql with the pgx stdlib driver. Uniqueness of
// username and e-mail is enforced by table constraints; violations are
// translated to the storage sentinels by constraint name. An absent e-mail is
// stored as NULL so any number of users may omit it.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jmcleod/quire/storage"
)

const (
	uniqueViolation = "23505"

	usernameConstraint = "users_username_key"
	emailConstraint    = "users_email_key"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given database handle.
// The schema must already be migrated.
func NewRepository(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a pgx-backed database handle and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return db, nil
}

// NewRepositoryFromDSN opens a pgx-backed database handle, applies pending
// migrations, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewRepository(db), nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const selectUser = `SELECT id, username, email, password_hash, created_at FROM users`

func scanUser(row *sql.Row, key string) (*storage.User, error) {
	var (
		u     storage.User
		email sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	u.Email = email.String
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE id = $1`, id), id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE username = $1`, username), username)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	if email == "" {
		return nil, fmt.Errorf("empty email: %w", storage.ErrNotFound)
	}
	return scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE email = $1`, email), email)
}

func (s *Store) CreateUser(ctx context.Context, u *storage.User) error {
	email := sql.NullString{String: u.Email, Valid: u.Email != ""}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Username, email, u.PasswordHash, u.CreatedAt.UTC())
	if err != nil {
		return translateUniqueViolation(err)
	}
	return nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	return nil
}

// translateUniqueViolation maps a unique constraint failure on users to the
// matching storage sentinel.
func translateUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case usernameConstraint:
			return storage.ErrUsernameTaken
		case emailConstraint:
			return storage.ErrEmailTaken
		}
	}
	return fmt.Errorf("db error: %w", err)
}

// ---------------------------------------------------------------------------
// Reset tokens
// ---------------------------------------------------------------------------

func (s *Store) CreateResetToken(ctx context.Context, t *storage.ResetToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reset_tokens (token_hash, user_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		t.TokenHash, t.UserID, t.CreatedAt.UTC(), t.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *Store) GetResetToken(ctx context.Context, tokenHash string) (*storage.ResetToken, error) {
	var (
		t        storage.ResetToken
		consumed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, user_id, created_at, expires_at, consumed_at
		 FROM reset_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&t.TokenHash, &t.UserID, &t.CreatedAt, &t.ExpiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reset token: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	if consumed.Valid {
		t.ConsumedAt = consumed.Time.UTC()
	}
	return &t, nil
}

// RedeemResetToken runs in one transaction. The conditional UPDATE makes
// concurrent callers race on the row lock so only one gets a row back.
func (s *Store) RedeemResetToken(ctx context.Context, tokenHash string, at time.Time, passwordHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer tx.Rollback()

	var userID string
	err = tx.QueryRowContext(ctx,
		`UPDATE reset_tokens SET consumed_at = $2
		 WHERE token_hash = $1 AND consumed_at IS NULL
		 RETURNING user_id`, tokenHash, at.UTC()).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM reset_tokens WHERE token_hash = $1)`, tokenHash).Scan(&exists); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if !exists {
			return fmt.Errorf("reset token: %w", storage.ErrNotFound)
		}
		return storage.ErrTokenConsumed
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
