// Package storagetest holds a conformance suite run against every
// storage.Repository backend.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/quire/storage"
)

// Run exercises repo against the behaviour every backend must share. The
// repository must start empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	alice := &storage.User{
		ID:           "7d7c6c0e-1111-4a4a-9b9b-000000000001",
		Username:     "alice",
		Email:        "a@x.com",
		PasswordHash: "$2a$04$alicehash",
		CreatedAt:    created,
	}

	t.Run("CreateAndGetUser", func(t *testing.T) {
		require.NoError(t, repo.CreateUser(ctx, alice))

		got, err := repo.GetUserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)
		assert.Equal(t, alice.Email, got.Email)
		assert.Equal(t, alice.PasswordHash, got.PasswordHash)
		assert.True(t, alice.CreatedAt.Equal(got.CreatedAt))

		got, err = repo.GetUserByEmail(ctx, "a@x.com")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)

		got, err = repo.GetUserByID(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
	})

	t.Run("UsernameIsCaseSensitive", func(t *testing.T) {
		_, err := repo.GetUserByUsername(ctx, "Alice")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetUserByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetUserByEmail(ctx, "nobody@x.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetUserByID(ctx, "7d7c6c0e-1111-4a4a-9b9b-0000000000ff")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		err = repo.UpdatePasswordHash(ctx, "7d7c6c0e-1111-4a4a-9b9b-0000000000ff", "x")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DuplicateUsername", func(t *testing.T) {
		err := repo.CreateUser(ctx, &storage.User{
			ID:           "7d7c6c0e-1111-4a4a-9b9b-000000000002",
			Username:     "alice",
			Email:        "b@x.com",
			PasswordHash: "$2a$04$other",
			CreatedAt:    created,
		})
		assert.ErrorIs(t, err, storage.ErrUsernameTaken)

		// The failed insert left no trace of its e-mail.
		_, err = repo.GetUserByEmail(ctx, "b@x.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		err := repo.CreateUser(ctx, &storage.User{
			ID:           "7d7c6c0e-1111-4a4a-9b9b-000000000003",
			Username:     "bob",
			Email:        "a@x.com",
			PasswordHash: "$2a$04$bob",
			CreatedAt:    created,
		})
		assert.ErrorIs(t, err, storage.ErrEmailTaken)

		_, err = repo.GetUserByUsername(ctx, "bob")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UsersWithoutEmail", func(t *testing.T) {
		for i, name := range []string{"carol", "dave"} {
			err := repo.CreateUser(ctx, &storage.User{
				ID:           []string{"7d7c6c0e-1111-4a4a-9b9b-000000000004", "7d7c6c0e-1111-4a4a-9b9b-000000000005"}[i],
				Username:     name,
				PasswordHash: "$2a$04$" + name,
				CreatedAt:    created,
			})
			require.NoError(t, err, "empty e-mail must not collide with other empty e-mails")
		}
		_, err := repo.GetUserByEmail(ctx, "")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdatePasswordHash", func(t *testing.T) {
		require.NoError(t, repo.UpdatePasswordHash(ctx, alice.ID, "$2a$04$newhash"))
		got, err := repo.GetUserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "$2a$04$newhash", got.PasswordHash)
	})

	t.Run("ResetTokenLifecycle", func(t *testing.T) {
		tok := &storage.ResetToken{
			TokenHash: "hash-1",
			UserID:    alice.ID,
			CreatedAt: created,
			ExpiresAt: created.Add(30 * time.Minute),
		}
		require.NoError(t, repo.CreateResetToken(ctx, tok))

		got, err := repo.GetResetToken(ctx, "hash-1")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.UserID)
		assert.False(t, got.Consumed())
		assert.True(t, got.Usable(created.Add(time.Minute)))
		assert.False(t, got.Usable(created.Add(31*time.Minute)))

		consumedAt := created.Add(5 * time.Minute)
		require.NoError(t, repo.RedeemResetToken(ctx, "hash-1", consumedAt, "$2a$04$redeemed"))

		got, err = repo.GetResetToken(ctx, "hash-1")
		require.NoError(t, err)
		assert.True(t, got.Consumed())
		assert.True(t, consumedAt.Equal(got.ConsumedAt))

		owner, err := repo.GetUserByID(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "$2a$04$redeemed", owner.PasswordHash)

		err = repo.RedeemResetToken(ctx, "hash-1", consumedAt, "$2a$04$second")
		assert.ErrorIs(t, err, storage.ErrTokenConsumed)

		owner, err = repo.GetUserByID(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "$2a$04$redeemed", owner.PasswordHash, "a refused redeem must not touch the hash")
	})

	t.Run("ResetTokenNotFound", func(t *testing.T) {
		_, err := repo.GetResetToken(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		err = repo.RedeemResetToken(ctx, "missing", created, "$2a$04$unused")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ConcurrentRedeemHasOneWinner", func(t *testing.T) {
		require.NoError(t, repo.CreateResetToken(ctx, &storage.ResetToken{
			TokenHash: "hash-race",
			UserID:    alice.ID,
			CreatedAt: created,
			ExpiresAt: created.Add(30 * time.Minute),
		}))

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := repo.RedeemResetToken(ctx, "hash-race", created.Add(time.Minute), "$2a$04$race"); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
