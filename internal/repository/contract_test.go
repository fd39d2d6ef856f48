package repository_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
	"github.com/smallbiznis/bookstore-auth/internal/repository"
)

var idSeq atomic.Int64

func init() {
	idSeq.Store(time.Now().UnixNano() / 1000)
}

func nextID() int64 { return idSeq.Add(1) }

func runUserContract(t *testing.T, users repository.UserRepository) {
	ctx := context.Background()

	t.Run("create and duplicate email", func(t *testing.T) {
		email := fmt.Sprintf("reader-%d@example.com", nextID())
		created, err := users.Create(ctx, domain.User{ID: nextID(), Email: email, PasswordHash: "h", Name: "Reader", Role: domain.RoleUser})
		require.NoError(t, err)
		require.Equal(t, email, created.Email)

		_, err = users.Create(ctx, domain.User{ID: nextID(), Email: email, PasswordHash: "h", Role: domain.RoleUser})
		require.ErrorIs(t, err, repository.ErrDuplicate)

		byEmail, err := users.GetByEmail(ctx, email)
		require.NoError(t, err)
		require.Equal(t, created.ID, byEmail.ID)
		require.True(t, byEmail.HasPassword())
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := users.GetByEmail(ctx, "nobody@example.com")
		require.ErrorIs(t, err, repository.ErrNotFound)
		_, err = users.GetByID(ctx, -1)
		require.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("upsert federated", func(t *testing.T) {
		email := fmt.Sprintf("fed-%d@example.com", nextID())
		identity := domain.FederatedIdentity{Provider: domain.ProviderFirebase, Subject: "uid-1", Email: email, Name: "Fed"}

		first, err := users.UpsertFederated(ctx, nextID(), identity)
		require.NoError(t, err)
		require.True(t, first.Created)
		require.Equal(t, domain.RoleUser, first.User.Role)
		require.False(t, first.User.HasPassword())

		identity.Provider, identity.Subject = domain.ProviderGoogle, "other"
		second, err := users.UpsertFederated(ctx, nextID(), identity)
		require.NoError(t, err)
		require.False(t, second.Created)
		require.Equal(t, first.User.ID, second.User.ID)
		require.Equal(t, domain.ProviderFirebase, second.User.Provider)
		require.Equal(t, "uid-1", second.User.ProviderID)
	})

	t.Run("upsert links password account", func(t *testing.T) {
		email := fmt.Sprintf("link-%d@example.com", nextID())
		created, err := users.Create(ctx, domain.User{ID: nextID(), Email: email, PasswordHash: "h", Name: "Linked", Role: domain.RoleUser})
		require.NoError(t, err)

		res, err := users.UpsertFederated(ctx, nextID(), domain.FederatedIdentity{Provider: domain.ProviderGoogle, Subject: "g-1", Email: email, EmailVerified: true, Name: "Other"})
		require.NoError(t, err)
		require.False(t, res.Created)
		require.Equal(t, created.ID, res.User.ID)
		require.Equal(t, domain.ProviderGoogle, res.User.Provider)
		require.Equal(t, "Linked", res.User.Name)
		require.True(t, res.User.HasPassword())
	})

	t.Run("unverified upsert leaves password account alone", func(t *testing.T) {
		email := fmt.Sprintf("unverified-%d@example.com", nextID())
		created, err := users.Create(ctx, domain.User{ID: nextID(), Email: email, PasswordHash: "h", Role: domain.RoleUser})
		require.NoError(t, err)

		_, err = users.UpsertFederated(ctx, nextID(), domain.FederatedIdentity{Provider: domain.ProviderFirebase, Subject: "fb-x", Email: email, Name: "Intruder"})
		require.ErrorIs(t, err, repository.ErrUnverifiedLink)

		got, err := users.GetByID(ctx, created.ID)
		require.NoError(t, err)
		require.Empty(t, got.Provider)
		require.Empty(t, got.Name)
	})

	t.Run("concurrent upsert creates once", func(t *testing.T) {
		email := fmt.Sprintf("race-%d@example.com", nextID())
		var created atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := users.UpsertFederated(ctx, nextID(), domain.FederatedIdentity{Provider: "firebase", Subject: "s", Email: email})
				if err == nil && res.Created {
					created.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), created.Load())
	})

	t.Run("update password", func(t *testing.T) {
		res, err := users.UpsertFederated(ctx, nextID(), domain.FederatedIdentity{Provider: "google", Subject: "p", Email: fmt.Sprintf("pw-%d@example.com", nextID())})
		require.NoError(t, err)
		require.NoError(t, users.UpdatePassword(ctx, res.User.ID, "new-hash"))
		got, err := users.GetByID(ctx, res.User.ID)
		require.NoError(t, err)
		require.Equal(t, "new-hash", got.PasswordHash)

		require.ErrorIs(t, users.UpdatePassword(ctx, -1, "x"), repository.ErrNotFound)
	})
}

func runLedgerContract(t *testing.T, users repository.UserRepository, ledger repository.RefreshTokenRepository) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	newUser := func(t *testing.T) domain.User {
		t.Helper()
		user, err := users.Create(ctx, domain.User{ID: nextID(), Email: fmt.Sprintf("ledger-%d@example.com", nextID()), PasswordHash: "h", Role: domain.RoleUser})
		require.NoError(t, err)
		return user
	}
	token := func(userID int64, expires time.Time) domain.RefreshToken {
		return domain.RefreshToken{ID: nextID(), Token: fmt.Sprintf("rt-%d", nextID()), UserID: userID, ExpiresAt: expires, CreatedAt: now}
	}

	t.Run("replace all leaves one active", func(t *testing.T) {
		user := newUser(t)
		first := token(user.ID, now.Add(time.Hour))
		second := token(user.ID, now.Add(time.Hour))
		require.NoError(t, ledger.ReplaceAll(ctx, first))
		require.NoError(t, ledger.ReplaceAll(ctx, second))

		n, err := ledger.ActiveCount(ctx, user.ID, now)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = ledger.FindActive(ctx, first.Token, now)
		require.ErrorIs(t, err, repository.ErrNotFound)
		got, err := ledger.FindActive(ctx, second.Token, now)
		require.NoError(t, err)
		require.Equal(t, user.ID, got.UserID)
	})

	t.Run("expired token is reported with row", func(t *testing.T) {
		user := newUser(t)
		old := token(user.ID, now.Add(-time.Minute))
		require.NoError(t, ledger.Store(ctx, old))

		got, err := ledger.FindActive(ctx, old.Token, now)
		require.ErrorIs(t, err, repository.ErrExpired)
		require.Equal(t, user.ID, got.UserID)
	})

	t.Run("rotate is one shot", func(t *testing.T) {
		user := newUser(t)
		current := token(user.ID, now.Add(time.Hour))
		require.NoError(t, ledger.ReplaceAll(ctx, current))

		next := token(user.ID, now.Add(time.Hour))
		require.NoError(t, ledger.Rotate(ctx, current.Token, next))

		again := token(user.ID, now.Add(time.Hour))
		require.ErrorIs(t, ledger.Rotate(ctx, current.Token, again), repository.ErrNotFound)

		_, err := ledger.FindActive(ctx, current.Token, now)
		require.ErrorIs(t, err, repository.ErrNotFound)
		_, err = ledger.FindActive(ctx, next.Token, now)
		require.NoError(t, err)
	})

	t.Run("concurrent rotate succeeds once", func(t *testing.T) {
		user := newUser(t)
		current := token(user.ID, now.Add(time.Hour))
		require.NoError(t, ledger.ReplaceAll(ctx, current))

		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := ledger.Rotate(ctx, current.Token, token(user.ID, now.Add(time.Hour))); err == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), ok.Load())

		n, err := ledger.ActiveCount(ctx, user.ID, now)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("revoke and revoke all", func(t *testing.T) {
		user := newUser(t)
		a := token(user.ID, now.Add(time.Hour))
		b := token(user.ID, now.Add(time.Hour))
		require.NoError(t, ledger.Store(ctx, a))
		require.NoError(t, ledger.Store(ctx, b))

		require.NoError(t, ledger.Revoke(ctx, a.Token))
		_, err := ledger.FindActive(ctx, a.Token, now)
		require.ErrorIs(t, err, repository.ErrNotFound)

		require.NoError(t, ledger.RevokeAll(ctx, user.ID))
		n, err := ledger.ActiveCount(ctx, user.ID, now)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}
