package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
	"github.com/smallbiznis/bookstore-auth/internal/repository"
)

func TestMemoryUserRepo(t *testing.T) {
	runUserContract(t, repository.NewMemoryUserRepo())
}

func TestMemoryRefreshTokenRepo(t *testing.T) {
	runLedgerContract(t, repository.NewMemoryUserRepo(), repository.NewMemoryRefreshTokenRepo())
}

func TestMemoryKeyRepo(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryKeyRepo()

	_, err := repo.GetActiveKey(ctx)
	require.ErrorIs(t, err, repository.ErrNotFound)

	created, err := repo.CreateKey(ctx, domain.SigningKey{KID: "k1", Secret: []byte("s"), Algorithm: "HS256", IsActive: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), created.ID)

	active, err := repo.GetActiveKey(ctx)
	require.NoError(t, err)
	require.Equal(t, "k1", active.KID)

	second, err := repo.CreateKey(ctx, domain.SigningKey{KID: "k2", Secret: []byte("t"), Algorithm: "HS256", IsActive: true})
	require.NoError(t, err)
	require.Equal(t, "k1", second.KID)
}
