//go:build integration

package cart

import (
	"context"
	"testing"

	"github.com/matheusmosca/storefront-core/services/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_VersionedWrites(t *testing.T) {
	store := NewPostgresStore(storagetest.StartPostgres(t))
	ctx := context.Background()

	_, err := store.Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrCartNotFound)

	created, err := store.Create(ctx, "user-1", Items{shirtM: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	_, err = store.Create(ctx, "user-1", Items{})
	assert.ErrorIs(t, err, ErrCartExists)

	updated, err := store.Update(ctx, "user-1", Items{shirtM: 3}, created.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.Update(ctx, "user-1", Items{}, created.Version)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, Items{shirtM: 3}, got.Items)
}
