package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListing(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := Open(ctx, path)
	require.NoError(err)

	_, ok, err := db.GetListing(ctx)
	require.NoError(err)
	require.False(ok)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(db.SaveListing(ctx, Listing{Datasets: []string{"b.zarr", "a.zarr"}, UpdatedAt: now}))
	require.NoError(db.Close())

	db, err = Open(ctx, path)
	require.NoError(err)
	defer db.Close()

	listing, ok, err := db.GetListing(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal([]string{"b.zarr", "a.zarr"}, listing.Datasets)
	require.True(now.Equal(listing.UpdatedAt))

	err = db.BatchUpdate(ctx, func(ctx context.Context) error {
		require.NotNil(TxFromCtx(ctx))
		return db.SaveListing(ctx, Listing{Datasets: []string{"c.zarr"}, UpdatedAt: now})
	})
	require.NoError(err)

	err = db.BatchRead(ctx, func(ctx context.Context) error {
		listing, ok, err = db.GetListing(ctx)
		return err
	})
	require.NoError(err)
	require.True(ok)
	require.Equal([]string{"c.zarr"}, listing.Datasets)
}
