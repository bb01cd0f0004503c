package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	require.NoError(os.MkdirAll(filepath.Join(root, "global-v1", "b.zarr"), 0o755))
	require.NoError(os.MkdirAll(filepath.Join(root, "global-v1", "a.zarr"), 0o755))
	require.NoError(os.WriteFile(filepath.Join(root, "global-v1", "a.zarr", ".zgroup"), []byte(`{"zarr_format":2}`), 0o644))

	store := NewLocalStore(root)
	ctx := context.Background()

	t.Run("list returns sorted children with prefix", func(t *testing.T) {
		names, err := store.List(ctx, "global-v1")
		require.NoError(err)
		require.Equal([]string{"global-v1/a.zarr", "global-v1/b.zarr"}, names)
	})

	t.Run("get reads objects", func(t *testing.T) {
		data, err := store.Get(ctx, "global-v1/a.zarr/.zgroup")
		require.NoError(err)
		require.JSONEq(`{"zarr_format":2}`, string(data))
	})

	t.Run("missing objects map to ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "global-v1/a.zarr/.zmetadata")
		require.True(eris.Is(err, ErrNotFound))

		_, err = store.List(ctx, "nope")
		require.True(eris.Is(err, ErrNotFound))
	})

	t.Run("keys can't escape the root", func(t *testing.T) {
		_, err := store.Get(ctx, "../secret")
		require.True(eris.Is(err, ErrInvalidKey))
	})

	t.Run("exists", func(t *testing.T) {
		exists, empty := store.Exists("global-v1")
		require.True(exists)
		require.False(empty)

		exists, _ = store.Exists("missing")
		require.False(exists)
	})
}

func TestJoin(t *testing.T) {
	require.Equal(t, "a/b/c", Join("a/", "", "/b", "c/"))
	require.Equal(t, "", Join("", "/"))
}
