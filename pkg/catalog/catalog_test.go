package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmav99/thalassa-server/pkg/blob"
	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/storage"
)

func testSetup(t *testing.T, datasets ...string) (*config.Config, *blob.LocalStore) {
	t.Helper()

	cfg, err := config.Defaults()
	require.NoError(t, err)

	root := t.TempDir()
	cfg.Storage.Backend = "local"
	cfg.Storage.DataDir = root
	cfg.Storage.Container = "global-v1"

	for _, name := range datasets {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "global-v1", name), 0o755))
	}

	return cfg, blob.NewLocalStore(root)
}

func TestArrange(t *testing.T) {
	require := require.New(t)

	names := []string{"a", "b", "c", "d"}
	require.Equal([]string{"c", "b", "a"}, Arrange(names, 1))
	require.Equal([]string{"d", "c", "b", "a"}, Arrange(names, 0))
	require.Equal([]string{}, Arrange(names, 4))
	require.Equal([]string{}, Arrange(nil, 1))
	// the input isn't modified
	require.Equal([]string{"a", "b", "c", "d"}, names)
}

func TestRefresh(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	cfg, store := testSetup(t, "2024-01-01.zarr", "2024-01-02.zarr", "2024-01-03.zarr")
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(err)
	defer db.Close()

	cat, err := New(cfg, store, db)
	require.NoError(err)
	require.Empty(cat.Datasets())
	require.Equal(DirOK, cat.DirState())

	var lock sync.Mutex
	var seen [][]string
	unsubscribe := cat.Subscribe(func(files []string) {
		lock.Lock()
		seen = append(seen, files)
		lock.Unlock()
	})

	files, err := cat.Refresh(ctx)
	require.NoError(err)
	expected := []string{"global-v1/2024-01-02.zarr", "global-v1/2024-01-01.zarr"}
	require.Equal(expected, files)
	require.Equal(expected, cat.Datasets())
	require.False(cat.UpdatedAt().IsZero())
	require.Equal([][]string{expected}, seen)

	unsubscribe()
	_, err = cat.Refresh(ctx)
	require.NoError(err)
	require.Len(seen, 1)

	// a new catalog starts with the persisted listing
	restored, err := New(cfg, store, db)
	require.NoError(err)
	require.NoError(restored.Restore(ctx))
	require.Equal(expected, restored.Datasets())
}

func TestDirState(t *testing.T) {
	require := require.New(t)

	cfg, store := testSetup(t)
	cat, err := New(cfg, store, nil)
	require.NoError(err)
	require.Equal(DirEmpty, cat.DirState())

	require.NoError(os.MkdirAll(filepath.Join(cfg.Storage.DataDir, "global-v1"), 0o755))
	require.Equal(DirEmpty, cat.DirState())

	cfg.Storage.DataDir = filepath.Join(cfg.Storage.DataDir, "missing")
	cat, err = New(cfg, blob.NewLocalStore(cfg.Storage.DataDir), nil)
	require.NoError(err)
	require.Equal(DirMissing, cat.DirState())

	_, err = cat.Refresh(context.Background())
	require.Error(err)
}

func TestRunWatchesLocalStore(t *testing.T) {
	require := require.New(t)

	cfg, store := testSetup(t, "a.zarr", "b.zarr")
	// effectively never
	cfg.Catalog.Schedule = "0 0 1 1 *"

	cat, err := New(cfg, store, nil)
	require.NoError(err)

	updates := make(chan []string, 8)
	cat.Subscribe(func(files []string) { updates <- files })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cat.Run(ctx) }()

	// give the watcher time to start
	time.Sleep(200 * time.Millisecond)
	require.NoError(os.MkdirAll(filepath.Join(cfg.Storage.DataDir, "global-v1", "c.zarr"), 0o755))

	select {
	case files := <-updates:
		require.Equal([]string{"global-v1/b.zarr", "global-v1/a.zarr"}, files)
	case <-time.After(5 * time.Second):
		require.Fail("no refresh after the directory changed")
	}

	cancel()
	require.NoError(<-done)
}
