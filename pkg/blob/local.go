package blob

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

// LocalStore serves objects from a directory on disk
type LocalStore struct {
	Root string
}

var (
	_ Store    = (*LocalStore)(nil)
	_ ModTimer = (*LocalStore)(nil)
)

// NewLocalStore returns a store rooted at dir. The directory doesn't have to exist yet.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{Root: dir}
}

func (s *LocalStore) path(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}

	return filepath.Join(s.Root, filepath.FromSlash(cleaned)), nil
}

// List implements Store
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	dir, err := s.path(prefix)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return nil, eris.Wrapf(ErrNotFound, "directory %s", dir)
		}
		return nil, eris.Wrapf(err, "failed to list %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, Join(prefix, entry.Name()))
	}
	sort.Strings(names)

	return names, nil
}

// Get implements Store
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return nil, eris.Wrapf(ErrNotFound, "%s", key)
		}
		return nil, eris.Wrapf(err, "failed to read %s", file)
	}

	return data, nil
}

// ModTime implements ModTimer
func (s *LocalStore) ModTime(ctx context.Context, key string) (time.Time, error) {
	file, err := s.path(key)
	if err != nil {
		return time.Time{}, err
	}

	info, err := os.Stat(file)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return time.Time{}, eris.Wrapf(ErrNotFound, "%s", key)
		}
		return time.Time{}, eris.Wrapf(err, "failed to stat %s", file)
	}
	return info.ModTime(), nil
}

// Exists reports whether the store directory for prefix exists and whether it has any entries
func (s *LocalStore) Exists(prefix string) (exists bool, empty bool) {
	dir, err := s.path(prefix)
	if err != nil {
		return false, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, true
	}

	return true, len(entries) == 0
}

// Watch calls onChange whenever an entry is created, removed or renamed directly below
// prefix. It blocks until ctx is cancelled.
func (s *LocalStore) Watch(ctx context.Context, prefix string, onChange func()) error {
	dir, err := s.path(prefix)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "failed to create watcher")
	}
	defer watcher.Close()

	if err = watcher.Add(dir); err != nil {
		return eris.Wrapf(err, "failed to watch %s", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				log.Debug().Str("path", event.Name).Msgf("Data directory changed (%s)", event.Op)
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}
