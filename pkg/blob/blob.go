// Package blob abstracts the object stores the datasets are read from.
//
// Keys are slash separated and relative to the store root. For Azure the first path
// segment names the container, for local stores it names a directory below the data dir.
package blob

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned by Get if the requested object doesn't exist
	ErrNotFound = eris.New("blob not found")

	// ErrInvalidKey is returned for keys that would escape the store root
	ErrInvalidKey = eris.New("invalid blob key")
)

// Store is a read-only view on a hierarchical object store
type Store interface {
	// List returns the direct children of prefix sorted in ascending order. The returned
	// names include the prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Get returns the content of the object stored at key
	Get(ctx context.Context, key string) ([]byte, error)
}

// ModTimer is implemented by stores that can report when an object was last written
type ModTimer interface {
	ModTime(ctx context.Context, key string) (time.Time, error)
}

// Join concatenates key segments with a slash and drops empty segments
func Join(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}

	return strings.Join(nonEmpty, "/")
}

// CleanKey normalizes key and rejects keys that point outside of the store
func CleanKey(key string) (string, error) {
	if strings.Contains(key, "\\") {
		return "", eris.Wrapf(ErrInvalidKey, "%q", key)
	}

	cleaned := path.Clean("/" + key)
	cleaned = strings.TrimPrefix(cleaned, "/")
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", eris.Wrapf(ErrInvalidKey, "%q", key)
		}
	}

	return cleaned, nil
}

// Base returns the last segment of key
func Base(key string) string {
	return path.Base(strings.TrimSuffix(key, "/"))
}
