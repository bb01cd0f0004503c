package ui

import (
	"context"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/shaj13/libcache"

	"github.com/pmav99/thalassa-server/pkg/catalog"
	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/srvlog"

	// Provides libcache.LRU
	_ "github.com/shaj13/libcache/lru"
)

// ErrSessionNotFound is returned for unknown or expired sessions
var ErrSessionNotFound = eris.New("session not found")

// Catalog provides the dataset listing
type Catalog interface {
	Datasets() []string
	DirState() catalog.DirState
	Subscribe(fn func([]string)) func()
}

// Manager keeps the sessions of all connected dashboards. Sessions expire after
// Cache.SessionTTL without access.
type Manager struct {
	backend  Backend
	catalog  Catalog
	colormap string
	dataDir  string
	sessions libcache.Cache
	stop     func()
}

// NewManager creates a manager and subscribes it to catalog updates
func NewManager(cfg *config.Config, backend Backend, cat Catalog) *Manager {
	sessions := libcache.LRU.New(0)
	sessions.SetTTL(cfg.Cache.SessionTTL)

	m := &Manager{
		backend:  backend,
		catalog:  cat,
		colormap: cfg.Render.Colormap,
		dataDir:  cfg.Storage.DataDir,
		sessions: sessions,
	}
	m.stop = cat.Subscribe(m.updateDatasetFiles)
	return m
}

// Close stops listening for catalog updates
func (m *Manager) Close() {
	m.stop()
}

func (m *Manager) initialMessage() Alert {
	switch m.catalog.DirState() {
	case catalog.DirMissing:
		return MissingDataDir(m.dataDir)
	case catalog.DirEmpty:
		return EmptyDataDir(m.dataDir)
	default:
		return ChooseFile
	}
}

// Create starts a new session
func (m *Manager) Create(ctx context.Context) *Session {
	s := NewSession(nanoid.New(), m.backend, m.colormap, m.catalog.Datasets(), m.initialMessage())
	m.sessions.Store(s.ID, s)

	srvlog.Log(ctx).Debug().Str("session", s.ID).Msg("UI setup: done")
	return s
}

// Get returns a session and extends its lifetime
func (m *Manager) Get(id string) (*Session, error) {
	s, ok := m.sessions.Load(id)
	if !ok {
		return nil, eris.Wrapf(ErrSessionNotFound, "%s", id)
	}

	m.sessions.Store(id, s)
	return s.(*Session), nil
}

// Delete drops a session
func (m *Manager) Delete(id string) {
	m.sessions.Delete(id)
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	return m.sessions.Len()
}

func (m *Manager) updateDatasetFiles(files []string) {
	for _, key := range m.sessions.Keys() {
		if s, ok := m.sessions.Peek(key); ok {
			s.(*Session).UpdateDatasetFiles(files)
		}
	}
}
