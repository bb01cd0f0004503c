// Package catalog keeps track of the datasets available in the configured container.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/aptible/supercronic/cronexpr"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/pmav99/thalassa-server/pkg/blob"
	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
	"github.com/pmav99/thalassa-server/pkg/storage"
)

// DirState describes the data directory of the local backend
type DirState int

const (
	DirOK DirState = iota
	DirMissing
	DirEmpty
)

// Catalog lists datasets newest first. The newest SkipLatest entries are hidden because
// they may still be written.
type Catalog struct {
	store      blob.Store
	db         *storage.DB
	container  string
	skipLatest int
	schedule   *cronexpr.Expression

	refreshLock sync.Mutex
	lock        sync.RWMutex
	listing     storage.Listing
	subscribers map[int]func([]string)
	nextSub     int
}

// New creates a catalog for cfg.Storage.Container. db may be nil to disable persistence.
func New(cfg *config.Config, store blob.Store, db *storage.DB) (*Catalog, error) {
	schedule, err := cronexpr.Parse(cfg.Catalog.Schedule)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid catalog schedule %q", cfg.Catalog.Schedule)
	}

	return &Catalog{
		store:       store,
		db:          db,
		container:   cfg.Storage.Container,
		skipLatest:  cfg.Catalog.SkipLatest,
		schedule:    schedule,
		subscribers: make(map[int]func([]string)),
	}, nil
}

// Restore loads the listing persisted by a previous run
func (c *Catalog) Restore(ctx context.Context) error {
	if c.db == nil {
		return nil
	}

	listing, ok, err := c.db.GetListing(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	c.lock.Lock()
	c.listing = listing
	c.lock.Unlock()

	srvlog.Log(ctx).Debug().Int("datasets", len(listing.Datasets)).Time("updated", listing.UpdatedAt).Msg("Restored dataset listing")
	return nil
}

// Datasets returns the current listing
func (c *Catalog) Datasets() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return append([]string(nil), c.listing.Datasets...)
}

// UpdatedAt returns the time of the last successful refresh
func (c *Catalog) UpdatedAt() time.Time {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.listing.UpdatedAt
}

// Subscribe registers fn to be called with the listing after every refresh. The returned
// function removes the subscription.
func (c *Catalog) Subscribe(fn func([]string)) func() {
	c.lock.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.lock.Unlock()

	return func() {
		c.lock.Lock()
		delete(c.subscribers, id)
		c.lock.Unlock()
	}
}

// Arrange turns a container listing into the dataset list: newest first, without the
// skip newest entries.
func Arrange(names []string, skip int) []string {
	result := make([]string, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		result = append(result, names[i])
	}

	if skip >= len(result) {
		return []string{}
	}
	return result[skip:]
}

// Refresh lists the container, persists the result and notifies all subscribers
func (c *Catalog) Refresh(ctx context.Context) ([]string, error) {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()
	defer srvlog.Timer(ctx, "catalog: refresh")()

	names, err := c.store.List(ctx, c.container+"/")
	if err != nil {
		return nil, eris.Wrapf(err, "failed to list %s", c.container)
	}

	listing := storage.Listing{
		Datasets:  Arrange(names, c.skipLatest),
		UpdatedAt: time.Now().UTC(),
	}

	if c.db != nil {
		if err = c.db.SaveListing(ctx, listing); err != nil {
			srvlog.Log(ctx).Warn().Err(err).Msg("Failed to persist dataset listing")
		}
	}

	c.lock.Lock()
	c.listing = listing
	subscribers := make([]func([]string), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}
	c.lock.Unlock()

	for _, fn := range subscribers {
		fn(append([]string(nil), listing.Datasets...))
	}

	srvlog.Log(ctx).Debug().Int("datasets", len(listing.Datasets)).Msg("Updated dataset files")
	return listing.Datasets, nil
}

// DirState reports whether the local data directory exists and holds datasets. Remote
// backends are always DirOK.
func (c *Catalog) DirState() DirState {
	local, ok := c.store.(*blob.LocalStore)
	if !ok {
		return DirOK
	}

	if exists, _ := local.Exists(""); !exists {
		return DirMissing
	}
	// a missing container directory counts as empty
	if _, empty := local.Exists(c.container); empty {
		return DirEmpty
	}
	return DirOK
}

// Run refreshes the catalog on the cron schedule and, for local stores, whenever the
// container directory changes. It blocks until ctx is cancelled.
func (c *Catalog) Run(ctx context.Context) error {
	trigger := make(chan struct{}, 1)
	poke := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		for {
			next := c.schedule.Next(time.Now())
			if next.IsZero() {
				srvlog.Log(ctx).Warn().Msg("Catalog schedule has no future runs")
				return nil
			}

			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
				poke()
			}
		}
	})

	if local, ok := c.store.(*blob.LocalStore); ok {
		eg.Go(func() error {
			err := local.Watch(ctx, c.container, poke)
			if err != nil {
				// a missing directory shouldn't take the server down, the schedule keeps running
				srvlog.Log(ctx).Warn().Err(err).Msg("Not watching the data directory")
			}
			return nil
		})
	}

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-trigger:
				if _, err := c.Refresh(ctx); err != nil {
					srvlog.Log(ctx).Error().Err(err).Msg("Catalog refresh failed")
				}
			}
		}
	})

	return eg.Wait()
}
