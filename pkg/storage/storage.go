// Package storage persists server state that should survive restarts in a bbolt file.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

var (
	catalogBucket = []byte("catalog")
	listingKey    = []byte("listing")
)

type txCtxKey struct{}

// DB wraps the state file
type DB struct {
	db *bolt.DB
}

// Listing is a snapshot of the dataset catalog
type Listing struct {
	Datasets  []string  `json:"datasets"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open opens (or creates) the state file at path
func Open(ctx context.Context, path string) (*DB, error) {
	newDB, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open state file %s", path)
	}

	buckets := [][]byte{catalogBucket}
	err = newDB.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		newDB.Close()
		return nil, eris.Wrap(err, "failed to initialize state file")
	}

	return &DB{db: newDB}, nil
}

// Close releases the file lock
func (d *DB) Close() error {
	return d.db.Close()
}

// CtxWithTx stores tx in ctx so nested calls reuse the running transaction
func CtxWithTx(ctx context.Context, tx *bolt.Tx) context.Context {
	return context.WithValue(ctx, txCtxKey{}, tx)
}

// TxFromCtx returns the transaction stored by CtxWithTx, if any
func TxFromCtx(ctx context.Context) *bolt.Tx {
	val := ctx.Value(txCtxKey{})
	if val == nil {
		return nil
	}
	return val.(*bolt.Tx)
}

// BatchUpdate runs callback in a write transaction
func (d *DB) BatchUpdate(ctx context.Context, callback func(context.Context) error) error {
	return d.db.Batch(func(tx *bolt.Tx) error {
		return callback(CtxWithTx(ctx, tx))
	})
}

// BatchRead runs callback in a read transaction
func (d *DB) BatchRead(ctx context.Context, callback func(context.Context) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return callback(CtxWithTx(ctx, tx))
	})
}

func (d *DB) update(ctx context.Context, fn func(*bolt.Tx) error) error {
	if tx := TxFromCtx(ctx); tx != nil && tx.Writable() {
		return fn(tx)
	}
	return d.db.Update(fn)
}

func (d *DB) view(ctx context.Context, fn func(*bolt.Tx) error) error {
	if tx := TxFromCtx(ctx); tx != nil {
		return fn(tx)
	}
	return d.db.View(fn)
}

// SaveListing replaces the persisted catalog listing
func (d *DB) SaveListing(ctx context.Context, listing Listing) error {
	encoded, err := json.Marshal(listing)
	if err != nil {
		return eris.Wrap(err, "failed to encode listing")
	}

	return d.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(catalogBucket).Put(listingKey, encoded)
	})
}

// GetListing returns the persisted catalog listing. ok is false if nothing was saved yet.
func (d *DB) GetListing(ctx context.Context) (listing Listing, ok bool, err error) {
	err = d.view(ctx, func(tx *bolt.Tx) error {
		item := tx.Bucket(catalogBucket).Get(listingKey)
		if item == nil {
			return nil
		}

		ok = true
		return json.Unmarshal(item, &listing)
	})
	if err != nil {
		return Listing{}, false, eris.Wrap(err, "failed to read listing")
	}
	return listing, ok, nil
}
