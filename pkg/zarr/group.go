package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/pmav99/thalassa-server/pkg/blob"
)

// Group is an opened Zarr group. Only arrays directly below the group are loaded.
type Group struct {
	Key   string
	Attrs map[string]any

	// Fingerprint changes whenever the group metadata is rewritten
	Fingerprint uint64

	arrays map[string]*Array
	digest *xxhash.Digest
}

type consolidated struct {
	Format   int                        `json:"zarr_consolidated_format"`
	Metadata map[string]json.RawMessage `json:"metadata"`
}

// Open loads the group metadata stored at key. Consolidated metadata is used when present.
func Open(ctx context.Context, store blob.Store, key string) (*Group, error) {
	group := &Group{
		Key:    key,
		Attrs:  make(map[string]any),
		arrays: make(map[string]*Array),
		digest: xxhash.New(),
	}

	data, err := store.Get(ctx, blob.Join(key, consolidatedFile))
	switch {
	case err == nil:
		group.hash(ctx, store, blob.Join(key, consolidatedFile), data)
		if err = group.loadConsolidated(store, data); err != nil {
			return nil, eris.Wrapf(err, "invalid consolidated metadata in %s", key)
		}
	case !eris.Is(err, blob.ErrNotFound):
		return nil, err
	default:
		log.Debug().Str("group", key).Msg("No consolidated metadata, scanning group")
		if err = group.scan(ctx, store); err != nil {
			return nil, err
		}
	}

	group.Fingerprint = group.digest.Sum64()
	group.digest = nil
	return group, nil
}

// hash adds a metadata document and, if the store knows it, its modification time to
// the fingerprint
func (g *Group) hash(ctx context.Context, store blob.Store, key string, data []byte) {
	_, _ = g.digest.WriteString(key)
	_, _ = g.digest.Write(data)

	if mt, ok := store.(blob.ModTimer); ok {
		if modified, err := mt.ModTime(ctx, key); err == nil {
			_, _ = g.digest.Write(binary.LittleEndian.AppendUint64(nil, uint64(modified.UnixNano())))
		}
	}
}

func (g *Group) loadConsolidated(store blob.Store, data []byte) error {
	var doc consolidated
	if err := json.Unmarshal(data, &doc); err != nil {
		return eris.Wrap(err, "failed to parse .zmetadata")
	}

	if _, ok := doc.Metadata[groupFile]; !ok {
		return eris.Wrap(ErrNotGroup, "missing .zgroup entry")
	}

	if raw, ok := doc.Metadata[attrsFile]; ok {
		if err := json.Unmarshal(raw, &g.Attrs); err != nil {
			return eris.Wrap(err, "failed to parse group attributes")
		}
	}

	for entry, raw := range doc.Metadata {
		name, ok := strings.CutSuffix(entry, "/"+arrayFile)
		if !ok || strings.Contains(name, "/") {
			continue
		}

		var meta ArrayMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return eris.Wrapf(err, "failed to parse metadata of %s", name)
		}

		attrs := make(map[string]any)
		if rawAttrs, ok := doc.Metadata[name+"/"+attrsFile]; ok {
			if err := json.Unmarshal(rawAttrs, &attrs); err != nil {
				return eris.Wrapf(err, "failed to parse attributes of %s", name)
			}
		}

		if err := g.add(store, name, meta, attrs); err != nil {
			return err
		}
	}

	return nil
}

func (g *Group) scan(ctx context.Context, store blob.Store) error {
	data, err := store.Get(ctx, blob.Join(g.Key, groupFile))
	if err != nil {
		if eris.Is(err, blob.ErrNotFound) {
			return eris.Wrapf(ErrNotGroup, "%s", g.Key)
		}
		return err
	}
	g.hash(ctx, store, blob.Join(g.Key, groupFile), data)

	if err := g.getJSON(ctx, store, blob.Join(g.Key, attrsFile), &g.Attrs); err != nil && !eris.Is(err, blob.ErrNotFound) {
		return err
	}

	children, err := store.List(ctx, g.Key)
	if err != nil {
		return eris.Wrapf(err, "failed to list %s", g.Key)
	}

	for _, child := range children {
		name := blob.Base(child)
		if strings.HasPrefix(name, ".") {
			continue
		}

		var meta ArrayMetadata
		err = g.getJSON(ctx, store, blob.Join(child, arrayFile), &meta)
		if eris.Is(err, blob.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		attrs := make(map[string]any)
		err = g.getJSON(ctx, store, blob.Join(child, attrsFile), &attrs)
		if err != nil && !eris.Is(err, blob.ErrNotFound) {
			return err
		}

		if err := g.add(store, name, meta, attrs); err != nil {
			return err
		}
	}

	return nil
}

// add registers the array. Arrays this package can't decode (strings, objects, filters)
// are left out of the group instead of failing the whole open.
func (g *Group) add(store blob.Store, name string, meta ArrayMetadata, attrs map[string]any) error {
	array, err := newArray(store, blob.Join(g.Key, name), name, meta, attrs)
	if eris.Is(err, ErrUnsupported) {
		log.Debug().Str("group", g.Key).Str("array", name).Err(err).Msg("Skipping unsupported array")
		return nil
	}
	if err != nil {
		return err
	}

	g.arrays[name] = array
	return nil
}

func (g *Group) getJSON(ctx context.Context, store blob.Store, key string, target any) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	g.hash(ctx, store, key, data)

	if err = json.Unmarshal(data, target); err != nil {
		return eris.Wrapf(err, "failed to parse %s", key)
	}
	return nil
}

// Names returns the names of all arrays sorted alphabetically
func (g *Group) Names() []string {
	names := make([]string, 0, len(g.arrays))
	for name := range g.arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Array returns the named array
func (g *Group) Array(name string) (*Array, bool) {
	array, ok := g.arrays[name]
	return array, ok
}
