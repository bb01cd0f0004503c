// Package engine turns datasets into plots: it opens and caches datasets, meshes and node
// values, keeps a registry of plots and renders their tiles.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"
	"github.com/shaj13/libcache"
	"golang.org/x/sync/singleflight"

	"github.com/pmav99/thalassa-server/pkg/blob"
	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/dataset"
	"github.com/pmav99/thalassa-server/pkg/mesh"
	"github.com/pmav99/thalassa-server/pkg/render"
	"github.com/pmav99/thalassa-server/pkg/srvlog"

	// Provides libcache.LRU
	_ "github.com/shaj13/libcache/lru"
)

var (
	// ErrPlotNotFound is returned for unknown or expired plot IDs
	ErrPlotNotFound = eris.New("plot not found")

	// ErrInvalidPlot is returned if a plot request names a variable that can't be plotted
	ErrInvalidPlot = eris.New("invalid plot")

	// ErrUnknownCache is returned by Purge for unknown cache names
	ErrUnknownCache = eris.New("unknown cache")
)

// Cache names accepted by Purge and reported by Stats
const (
	CacheDatasets = "datasets"
	CacheMeshes   = "meshes"
	CacheValues   = "values"
	CacheTiles    = "tiles"
	CachePlots    = "plots"
)

// CacheNames lists all caches
var CacheNames = []string{CacheDatasets, CacheMeshes, CacheValues, CacheTiles, CachePlots}

// PlotSpec describes what a plot shows
type PlotSpec struct {
	Dataset  string `json:"dataset"`
	Variable string `json:"variable"`
	// TimeIndex is ignored (and normalized to -1) for variables without a time axis
	TimeIndex int    `json:"time_index"`
	Colormap  string `json:"colormap"`
	// Clim fixes the colour limits; nil selects the data range
	Clim *render.Clim `json:"clim,omitempty"`
}

// Plot is a registered PlotSpec with everything the client needs to display it
type Plot struct {
	ID     string      `json:"id"`
	Spec   PlotSpec    `json:"spec"`
	Clim   render.Clim `json:"clim"`
	Bounds mesh.BBox   `json:"bounds"`
	Time   *time.Time  `json:"time,omitempty"`
}

type meshEntry struct {
	mesh      *mesh.TriMesh
	edgesOnce sync.Once
	edges     []mesh.Edge
}

func (e *meshEntry) Edges() []mesh.Edge {
	e.edgesOnce.Do(func() {
		e.edges = e.mesh.Edges()
	})
	return e.edges
}

// Engine is safe for concurrent use
type Engine struct {
	store    blob.Store
	maxZoom  int
	datasets libcache.Cache
	meshes   libcache.Cache
	values   libcache.Cache
	plots    libcache.Cache
	tiles    *fastcache.Cache
	group    singleflight.Group
	// fastcache has no purge counter, so tile keys carry a generation and the revision
	// of their dataset
	tileGen   uint64
	revisions map[string]uint64
	genLock   sync.RWMutex
}

// New creates an engine reading datasets from store
func New(cfg *config.Config, store blob.Store) *Engine {
	plots := libcache.LRU.New(0)
	plots.SetTTL(cfg.Cache.PlotTTL)

	return &Engine{
		store:    store,
		maxZoom:  cfg.Render.MaxZoom,
		datasets: libcache.LRU.New(cfg.Cache.Datasets),
		meshes:   libcache.LRU.New(cfg.Cache.Meshes),
		values:   libcache.LRU.New(cfg.Cache.Values),
		plots:    plots,
		tiles:    fastcache.New(cfg.Cache.TileBytes),

		revisions: make(map[string]uint64),
	}
}

// Store returns the blob store datasets are read from
func (e *Engine) Store() blob.Store {
	return e.store
}

// Dataset returns the opened dataset stored at key
func (e *Engine) Dataset(ctx context.Context, key string) (*dataset.Dataset, error) {
	if ds, ok := e.datasets.Load(key); ok {
		return ds.(*dataset.Dataset), nil
	}

	return e.Reopen(ctx, key)
}

// Reopen opens the dataset at key again, replacing the cached instance. Cached node values
// are dropped since the dataset may have been rewritten. If it was, the plots, mesh and
// tiles of the dataset are dropped as well.
func (e *Engine) Reopen(ctx context.Context, key string) (*dataset.Dataset, error) {
	result, err, _ := e.group.Do("ds|"+key, func() (interface{}, error) {
		defer srvlog.Timer(ctx, "Open dataset "+key)()

		ds, err := dataset.Open(ctx, e.store, key)
		if err != nil {
			return nil, err
		}

		previous, cached := e.datasets.Peek(key)
		e.datasets.Store(key, ds)
		for _, k := range e.values.Keys() {
			if vk, ok := k.(valuesKey); ok && vk.dataset == key {
				e.values.Delete(k)
			}
		}

		if cached && previous.(*dataset.Dataset).Fingerprint != ds.Fingerprint {
			srvlog.Log(ctx).Info().Str("dataset", key).Msg("Dataset changed, dropping its plots and tiles")
			e.invalidate(key)
		}
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*dataset.Dataset), nil
}

func (e *Engine) invalidate(key string) {
	e.meshes.Delete(key)
	for _, k := range e.plots.Keys() {
		if p, ok := e.plots.Peek(k); ok && p.(*Plot).Spec.Dataset == key {
			e.plots.Delete(k)
		}
	}

	e.genLock.Lock()
	e.revisions[key]++
	e.genLock.Unlock()
}

func (e *Engine) mesh(ctx context.Context, key string) (*meshEntry, error) {
	if m, ok := e.meshes.Load(key); ok {
		return m.(*meshEntry), nil
	}

	result, err, _ := e.group.Do("mesh|"+key, func() (interface{}, error) {
		ds, err := e.Dataset(ctx, key)
		if err != nil {
			return nil, err
		}

		defer srvlog.Timer(ctx, "Creating mesh "+key)()
		lon, lat, err := ds.Coordinates(ctx)
		if err != nil {
			return nil, err
		}

		faces, vertices, err := ds.Connectivity(ctx)
		if err != nil {
			return nil, err
		}

		m, err := mesh.New(lon, lat, faces, vertices)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to build the mesh of %s", key)
		}

		entry := &meshEntry{mesh: m}
		e.meshes.Store(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*meshEntry), nil
}

// Mesh returns the triangulation of the dataset at key
func (e *Engine) Mesh(ctx context.Context, key string) (*mesh.TriMesh, error) {
	entry, err := e.mesh(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.mesh, nil
}

type valuesKey struct {
	dataset   string
	variable  string
	timeIndex int
}

// NodeValues returns the values of variable at every node for one time step
func (e *Engine) NodeValues(ctx context.Context, key, variable string, timeIndex int) ([]float64, error) {
	vk := valuesKey{dataset: key, variable: variable, timeIndex: timeIndex}
	if values, ok := e.values.Load(vk); ok {
		return values.([]float64), nil
	}

	flightKey := fmt.Sprintf("values|%s|%s|%d", key, variable, timeIndex)
	result, err, _ := e.group.Do(flightKey, func() (interface{}, error) {
		ds, err := e.Dataset(ctx, key)
		if err != nil {
			return nil, err
		}

		defer srvlog.Timer(ctx, "Loading "+variable)()
		values, err := ds.NodeValues(ctx, variable, timeIndex)
		if err != nil {
			return nil, err
		}

		e.values.Store(vk, values)
		return values, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]float64), nil
}

// normalize validates spec against the dataset and fills in defaults
func (e *Engine) normalize(ctx context.Context, spec PlotSpec) (PlotSpec, *dataset.Dataset, error) {
	ds, err := e.Dataset(ctx, spec.Dataset)
	if err != nil {
		return spec, nil, err
	}

	v, err := ds.Variable(spec.Variable)
	if err != nil {
		return spec, nil, eris.Wrap(ErrInvalidPlot, err.Error())
	}

	visualizable := false
	for _, name := range ds.VisualizableVariables() {
		if name == spec.Variable {
			visualizable = true
			break
		}
	}
	if !visualizable {
		return spec, nil, eris.Wrapf(ErrInvalidPlot, "%s can't be plotted on the mesh", spec.Variable)
	}

	if v.HasDim(dataset.Time) {
		if spec.TimeIndex < 0 || spec.TimeIndex >= len(ds.Times()) {
			return spec, nil, eris.Wrapf(ErrInvalidPlot, "time index %d out of range", spec.TimeIndex)
		}
	} else {
		spec.TimeIndex = -1
	}

	cmap, err := render.LookupColormap(spec.Colormap)
	if err != nil {
		return spec, nil, eris.Wrap(ErrInvalidPlot, err.Error())
	}
	spec.Colormap = cmap.Name

	if spec.Clim != nil && !spec.Clim.Valid() {
		return spec, nil, eris.Wrapf(ErrInvalidPlot, "invalid colour limits %g..%g", spec.Clim.Min, spec.Clim.Max)
	}

	return spec, ds, nil
}

func plotID(spec PlotSpec) string {
	encoded, _ := json.Marshal(spec)
	return strconv.FormatUint(xxhash.Sum64(encoded), 36)
}

// CreatePlot validates spec and registers a plot for it. Identical specs share an ID and
// therefore their cached tiles.
func (e *Engine) CreatePlot(ctx context.Context, spec PlotSpec) (*Plot, error) {
	spec, ds, err := e.normalize(ctx, spec)
	if err != nil {
		return nil, err
	}

	id := plotID(spec)
	if p, ok := e.plots.Load(id); ok {
		// refresh the TTL
		e.plots.Store(id, p)
		return p.(*Plot), nil
	}

	m, err := e.Mesh(ctx, spec.Dataset)
	if err != nil {
		return nil, err
	}

	plot := &Plot{ID: id, Spec: spec, Bounds: m.Bounds}
	if spec.TimeIndex >= 0 {
		t := ds.Times()[spec.TimeIndex]
		plot.Time = &t
	}

	if spec.Clim != nil {
		plot.Clim = *spec.Clim
	} else {
		values, err := e.NodeValues(ctx, spec.Dataset, spec.Variable, spec.TimeIndex)
		if err != nil {
			return nil, err
		}

		clim, ok := render.DataRange(values)
		if !ok {
			clim = render.Clim{Min: 0, Max: 1}
		}
		plot.Clim = clim
	}

	e.plots.Store(id, plot)
	srvlog.Log(ctx).Debug().Str("plot", id).Str("dataset", spec.Dataset).Str("variable", spec.Variable).
		Int("time", spec.TimeIndex).Msg("Registered plot")
	return plot, nil
}

// Plot returns a registered plot
func (e *Engine) Plot(id string) (*Plot, error) {
	p, ok := e.plots.Load(id)
	if !ok {
		return nil, eris.Wrapf(ErrPlotNotFound, "%s", id)
	}

	e.plots.Store(id, p)
	return p.(*Plot), nil
}

// Value interpolates the plotted variable at a point. ok is false outside of the mesh.
func (e *Engine) Value(ctx context.Context, plotID string, lon, lat float64) (value float64, ok bool, err error) {
	plot, err := e.Plot(plotID)
	if err != nil {
		return 0, false, err
	}

	m, err := e.Mesh(ctx, plot.Spec.Dataset)
	if err != nil {
		return 0, false, err
	}

	values, err := e.NodeValues(ctx, plot.Spec.Dataset, plot.Spec.Variable, plot.Spec.TimeIndex)
	if err != nil {
		return 0, false, err
	}

	value, ok = m.Interpolate(values, lon, lat)
	if ok && math.IsNaN(value) {
		ok = false
	}
	return value, ok, nil
}

// Timeseries is the time axis of a variable at one node
type Timeseries struct {
	Variable string      `json:"variable"`
	Node     int         `json:"node"`
	Lon      float64     `json:"lon"`
	Lat      float64     `json:"lat"`
	Times    []time.Time `json:"times"`
	Values   []*float64  `json:"values"`
}

// Timeseries reads variable at the node nearest to lon/lat
func (e *Engine) Timeseries(ctx context.Context, key, variable string, lon, lat float64) (*Timeseries, error) {
	m, err := e.Mesh(ctx, key)
	if err != nil {
		return nil, err
	}

	node, ok := m.Nearest(lon, lat)
	if !ok {
		return nil, eris.Wrap(mesh.ErrEmpty, "no node near the requested point")
	}

	ds, err := e.Dataset(ctx, key)
	if err != nil {
		return nil, err
	}

	defer srvlog.Timer(ctx, "Rendering TS")()
	times, values, err := ds.Timeseries(ctx, variable, node)
	if err != nil {
		return nil, err
	}

	ts := &Timeseries{
		Variable: variable,
		Node:     node,
		Lon:      m.Lon[node],
		Lat:      m.Lat[node],
		Times:    times,
		Values:   make([]*float64, len(values)),
	}
	// JSON has no NaN
	for i := range values {
		if !math.IsNaN(values[i]) {
			ts.Values[i] = &values[i]
		}
	}
	return ts, nil
}

// Purge empties the named cache
func (e *Engine) Purge(name string) error {
	switch name {
	case CacheDatasets:
		e.datasets.Purge()
	case CacheMeshes:
		e.meshes.Purge()
	case CacheValues:
		e.values.Purge()
	case CachePlots:
		e.plots.Purge()
	case CacheTiles:
		e.genLock.Lock()
		e.tileGen++
		e.genLock.Unlock()
		e.tiles.Reset()
	default:
		return eris.Wrapf(ErrUnknownCache, "%q", name)
	}
	return nil
}

// Stats returns the number of entries in every cache
func (e *Engine) Stats() map[string]uint64 {
	var tileStats fastcache.Stats
	e.tiles.UpdateStats(&tileStats)

	return map[string]uint64{
		CacheDatasets:       uint64(e.datasets.Len()),
		CacheMeshes:         uint64(e.meshes.Len()),
		CacheValues:         uint64(e.values.Len()),
		CachePlots:          uint64(e.plots.Len()),
		CacheTiles:          tileStats.EntriesCount,
		CacheTiles + "_mem": tileStats.BytesSize,
	}
}
