package engine

import (
	"bytes"
	"context"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/pmav99/thalassa-server/pkg/blob"
	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/dataset"
	"github.com/pmav99/thalassa-server/pkg/render"
)

const testKey = "global-v1/run.zarr"

func testEngine(t *testing.T) (*Engine, dataset.SampleOptions) {
	t.Helper()

	root := t.TempDir()
	opts := dataset.DefaultSampleOptions()
	opts.Steps = 3
	require.NoError(t, dataset.WriteSample(filepath.Join(root, "global-v1", "run.zarr"), opts))

	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.Cache.TileBytes = 32 << 20

	return New(cfg, blob.NewLocalStore(root)), opts
}

func TestCreatePlot(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	e, opts := testEngine(t)

	plot, err := e.CreatePlot(ctx, PlotSpec{Dataset: testKey, Variable: "elev_max", TimeIndex: 5})
	require.NoError(err)
	require.Equal(-1, plot.Spec.TimeIndex)
	require.Equal(render.DefaultColormap, plot.Spec.Colormap)
	require.Nil(plot.Time)
	require.True(plot.Clim.Valid())
	require.Equal(opts.West, plot.Bounds.West)
	require.Equal(opts.North, plot.Bounds.North)

	same, err := e.CreatePlot(ctx, PlotSpec{Dataset: testKey, Variable: "elev_max", Colormap: "viridis"})
	require.NoError(err)
	require.Equal(plot.ID, same.ID)

	fixed, err := e.CreatePlot(ctx, PlotSpec{Dataset: testKey, Variable: "elev", TimeIndex: 1, Clim: &render.Clim{Min: 0.2, Max: 0.8}})
	require.NoError(err)
	require.NotEqual(plot.ID, fixed.ID)
	require.Equal(render.Clim{Min: 0.2, Max: 0.8}, fixed.Clim)
	require.NotNil(fixed.Time)
	require.Equal(opts.Start.Add(time.Hour), *fixed.Time)

	got, err := e.Plot(fixed.ID)
	require.NoError(err)
	require.Equal(fixed, got)

	_, err = e.Plot("nope")
	require.True(eris.Is(err, ErrPlotNotFound))

	for name, spec := range map[string]PlotSpec{
		"coordinate": {Dataset: testKey, Variable: dataset.Lon},
		"missing":    {Dataset: testKey, Variable: "salinity"},
		"time":       {Dataset: testKey, Variable: "elev", TimeIndex: 3},
		"colormap":   {Dataset: testKey, Variable: "elev_max", Colormap: "jet"},
		"clim":       {Dataset: testKey, Variable: "elev_max", Clim: &render.Clim{Min: 1, Max: 1}},
	} {
		_, err = e.CreatePlot(ctx, spec)
		require.True(eris.Is(err, ErrInvalidPlot), name)
	}

	_, err = e.CreatePlot(ctx, PlotSpec{Dataset: "global-v1/missing.zarr", Variable: "elev"})
	require.Error(err)
}

func TestTiles(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	e, _ := testEngine(t)

	plot, err := e.CreatePlot(ctx, PlotSpec{Dataset: testKey, Variable: "elev", TimeIndex: 0})
	require.NoError(err)

	x0, y0, _, _ := render.TileRange(4, plot.Bounds)
	data, err := e.Tile(ctx, plot.ID, 4, x0, y0)
	require.NoError(err)
	require.NotEqual(EmptyTile(), data)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(err)
	require.Equal(render.TileSize, img.Bounds().Dx())

	opaque := 0
	for y := 0; y < render.TileSize; y++ {
		for x := 0; x < render.TileSize; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a > 0 {
				opaque++
			}
		}
	}
	require.Greater(opaque, 0)

	// served from the tile cache
	cached, err := e.Tile(ctx, plot.ID, 4, x0, y0)
	require.NoError(err)
	require.Equal(data, cached)
	require.Greater(e.Stats()[CacheTiles], uint64(0))

	far, err := e.Tile(ctx, plot.ID, 4, 0, 0)
	require.NoError(err)
	require.Equal(EmptyTile(), far)

	_, err = e.Tile(ctx, plot.ID, 13, 0, 0)
	require.True(eris.Is(err, ErrTileRange))

	wire, err := e.WireframeTile(ctx, testKey, 4, x0, y0)
	require.NoError(err)
	require.NotEqual(EmptyTile(), wire)

	require.NoError(e.Purge(CacheTiles))
	require.Equal(uint64(0), e.Stats()[CacheTiles])
	require.True(eris.Is(e.Purge("everything"), ErrUnknownCache))

	require.NoError(e.Purge(CachePlots))
	_, err = e.Tile(ctx, plot.ID, 4, x0, y0)
	require.True(eris.Is(err, ErrPlotNotFound))
}

func TestReopen(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	e, opts := testEngine(t)
	dir := filepath.Join(e.Store().(*blob.LocalStore).Root, "global-v1", "run.zarr")

	spec := PlotSpec{Dataset: testKey, Variable: "elev_max"}
	plot, err := e.CreatePlot(ctx, spec)
	require.NoError(err)

	x0, y0, _, _ := render.TileRange(4, plot.Bounds)
	tile, err := e.Tile(ctx, plot.ID, 4, x0, y0)
	require.NoError(err)

	// nothing changed, everything stays cached
	_, err = e.Reopen(ctx, testKey)
	require.NoError(err)
	_, err = e.Plot(plot.ID)
	require.NoError(err)
	cached, err := e.Tile(ctx, plot.ID, 4, x0, y0)
	require.NoError(err)
	require.Equal(tile, cached)

	// the run is written again with a smaller domain and more steps
	opts.East = 20
	opts.Steps = 4
	require.NoError(dataset.WriteSample(dir, opts))

	ds, err := e.Reopen(ctx, testKey)
	require.NoError(err)
	require.Len(ds.Times(), 4)

	_, err = e.Plot(plot.ID)
	require.True(eris.Is(err, ErrPlotNotFound))

	m, err := e.Mesh(ctx, testKey)
	require.NoError(err)
	require.Equal(20.0, m.Bounds.East)

	updated, err := e.CreatePlot(ctx, spec)
	require.NoError(err)
	require.Equal(20.0, updated.Bounds.East)

	fresh, err := e.Tile(ctx, updated.ID, 4, x0, y0)
	require.NoError(err)
	require.NotEqual(tile, fresh)
}

func TestValueAndTimeseries(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	e, opts := testEngine(t)

	plot, err := e.CreatePlot(ctx, PlotSpec{Dataset: testKey, Variable: "elev", TimeIndex: 2})
	require.NoError(err)

	value, ok, err := e.Value(ctx, plot.ID, 15, 38)
	require.NoError(err)
	require.True(ok)
	require.InDelta(dataset.SampleElevation(15, 38, 2), value, 0.01)

	_, ok, err = e.Value(ctx, plot.ID, 100, 0)
	require.NoError(err)
	require.False(ok)

	ts, err := e.Timeseries(ctx, testKey, "elev", opts.West+0.01, opts.South+0.01)
	require.NoError(err)
	require.Equal(0, ts.Node)
	require.Equal(opts.West, ts.Lon)
	require.Len(ts.Times, 3)
	require.Len(ts.Values, 3)
	for step, v := range ts.Values {
		require.NotNil(v)
		require.InDelta(dataset.SampleElevation(opts.West, opts.South, step), *v, 1e-6)
	}

	_, err = e.Timeseries(ctx, testKey, "depth", 15, 38)
	require.Error(err)
}

func TestImage(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	e, _ := testEngine(t)

	data, plot, err := e.Image(ctx, PlotSpec{Dataset: testKey, Variable: "depth"}, ImageOptions{
		Projection: render.PlateCarree,
		Width:      300,
		ShowMesh:   true,
	})
	require.NoError(err)
	require.Equal("depth", plot.Spec.Variable)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(err)
	require.Equal(300, img.Bounds().Dx())

	cbar, err := e.Colorbar("turbo", 20, 200)
	require.NoError(err)
	img, err = png.Decode(bytes.NewReader(cbar))
	require.NoError(err)
	require.Equal(200, img.Bounds().Dy())
}
