package dataset

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/pmav99/thalassa-server/pkg/blob"
)

func sampleStore(t *testing.T, format Format) (blob.Store, SampleOptions) {
	t.Helper()

	root := t.TempDir()
	opts := DefaultSampleOptions()
	opts.Format = format
	opts.NX = 6
	opts.NY = 4
	opts.Steps = 3
	require.NoError(t, WriteSample(filepath.Join(root, "global-v1", "run.zarr"), opts))

	return blob.NewLocalStore(root), opts
}

func TestOpenFormats(t *testing.T) {
	for _, format := range []Format{FormatGeneric, FormatSchism, FormatAdcirc} {
		format := format
		t.Run(string(format), func(t *testing.T) {
			require := require.New(t)
			ctx := context.Background()
			store, opts := sampleStore(t, format)

			ds, err := Open(ctx, store, "global-v1/run.zarr")
			require.NoError(err)
			require.Equal(format, ds.Format)
			require.Equal(opts.NX*opts.NY, ds.NodeCount())

			require.Equal([]string{"depth", "elev", "elev_max"}, ds.VisualizableVariables())
			require.Equal([]string{"elev"}, ds.TimeDependent(ds.VisualizableVariables()))

			elev, err := ds.Variable("elev")
			require.NoError(err)
			require.Equal([]string{Time, Node}, elev.Dims)

			times := ds.Times()
			require.Len(times, 3)
			require.Equal(opts.Start, times[0])
			require.Equal(opts.Start.Add(2*time.Hour), times[2])

			lon, lat, err := ds.Coordinates(ctx)
			require.NoError(err)
			require.Len(lon, ds.NodeCount())
			require.Equal(opts.West, lon[0])
			require.Equal(opts.North, lat[len(lat)-1])

			nodes, vertices, err := ds.Connectivity(ctx)
			require.NoError(err)
			require.Equal(ds.FaceCount()*vertices, len(nodes))
			require.Equal(int64(0), nodes[0])
			if format == FormatSchism {
				require.Equal(4, vertices)
				// the first cell is a quad, the following triangles have no fourth vertex
				require.Equal([]int64{0, 1, 7, 6}, nodes[:4])
				require.Equal(int64(-1), nodes[7])
			} else {
				require.Equal(3, vertices)
				require.Equal([]int64{0, 1, 7}, nodes[:3])
			}
		})
	}
}

func TestNodeValuesAndTimeseries(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store, opts := sampleStore(t, FormatGeneric)

	ds, err := Open(ctx, store, "global-v1/run.zarr")
	require.NoError(err)
	lon, lat, err := ds.Coordinates(ctx)
	require.NoError(err)

	values, err := ds.NodeValues(ctx, "elev", 2)
	require.NoError(err)
	require.Len(values, ds.NodeCount())
	require.InDelta(SampleElevation(lon[5], lat[5], 2), values[5], 1e-6)

	// time independent variables ignore the time index
	_, err = ds.NodeValues(ctx, "elev_max", 99)
	require.NoError(err)

	_, err = ds.NodeValues(ctx, "elev", opts.Steps)
	require.True(eris.Is(err, ErrTimeIndex))

	_, err = ds.NodeValues(ctx, "missing", 0)
	require.True(eris.Is(err, ErrNoVariable))

	times, series, err := ds.Timeseries(ctx, "elev", 7)
	require.NoError(err)
	require.Len(times, opts.Steps)
	require.Len(series, opts.Steps)
	for step := range series {
		require.InDelta(SampleElevation(lon[7], lat[7], step), series[step], 1e-6)
	}

	_, _, err = ds.Timeseries(ctx, "depth", 0)
	require.Error(err)
}

func TestUnknownFormat(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store, _ := sampleStore(t, FormatGeneric)
	local := store.(*blob.LocalStore)

	// not a zarr group at all
	require.NoError(os.MkdirAll(filepath.Join(local.Root, "global-v1", "junk.nc"), 0o755))
	_, err := Open(ctx, store, "global-v1/junk.nc")
	require.True(eris.Is(err, ErrUnknownFormat))

	// a group without connectivity
	require.NoError(os.Remove(filepath.Join(local.Root, "global-v1", "run.zarr", ".zmetadata")))
	require.NoError(os.RemoveAll(filepath.Join(local.Root, "global-v1", "run.zarr", Faces)))
	_, err = Open(ctx, store, "global-v1/run.zarr")
	require.True(eris.Is(err, ErrUnknownFormat))
}

func TestStringArrays(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store, opts := sampleStore(t, FormatSchism)
	dir := filepath.Join(store.(*blob.LocalStore).Root, "global-v1", "run.zarr")

	// xarray stores station names as fixed width unicode and vlen-utf8 object arrays
	arrays := map[string]map[string]any{
		"station_name": {
			"zarr_format": 2, "shape": []int{2}, "chunks": []int{2}, "dtype": "<U10",
			"compressor": nil, "fill_value": "", "order": "C", "filters": nil,
		},
		"station_label": {
			"zarr_format": 2, "shape": []int{2}, "chunks": []int{2}, "dtype": "|O",
			"compressor": nil, "fill_value": 0, "order": "C",
			"filters": []map[string]any{{"id": "vlen-utf8"}},
		},
	}

	raw, err := os.ReadFile(filepath.Join(dir, ".zmetadata"))
	require.NoError(err)
	var doc map[string]any
	require.NoError(json.Unmarshal(raw, &doc))
	metadata := doc["metadata"].(map[string]any)

	for name, meta := range arrays {
		metadata[name+"/.zarray"] = meta
		metadata[name+"/.zattrs"] = map[string]any{"_ARRAY_DIMENSIONS": []string{"station"}}

		data, err := json.Marshal(meta)
		require.NoError(err)
		require.NoError(os.MkdirAll(filepath.Join(dir, name), 0o755))
		require.NoError(os.WriteFile(filepath.Join(dir, name, ".zarray"), data, 0o644))
	}

	raw, err = json.Marshal(doc)
	require.NoError(err)
	require.NoError(os.WriteFile(filepath.Join(dir, ".zmetadata"), raw, 0o644))

	check := func() {
		ds, err := Open(ctx, store, "global-v1/run.zarr")
		require.NoError(err)
		require.Equal(FormatSchism, ds.Format)
		require.Equal(opts.NX*opts.NY, ds.NodeCount())
		require.Equal([]string{"depth", "elev", "elev_max"}, ds.VisualizableVariables())
	}

	check()

	// the same group without consolidated metadata
	require.NoError(os.Remove(filepath.Join(dir, ".zmetadata")))
	check()
}

func TestParseTimeUnits(t *testing.T) {
	require := require.New(t)

	step, ref, err := ParseTimeUnits("hours since 2024-01-01 00:00:00")
	require.NoError(err)
	require.Equal(time.Hour, step)
	require.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ref)

	step, ref, err = ParseTimeUnits("seconds since 1970-01-01T00:00:00Z")
	require.NoError(err)
	require.Equal(time.Second, step)
	require.Equal(time.Unix(0, 0).UTC(), ref)

	step, _, err = ParseTimeUnits("day since 2000-1-1")
	require.NoError(err)
	require.Equal(24*time.Hour, step)

	_, _, err = ParseTimeUnits("fortnights since 2000-01-01")
	require.Error(err)

	_, _, err = ParseTimeUnits("metres")
	require.Error(err)
}
