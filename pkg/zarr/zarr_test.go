package zarr

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/pmav99/thalassa-server/pkg/blob"
)

func TestParseDType(t *testing.T) {
	require := require.New(t)

	dt, err := ParseDType("<f4")
	require.NoError(err)
	require.Equal(KindFloat, dt.Kind)
	require.Equal(4, dt.Size)
	require.Equal(binary.LittleEndian, dt.Order)

	dt, err = ParseDType(">i2")
	require.NoError(err)
	require.Equal(binary.BigEndian, dt.Order)
	require.Equal(">i2", dt.String())

	dt, err = ParseDType("<M8[ns]")
	require.NoError(err)
	require.Equal(KindDateTime, dt.Kind)
	require.Equal("ns", dt.Unit)
	require.Equal("<M8[ns]", dt.String())

	require.Equal("|u1", DType{Kind: KindUint, Size: 1, Order: binary.LittleEndian}.String())

	for _, invalid := range []string{"", "<f3", "<c8", "<M8", "=f4", "<U10"} {
		_, err = ParseDType(invalid)
		require.Error(err, invalid)
	}
}

func TestDTypeCodec(t *testing.T) {
	require := require.New(t)
	buf := make([]byte, 8)

	for _, name := range []string{"<f4", ">f8", "<i2", ">i4", "<u4", "|i1", "<i8"} {
		dt, err := ParseDType(name)
		require.NoError(err)

		dt.PutFloat64(buf, -3)
		if dt.Kind == KindUint {
			dt.PutFloat64(buf, 3)
			require.Equal(3.0, dt.Float64(buf), name)
			continue
		}
		require.Equal(-3.0, dt.Float64(buf), name)
		require.Equal(int64(-3), dt.Int64(buf), name)
	}
}

func TestParseFillValue(t *testing.T) {
	require := require.New(t)

	fill, err := parseFillValue([]byte("null"))
	require.NoError(err)
	require.False(fill.set)

	fill, err = parseFillValue([]byte(`"NaN"`))
	require.NoError(err)
	require.True(math.IsNaN(fill.float))

	fill, err = parseFillValue([]byte("-99999"))
	require.NoError(err)
	require.Equal(int64(-99999), fill.int)
	require.Equal(-99999.0, fill.float)

	fill, err = parseFillValue([]byte("1.5"))
	require.NoError(err)
	require.Equal(1.5, fill.float)

	_, err = parseFillValue([]byte(`"bogus"`))
	require.True(eris.Is(err, ErrUnsupported))
}

func writeFixture(t *testing.T, compressor *Compressor, consolidate bool) (blob.Store, string) {
	t.Helper()
	require := require.New(t)

	root := t.TempDir()
	w, err := NewWriter(filepath.Join(root, "run.zarr"), map[string]any{"title": "fixture"})
	require.NoError(err)

	grid := make([]float64, 5*7)
	for i := range grid {
		grid[i] = float64(i)
	}
	grid[3] = -999

	require.NoError(WriteArray(w, ArraySpec{
		Name:       "grid",
		Dims:       []string{"time", "node"},
		Shape:      []int{5, 7},
		Chunks:     []int{2, 3},
		DType:      "<f4",
		Compressor: compressor,
		FillValue:  -999.0,
		Attrs:      map[string]any{"units": "m"},
	}, grid))

	faces := []int32{0, 1, 2, 1, 2, 3}
	require.NoError(WriteArray(w, ArraySpec{
		Name:       "faces",
		Dims:       []string{"face", "vertex"},
		Shape:      []int{2, 3},
		DType:      "<i4",
		Compressor: compressor,
	}, faces))

	if consolidate {
		require.NoError(w.Close())
	}

	return blob.NewLocalStore(root), "run.zarr"
}

func TestReadWrite(t *testing.T) {
	compressors := map[string]*Compressor{
		"raw":        nil,
		"zlib":       ZlibCompressor(1),
		"blosc-lz4":  BloscCompressor("lz4"),
		"blosc-zstd": BloscCompressor("zstd"),
		"zstd":       {ID: "zstd"},
		"gzip":       {ID: "gzip"},
	}

	for name, compressor := range compressors {
		for _, consolidate := range []bool{true, false} {
			compressor := compressor
			consolidate := consolidate
			t.Run(name, func(t *testing.T) {
				require := require.New(t)
				ctx := context.Background()
				store, key := writeFixture(t, compressor, consolidate)

				group, err := Open(ctx, store, key)
				require.NoError(err)
				require.Equal([]string{"faces", "grid"}, group.Names())
				require.Equal("fixture", group.Attrs["title"])

				grid, ok := group.Array("grid")
				require.True(ok)
				require.Equal([]string{"time", "node"}, grid.Dims())
				require.Equal("m", grid.StringAttr("units"))
				require.Equal(35, grid.Size())

				values, err := grid.ReadFloat64(ctx, []int{1, 2}, []int{3, 4})
				require.NoError(err)
				require.Equal([]float64{9, 10, 11, 12, 16, 17, 18, 19, 23, 24, 25, 26}, values)

				all, err := grid.ReadAllFloat64(ctx)
				require.NoError(err)
				require.Len(all, 35)
				require.True(math.IsNaN(all[3]))
				require.Equal(34.0, all[34])

				faces, ok := group.Array("faces")
				require.True(ok)
				conn, err := faces.ReadAllInt64(ctx)
				require.NoError(err)
				require.Equal([]int64{0, 1, 2, 1, 2, 3}, conn)
			})
		}
	}
}

func TestChunkSizeLimits(t *testing.T) {
	require := require.New(t)
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i % 7)
	}

	for _, c := range []*Compressor{{ID: "lz4"}, BloscCompressor("lz4")} {
		encoded, err := encodeChunk(c, 4, data)
		require.NoError(err)

		decoded, err := decodeChunk(c, encoded, len(data))
		require.NoError(err)
		require.Equal(data, decoded)

		// the chunk claims more bytes than the array chunk can hold
		_, err = decodeChunk(c, encoded, len(data)/2)
		require.Error(err, c.ID)
	}

	// a corrupt lz4 size prefix must not allocate the claimed 4 GiB
	corrupt := binary.LittleEndian.AppendUint32(nil, math.MaxUint32)
	corrupt = append(corrupt, 0x10, 0x00, 0x01, 0x00)
	_, err := decodeChunk(&Compressor{ID: "lz4"}, corrupt, 64)
	require.ErrorContains(err, "expected 64")
}

func TestMissingChunks(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store, key := writeFixture(t, nil, true)

	local := store.(*blob.LocalStore)
	require.NoError(os.Remove(filepath.Join(local.Root, key, "grid", "0.0")))

	group, err := Open(ctx, store, key)
	require.NoError(err)
	grid, _ := group.Array("grid")

	values, err := grid.ReadFloat64(ctx, []int{0, 0}, []int{1, 4})
	require.NoError(err)
	require.True(math.IsNaN(values[0]))
	require.True(math.IsNaN(values[2]))
	require.Equal(3.0, values[3])
}

func TestOutOfBounds(t *testing.T) {
	ctx := context.Background()
	store, key := writeFixture(t, nil, true)

	group, err := Open(ctx, store, key)
	require.NoError(t, err)
	grid, _ := group.Array("grid")

	_, err = grid.ReadFloat64(ctx, []int{4, 0}, []int{2, 1})
	require.True(t, eris.Is(err, ErrOutOfBounds))

	_, err = grid.ReadFloat64(ctx, []int{0}, []int{1})
	require.True(t, eris.Is(err, ErrOutOfBounds))
}

func TestNotAGroup(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "junk"), 0o755))

	_, err := Open(context.Background(), blob.NewLocalStore(root), "junk")
	require.True(t, eris.Is(err, ErrNotGroup))
}

func TestSkipUnsupportedArrays(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	dir := filepath.Join(root, "s.zarr")
	write := func(name, content string) {
		require.NoError(os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
		require.NoError(os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	write(".zgroup", `{"zarr_format":2}`)
	write("a/.zarray", `{"zarr_format": 2, "shape": [2], "chunks": [2], "dtype": "<i4",
		"compressor": null, "fill_value": 0, "order": "C", "filters": null}`)
	write("names/.zarray", `{"zarr_format": 2, "shape": [2], "chunks": [2], "dtype": "|S8",
		"compressor": null, "fill_value": "", "order": "C", "filters": null}`)

	group, err := Open(context.Background(), blob.NewLocalStore(root), "s.zarr")
	require.NoError(err)
	require.Equal([]string{"a"}, group.Names())

	// broken metadata still fails
	write("bad/.zarray", `{"zarr_format": 2, "shape": [2, 2], "chunks": [2], "dtype": "<i4",
		"compressor": null, "fill_value": 0, "order": "C", "filters": null}`)
	_, err = Open(context.Background(), blob.NewLocalStore(root), "s.zarr")
	require.Error(err)
	require.False(eris.Is(err, ErrUnsupported))
}

func TestFortranOrder(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	dir := filepath.Join(root, "f.zarr")
	require.NoError(os.MkdirAll(filepath.Join(dir, "a"), 0o755))
	require.NoError(os.WriteFile(filepath.Join(dir, ".zgroup"), []byte(`{"zarr_format":2}`), 0o644))
	require.NoError(os.WriteFile(filepath.Join(dir, "a", ".zarray"), []byte(`{
		"zarr_format": 2, "shape": [2, 3], "chunks": [2, 3], "dtype": "|u1",
		"compressor": null, "fill_value": 0, "order": "F", "filters": null
	}`), 0o644))
	// column major layout of [[1 2 3] [4 5 6]]
	require.NoError(os.WriteFile(filepath.Join(dir, "a", "0.0"), []byte{1, 4, 2, 5, 3, 6}, 0o644))

	group, err := Open(context.Background(), blob.NewLocalStore(root), "f.zarr")
	require.NoError(err)
	a, _ := group.Array("a")
	require.Equal([]string{"dim_0", "dim_1"}, a.Dims())

	values, err := a.ReadAllInt64(context.Background())
	require.NoError(err)
	require.Equal([]int64{1, 2, 3, 4, 5, 6}, values)
}
