package zarr

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"

	"github.com/pmav99/thalassa-server/pkg/blob"
)

// chunkFetchLimit bounds the number of chunk downloads running at the same time per read
const chunkFetchLimit = 8

// Number is the set of element types reads can produce
type Number interface {
	constraints.Integer | constraints.Float
}

// Array is a single Zarr array inside a group
type Array struct {
	Name  string
	Meta  ArrayMetadata
	Attrs map[string]any
	DType DType

	store blob.Store
	key   string
	fill  fillValue
}

func newArray(store blob.Store, key, name string, meta ArrayMetadata, attrs map[string]any) (*Array, error) {
	if err := meta.validate(); err != nil {
		return nil, eris.Wrapf(err, "array %s", name)
	}

	dtype, err := ParseDType(meta.DType)
	if err != nil {
		return nil, eris.Wrapf(err, "array %s", name)
	}

	fill, err := parseFillValue(meta.FillValue)
	if err != nil {
		return nil, eris.Wrapf(err, "array %s", name)
	}

	if attrs == nil {
		attrs = make(map[string]any)
	}

	return &Array{
		Name:  name,
		Meta:  meta,
		Attrs: attrs,
		DType: dtype,
		store: store,
		key:   key,
		fill:  fill,
	}, nil
}

// Shape returns the length of every axis
func (a *Array) Shape() []int {
	return a.Meta.Shape
}

// Size returns the total number of elements
func (a *Array) Size() int {
	return product(a.Meta.Shape)
}

// Dims returns the dimension names recorded by xarray. Arrays without the attribute get
// names of the form dim_0, dim_1, ...
func (a *Array) Dims() []string {
	dims := make([]string, len(a.Meta.Shape))
	raw, _ := a.Attrs[DimensionsAttr].([]any)
	for i := range dims {
		if i < len(raw) {
			if name, ok := raw[i].(string); ok {
				dims[i] = name
				continue
			}
		}
		dims[i] = "dim_" + strconv.Itoa(i)
	}
	return dims
}

// StringAttr returns a string attribute or ""
func (a *Array) StringAttr(name string) string {
	value, _ := a.Attrs[name].(string)
	return value
}

// NumberAttr returns a numeric attribute
func (a *Array) NumberAttr(name string) (float64, bool) {
	switch value := a.Attrs[name].(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	}
	return 0, false
}

// ReadFloat64 reads the hyper-rectangle starting at start with count elements along each
// axis, in C order. Elements equal to the fill value and elements of missing chunks are
// returned as NaN.
func (a *Array) ReadFloat64(ctx context.Context, start, count []int) ([]float64, error) {
	fill := math.NaN()
	values, err := readRegion(ctx, a, start, count, fill, func(b []byte) float64 {
		v := a.DType.Float64(b)
		if a.fill.set && (v == a.fill.float || (math.IsNaN(a.fill.float) && math.IsNaN(v))) {
			return fill
		}
		return v
	})
	return values, err
}

// ReadInt64 reads a hyper-rectangle like ReadFloat64. Missing chunks yield the fill value
// (or zero for arrays without one).
func (a *Array) ReadInt64(ctx context.Context, start, count []int) ([]int64, error) {
	return readRegion(ctx, a, start, count, a.fill.int, a.DType.Int64)
}

// ReadAllFloat64 reads the whole array
func (a *Array) ReadAllFloat64(ctx context.Context) ([]float64, error) {
	return a.ReadFloat64(ctx, make([]int, len(a.Meta.Shape)), a.Meta.Shape)
}

// ReadAllInt64 reads the whole array
func (a *Array) ReadAllInt64(ctx context.Context) ([]int64, error) {
	return a.ReadInt64(ctx, make([]int, len(a.Meta.Shape)), a.Meta.Shape)
}

func (a *Array) chunkKey(index []int) string {
	if len(index) == 0 {
		return blob.Join(a.key, "0")
	}

	sep := a.Meta.DimensionSeparator
	if sep == "" {
		sep = "."
	}

	parts := make([]string, len(index))
	for i, idx := range index {
		parts[i] = strconv.Itoa(idx)
	}
	return blob.Join(a.key, strings.Join(parts, sep))
}

// loadChunk returns the decoded chunk or nil if it doesn't exist
func (a *Array) loadChunk(ctx context.Context, index []int) ([]byte, error) {
	key := a.chunkKey(index)
	data, err := a.store.Get(ctx, key)
	if err != nil {
		if eris.Is(err, blob.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	expected := product(a.Meta.Chunks) * a.DType.Size
	decoded, err := decodeChunk(a.Meta.Compressor, data, expected)
	if err != nil {
		return nil, eris.Wrapf(err, "chunk %s", key)
	}

	if len(decoded) != expected {
		return nil, eris.Errorf("chunk %s has %d bytes, expected %d", key, len(decoded), expected)
	}

	return decoded, nil
}

func readRegion[T Number](ctx context.Context, a *Array, start, count []int, fill T, decode func([]byte) T) ([]T, error) {
	rank := len(a.Meta.Shape)
	if len(start) != rank || len(count) != rank {
		return nil, eris.Wrapf(ErrOutOfBounds, "selection rank doesn't match array %s of rank %d", a.Name, rank)
	}

	for i := 0; i < rank; i++ {
		if start[i] < 0 || count[i] < 0 || start[i]+count[i] > a.Meta.Shape[i] {
			return nil, eris.Wrapf(ErrOutOfBounds, "axis %d of %s: [%d, %d) not in [0, %d)",
				i, a.Name, start[i], start[i]+count[i], a.Meta.Shape[i])
		}
	}

	out := make([]T, product(count))
	if len(out) == 0 {
		return out, nil
	}

	// chunk index range along each axis
	first := make([]int, rank)
	last := make([]int, rank)
	for i := 0; i < rank; i++ {
		first[i] = start[i] / a.Meta.Chunks[i]
		last[i] = (start[i] + count[i] - 1) / a.Meta.Chunks[i]
	}

	chunkStrides := strides(a.Meta.Chunks, a.Meta.Order == "F")
	outStrides := strides(count, false)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(chunkFetchLimit)

	forEachIndex(first, last, func(index []int) {
		index = append([]int(nil), index...)
		eg.Go(func() error {
			data, err := a.loadChunk(ctx, index)
			if err != nil {
				return err
			}

			lo := make([]int, rank)
			hi := make([]int, rank)
			for i := 0; i < rank; i++ {
				origin := index[i] * a.Meta.Chunks[i]
				lo[i] = max(start[i], origin)
				hi[i] = min(start[i]+count[i], origin+a.Meta.Chunks[i]) - 1
			}

			// chunks write disjoint parts of out
			size := a.DType.Size
			forEachIndex(lo, hi, func(pos []int) {
				outOffset := 0
				chunkOffset := 0
				for i := 0; i < rank; i++ {
					outOffset += (pos[i] - start[i]) * outStrides[i]
					chunkOffset += (pos[i] - index[i]*a.Meta.Chunks[i]) * chunkStrides[i]
				}

				if data == nil {
					out[outOffset] = fill
				} else {
					out[outOffset] = decode(data[chunkOffset*size : (chunkOffset+1)*size])
				}
			})

			return nil
		})
	})

	if err := eg.Wait(); err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", a.Name)
	}

	return out, nil
}

// forEachIndex calls fn for every multi-index between lo and hi (both inclusive) in C
// order. fn must not keep the slice.
func forEachIndex(lo, hi []int, fn func([]int)) {
	rank := len(lo)
	pos := append([]int(nil), lo...)
	for i := 0; i < rank; i++ {
		if hi[i] < lo[i] {
			return
		}
	}

	for {
		fn(pos)

		axis := rank - 1
		for axis >= 0 {
			pos[axis]++
			if pos[axis] <= hi[axis] {
				break
			}
			pos[axis] = lo[axis]
			axis--
		}

		if axis < 0 {
			return
		}
	}
}

func strides(shape []int, fortran bool) []int {
	result := make([]int, len(shape))
	step := 1
	if fortran {
		for i := 0; i < len(shape); i++ {
			result[i] = step
			step *= shape[i]
		}
	} else {
		for i := len(shape) - 1; i >= 0; i-- {
			result[i] = step
			step *= shape[i]
		}
	}
	return result
}

func product(values []int) int {
	result := 1
	for _, v := range values {
		result *= v
	}
	return result
}
