package zarr

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// ArraySpec describes an array to be written
type ArraySpec struct {
	Name       string
	Dims       []string
	Shape      []int
	Chunks     []int
	DType      string
	Compressor *Compressor
	// FillValue is stored in the metadata and used to pad edge chunks. nil means no fill value.
	FillValue any
	Attrs     map[string]any
}

// Writer creates a group in a local directory. Metadata is consolidated on Close.
type Writer struct {
	dir string

	lock     sync.Mutex
	metadata map[string]any
}

// ZlibCompressor returns the numcodecs zlib configuration for level
func ZlibCompressor(level int) *Compressor {
	return &Compressor{ID: "zlib", Level: &level}
}

// BloscCompressor returns a byte-shuffling blosc configuration using cname (lz4 or zstd)
func BloscCompressor(cname string) *Compressor {
	clevel := 5
	shuffle := 1
	blocksize := 0
	return &Compressor{ID: "blosc", CName: cname, CLevel: &clevel, Shuffle: &shuffle, BlockSize: &blocksize}
}

// NewWriter creates the group directory
func NewWriter(dir string, attrs map[string]any) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", dir)
	}

	w := &Writer{
		dir:      dir,
		metadata: make(map[string]any),
	}

	group := map[string]any{"zarr_format": 2}
	if err := w.writeJSON(groupFile, group); err != nil {
		return nil, err
	}

	if attrs == nil {
		attrs = make(map[string]any)
	}
	if err := w.writeJSON(attrsFile, attrs); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *Writer) writeJSON(name string, value any) error {
	data, err := json.MarshalIndent(value, "", "    ")
	if err != nil {
		return eris.Wrapf(err, "failed to encode %s", name)
	}

	path := filepath.Join(w.dir, filepath.FromSlash(name))
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "failed to create directory for %s", name)
	}

	if err = os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "failed to write %s", path)
	}

	if name != consolidatedFile {
		w.lock.Lock()
		w.metadata[name] = json.RawMessage(data)
		w.lock.Unlock()
	}
	return nil
}

// WriteArray stores data (in C order) as a new array of the group
func WriteArray[T Number](w *Writer, spec ArraySpec, data []T) error {
	if spec.Name == "" || strings.ContainsAny(spec.Name, "/\\.") {
		return eris.Errorf("invalid array name %q", spec.Name)
	}

	if len(spec.Dims) != len(spec.Shape) {
		return eris.Errorf("array %s: %d dimension names for rank %d", spec.Name, len(spec.Dims), len(spec.Shape))
	}

	if spec.Chunks == nil {
		spec.Chunks = append([]int(nil), spec.Shape...)
		for i := range spec.Chunks {
			spec.Chunks[i] = max(spec.Chunks[i], 1)
		}
	}

	if product(spec.Shape) != len(data) {
		return eris.Errorf("array %s: shape %v doesn't match %d values", spec.Name, spec.Shape, len(data))
	}

	fillRaw, err := encodeFillValue(spec.FillValue)
	if err != nil {
		return err
	}

	meta := ArrayMetadata{
		ZarrFormat: 2,
		Shape:      spec.Shape,
		Chunks:     spec.Chunks,
		DType:      spec.DType,
		Compressor: spec.Compressor,
		FillValue:  fillRaw,
		Order:      "C",
	}
	if err = meta.validate(); err != nil {
		return eris.Wrapf(err, "array %s", spec.Name)
	}

	dtype, err := ParseDType(spec.DType)
	if err != nil {
		return err
	}

	fill, err := parseFillValue(fillRaw)
	if err != nil {
		return err
	}

	attrs := map[string]any{DimensionsAttr: spec.Dims}
	for k, v := range spec.Attrs {
		attrs[k] = v
	}

	if err = w.writeJSON(spec.Name+"/"+arrayFile, meta); err != nil {
		return err
	}
	if err = w.writeJSON(spec.Name+"/"+attrsFile, attrs); err != nil {
		return err
	}

	if len(data) == 0 {
		return nil
	}

	rank := len(spec.Shape)
	dataStrides := strides(spec.Shape, false)
	chunkStrides := strides(spec.Chunks, false)
	chunkLen := product(spec.Chunks)

	first := make([]int, rank)
	last := make([]int, rank)
	for i := 0; i < rank; i++ {
		last[i] = (spec.Shape[i] - 1) / spec.Chunks[i]
	}

	array := &Array{Name: spec.Name, Meta: meta, key: spec.Name}
	buf := make([]byte, chunkLen*dtype.Size)

	forEachIndex(first, last, func(index []int) {
		if err != nil {
			return
		}

		for i := 0; i < chunkLen; i++ {
			element := buf[i*dtype.Size : (i+1)*dtype.Size]
			if dtype.IsFloat() {
				dtype.PutFloat64(element, fill.float)
			} else {
				dtype.PutInt64(element, fill.int)
			}
		}

		lo := make([]int, rank)
		hi := make([]int, rank)
		for i := 0; i < rank; i++ {
			lo[i] = index[i] * spec.Chunks[i]
			hi[i] = min(spec.Shape[i], lo[i]+spec.Chunks[i]) - 1
		}

		forEachIndex(lo, hi, func(pos []int) {
			dataOffset := 0
			chunkOffset := 0
			for i := 0; i < rank; i++ {
				dataOffset += pos[i] * dataStrides[i]
				chunkOffset += (pos[i] - lo[i]) * chunkStrides[i]
			}

			element := buf[chunkOffset*dtype.Size : (chunkOffset+1)*dtype.Size]
			if dtype.IsFloat() {
				dtype.PutFloat64(element, float64(data[dataOffset]))
			} else {
				dtype.PutInt64(element, int64(data[dataOffset]))
			}
		})

		var encoded []byte
		encoded, err = encodeChunk(spec.Compressor, dtype.Size, buf)
		if err != nil {
			err = eris.Wrapf(err, "array %s", spec.Name)
			return
		}

		path := filepath.Join(w.dir, filepath.FromSlash(array.chunkKey(index)))
		if err = os.WriteFile(path, encoded, 0o644); err != nil {
			err = eris.Wrapf(err, "failed to write %s", path)
		}
	})

	return err
}

// Close writes the consolidated metadata
func (w *Writer) Close() error {
	w.lock.Lock()
	doc := map[string]any{
		"zarr_consolidated_format": 1,
		"metadata":                 w.metadata,
	}
	w.lock.Unlock()

	return w.writeJSON(consolidatedFile, doc)
}
