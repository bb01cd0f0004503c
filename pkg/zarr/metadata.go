// Package zarr reads (and, for local directories, writes) Zarr version 2 groups.
package zarr

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrUnsupported is returned for metadata this package can't handle (v3 arrays, filters, ...)
	ErrUnsupported = eris.New("unsupported zarr feature")

	// ErrNotGroup is returned if the key doesn't point to a Zarr group
	ErrNotGroup = eris.New("not a zarr group")

	// ErrOutOfBounds is returned for reads outside of the array shape
	ErrOutOfBounds = eris.New("selection out of bounds")
)

const (
	groupFile        = ".zgroup"
	arrayFile        = ".zarray"
	attrsFile        = ".zattrs"
	consolidatedFile = ".zmetadata"

	// DimensionsAttr is the attribute xarray uses to store dimension names
	DimensionsAttr = "_ARRAY_DIMENSIONS"
)

// Compressor is the numcodecs configuration of a chunk compressor
type Compressor struct {
	ID           string `json:"id"`
	Level        *int   `json:"level,omitempty"`
	CName        string `json:"cname,omitempty"`
	CLevel       *int   `json:"clevel,omitempty"`
	Shuffle      *int   `json:"shuffle,omitempty"`
	BlockSize    *int   `json:"blocksize,omitempty"`
	Acceleration *int   `json:"acceleration,omitempty"`
}

// ArrayMetadata mirrors the content of a .zarray document
type ArrayMetadata struct {
	ZarrFormat         int               `json:"zarr_format"`
	Shape              []int             `json:"shape"`
	Chunks             []int             `json:"chunks"`
	DType              string            `json:"dtype"`
	Compressor         *Compressor       `json:"compressor"`
	FillValue          json.RawMessage   `json:"fill_value"`
	Order              string            `json:"order"`
	Filters            []json.RawMessage `json:"filters"`
	DimensionSeparator string            `json:"dimension_separator,omitempty"`
}

func (m *ArrayMetadata) validate() error {
	if m.ZarrFormat != 2 {
		return eris.Wrapf(ErrUnsupported, "zarr_format %d", m.ZarrFormat)
	}

	if len(m.Shape) != len(m.Chunks) {
		return eris.Errorf("shape %v and chunks %v have different ranks", m.Shape, m.Chunks)
	}

	for i, size := range m.Chunks {
		if size <= 0 {
			return eris.Errorf("invalid chunk size %d for axis %d", size, i)
		}
		if m.Shape[i] < 0 {
			return eris.Errorf("invalid length %d for axis %d", m.Shape[i], i)
		}
	}

	if m.Order != "C" && m.Order != "F" {
		return eris.Wrapf(ErrUnsupported, "order %q", m.Order)
	}

	if len(m.Filters) > 0 {
		return eris.Wrap(ErrUnsupported, "filters")
	}

	switch m.DimensionSeparator {
	case "", ".", "/":
	default:
		return eris.Wrapf(ErrUnsupported, "dimension separator %q", m.DimensionSeparator)
	}

	return nil
}

// Kind is the numpy type character of a dtype
type Kind byte

const (
	KindBool     Kind = 'b'
	KindInt      Kind = 'i'
	KindUint     Kind = 'u'
	KindFloat    Kind = 'f'
	KindDateTime Kind = 'M'
	KindDuration Kind = 'm'
)

// DType is a parsed numpy dtype string such as "<f4" or "<M8[ns]"
type DType struct {
	Kind  Kind
	Size  int
	Order binary.ByteOrder
	// Unit is the time unit of datetime and timedelta types
	Unit string
}

// ParseDType parses the simple (non-structured) numpy dtype strings
func ParseDType(s string) (DType, error) {
	if len(s) < 3 {
		return DType{}, eris.Wrapf(ErrUnsupported, "dtype %q", s)
	}

	dt := DType{Order: binary.LittleEndian}
	switch s[0] {
	case '<', '|':
	case '>':
		dt.Order = binary.BigEndian
	default:
		return DType{}, eris.Wrapf(ErrUnsupported, "dtype %q", s)
	}

	dt.Kind = Kind(s[1])
	rest := s[2:]
	if dt.Kind == KindDateTime || dt.Kind == KindDuration {
		open := strings.IndexByte(rest, '[')
		if open < 0 || !strings.HasSuffix(rest, "]") {
			return DType{}, eris.Wrapf(ErrUnsupported, "dtype %q has no time unit", s)
		}
		dt.Unit = rest[open+1 : len(rest)-1]
		rest = rest[:open]
	}

	size, err := strconv.Atoi(rest)
	if err != nil {
		return DType{}, eris.Wrapf(ErrUnsupported, "dtype %q", s)
	}
	dt.Size = size

	valid := false
	switch dt.Kind {
	case KindBool:
		valid = size == 1
	case KindInt, KindUint:
		valid = size == 1 || size == 2 || size == 4 || size == 8
	case KindFloat:
		valid = size == 4 || size == 8
	case KindDateTime, KindDuration:
		valid = size == 8
	}

	if !valid {
		return DType{}, eris.Wrapf(ErrUnsupported, "dtype %q", s)
	}

	return dt, nil
}

// String formats the dtype the way numpy does
func (d DType) String() string {
	order := "<"
	if d.Size == 1 {
		order = "|"
	} else if d.Order == binary.BigEndian {
		order = ">"
	}

	s := order + string(d.Kind) + strconv.Itoa(d.Size)
	if d.Unit != "" {
		s += "[" + d.Unit + "]"
	}
	return s
}

// IsFloat reports whether values of this type are floating point numbers
func (d DType) IsFloat() bool {
	return d.Kind == KindFloat
}

// IsNumeric reports whether values of this type can be plotted
func (d DType) IsNumeric() bool {
	return d.Kind == KindInt || d.Kind == KindUint || d.Kind == KindFloat
}

// Float64 decodes one element
func (d DType) Float64(b []byte) float64 {
	if d.Kind == KindFloat {
		if d.Size == 4 {
			return float64(math.Float32frombits(d.Order.Uint32(b)))
		}
		return math.Float64frombits(d.Order.Uint64(b))
	}

	if d.Kind == KindUint {
		return float64(d.uint64(b))
	}
	return float64(d.Int64(b))
}

// Int64 decodes one element. Floats are truncated.
func (d DType) Int64(b []byte) int64 {
	switch d.Kind {
	case KindFloat:
		return int64(d.Float64(b))
	case KindUint, KindBool:
		return int64(d.uint64(b))
	}

	switch d.Size {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(d.Order.Uint16(b)))
	case 4:
		return int64(int32(d.Order.Uint32(b)))
	default:
		return int64(d.Order.Uint64(b))
	}
}

func (d DType) uint64(b []byte) uint64 {
	switch d.Size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(d.Order.Uint16(b))
	case 4:
		return uint64(d.Order.Uint32(b))
	default:
		return d.Order.Uint64(b)
	}
}

// PutFloat64 encodes one element
func (d DType) PutFloat64(b []byte, v float64) {
	switch {
	case d.Kind == KindFloat && d.Size == 4:
		d.Order.PutUint32(b, math.Float32bits(float32(v)))
	case d.Kind == KindFloat:
		d.Order.PutUint64(b, math.Float64bits(v))
	default:
		d.PutInt64(b, int64(v))
	}
}

// PutInt64 encodes one element
func (d DType) PutInt64(b []byte, v int64) {
	if d.Kind == KindFloat {
		d.PutFloat64(b, float64(v))
		return
	}

	switch d.Size {
	case 1:
		b[0] = byte(v)
	case 2:
		d.Order.PutUint16(b, uint16(v))
	case 4:
		d.Order.PutUint32(b, uint32(v))
	default:
		d.Order.PutUint64(b, uint64(v))
	}
}

// fillValue is the decoded fill_value of an array
type fillValue struct {
	set   bool
	float float64
	int   int64
}

func parseFillValue(raw json.RawMessage) (fillValue, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return fillValue{}, nil
	}

	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fillValue{}, eris.Wrapf(err, "invalid fill value %s", text)
		}

		switch s {
		case "NaN":
			return fillValue{set: true, float: math.NaN()}, nil
		case "Infinity":
			return fillValue{set: true, float: math.Inf(1)}, nil
		case "-Infinity":
			return fillValue{set: true, float: math.Inf(-1)}, nil
		case "NaT":
			return fillValue{set: true, float: math.NaN(), int: math.MinInt64}, nil
		}
		return fillValue{}, eris.Wrapf(ErrUnsupported, "fill value %q", s)
	}

	switch text {
	case "true":
		return fillValue{set: true, float: 1, int: 1}, nil
	case "false":
		return fillValue{set: true}, nil
	}

	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return fillValue{set: true, float: float64(i), int: i}, nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fillValue{}, eris.Wrapf(ErrUnsupported, "fill value %s", text)
	}
	return fillValue{set: true, float: f, int: int64(f)}, nil
}

func encodeFillValue(v any) (json.RawMessage, error) {
	if f, ok := v.(float64); ok {
		switch {
		case math.IsNaN(f):
			return json.RawMessage(`"NaN"`), nil
		case math.IsInf(f, 1):
			return json.RawMessage(`"Infinity"`), nil
		case math.IsInf(f, -1):
			return json.RawMessage(`"-Infinity"`), nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode fill value")
	}
	return data, nil
}
