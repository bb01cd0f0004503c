package dataset

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pmav99/thalassa-server/pkg/zarr"
)

// Format identifies the model the dataset was produced by
type Format string

const (
	FormatGeneric Format = "generic"
	FormatSchism  Format = "schism"
	FormatAdcirc  Format = "adcirc"
)

type layout struct {
	format   Format
	lon      string
	lat      string
	faces    string
	faceBase int64
}

var layouts = []layout{
	{format: FormatGeneric, lon: Lon, lat: Lat, faces: Faces, faceBase: 0},
	{format: FormatSchism, lon: "SCHISM_hgrid_node_x", lat: "SCHISM_hgrid_node_y", faces: "SCHISM_hgrid_face_nodes", faceBase: 1},
	{format: FormatAdcirc, lon: "x", lat: "y", faces: "element", faceBase: 1},
}

func detect(group *zarr.Group) (layout, bool) {
	for _, l := range layouts {
		_, hasLon := group.Array(l.lon)
		_, hasLat := group.Array(l.lat)
		_, hasFaces := group.Array(l.faces)
		if hasLon && hasLat && hasFaces {
			return l, true
		}
	}
	return layout{}, false
}

var unitDurations = map[string]time.Duration{
	"nanoseconds":  time.Nanosecond,
	"microseconds": time.Microsecond,
	"milliseconds": time.Millisecond,
	"seconds":      time.Second,
	"minutes":      time.Minute,
	"hours":        time.Hour,
	"days":         24 * time.Hour,
}

// numpy datetime64 units
var dtypeUnits = map[string]time.Duration{
	"ns": time.Nanosecond,
	"us": time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"D":  24 * time.Hour,
}

var referenceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-1-2 15:4:5",
	"2006-1-2",
}

// ParseTimeUnits parses CF units of the form "<unit> since <reference date>"
func ParseTimeUnits(units string) (time.Duration, time.Time, error) {
	unit, reference, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return 0, time.Time{}, eris.Errorf("%q aren't time units", units)
	}

	unit = strings.ToLower(strings.TrimSpace(unit))
	if !strings.HasSuffix(unit, "s") {
		unit += "s"
	}

	step, ok := unitDurations[unit]
	if !ok {
		return 0, time.Time{}, eris.Errorf("unknown time unit %q", unit)
	}

	reference = strings.TrimSpace(reference)
	reference = strings.TrimSuffix(reference, " UTC")
	for _, layout := range referenceLayouts {
		if t, err := time.Parse(layout, reference); err == nil {
			return step, t.UTC(), nil
		}
	}

	return 0, time.Time{}, eris.Errorf("can't parse reference date %q", reference)
}

func decodeTimes(ctx context.Context, v *Variable) ([]time.Time, error) {
	if len(v.Dims) != 1 {
		return nil, eris.Errorf("time coordinate has %d dimensions", len(v.Dims))
	}

	if v.DType.Kind == zarr.KindDateTime {
		step, ok := dtypeUnits[v.DType.Unit]
		if !ok {
			return nil, eris.Errorf("unsupported datetime unit %q", v.DType.Unit)
		}

		raw, err := v.array.ReadAllInt64(ctx)
		if err != nil {
			return nil, err
		}

		times := make([]time.Time, len(raw))
		for i, value := range raw {
			if value == math.MinInt64 {
				continue
			}
			times[i] = time.Unix(0, 0).UTC().Add(time.Duration(value) * step)
		}
		return times, nil
	}

	units, _ := v.Attrs["units"].(string)
	step, reference, err := ParseTimeUnits(units)
	if err != nil {
		return nil, err
	}

	raw, err := v.array.ReadAllFloat64(ctx)
	if err != nil {
		return nil, err
	}

	times := make([]time.Time, len(raw))
	for i, value := range raw {
		if math.IsNaN(value) {
			continue
		}
		times[i] = reference.Add(time.Duration(math.Round(value * float64(step))))
	}
	return times, nil
}
