package render

import (
	"image/color"
	"math"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
)

// Colormap maps values in [0, 1] to colours by linear interpolation between evenly
// spaced stops
type Colormap struct {
	Name  string
	stops []color.NRGBA
}

// DefaultColormap is used when a plot doesn't ask for a specific one
const DefaultColormap = "viridis"

var colormaps = map[string]*Colormap{
	"viridis": mustColormap("viridis",
		"#440154", "#482475", "#414487", "#355f8d", "#2a788e", "#21918c",
		"#22a884", "#44bf70", "#7ad151", "#bddf26", "#fde725"),
	"coolwarm": mustColormap("coolwarm",
		"#3b4cc0", "#5977e3", "#7b9ff9", "#9ebeff", "#c0d4f5", "#dddcdc",
		"#f2cbb7", "#f7ac8e", "#ee8468", "#d65244", "#b40426"),
	"turbo": mustColormap("turbo",
		"#30123b", "#4145ab", "#4675ed", "#39a2fc", "#1bcfd4", "#24eca6",
		"#61fc6c", "#a4fc3b", "#d1e834", "#f3c63a", "#fe9b2d", "#f36315",
		"#d93806", "#b11901", "#7a0402"),
}

// Colormaps returns the names of the available colormaps
func Colormaps() []string {
	names := make([]string, 0, len(colormaps))
	for name := range colormaps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupColormap returns the named colormap. An empty name selects the default.
func LookupColormap(name string) (*Colormap, error) {
	if name == "" {
		name = DefaultColormap
	}

	cmap, ok := colormaps[name]
	if !ok {
		return nil, eris.Errorf("unknown colormap %q", name)
	}
	return cmap, nil
}

func mustColormap(name string, hex ...string) *Colormap {
	stops := make([]color.NRGBA, len(hex))
	for i, h := range hex {
		value, err := strconv.ParseUint(h[1:], 16, 32)
		if err != nil || len(h) != 7 {
			panic("invalid colour " + h)
		}
		stops[i] = color.NRGBA{R: uint8(value >> 16), G: uint8(value >> 8), B: uint8(value), A: 255}
	}
	return &Colormap{Name: name, stops: stops}
}

// At returns the colour of t, clamped to [0, 1]
func (c *Colormap) At(t float64) color.NRGBA {
	if math.IsNaN(t) {
		return color.NRGBA{}
	}

	t = math.Max(0, math.Min(1, t))
	pos := t * float64(len(c.stops)-1)
	i := int(pos)
	if i >= len(c.stops)-1 {
		return c.stops[len(c.stops)-1]
	}

	frac := pos - float64(i)
	a, b := c.stops[i], c.stops[i+1]
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*frac))
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// Clim are the data values mapped to the ends of the colormap
type Clim struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Valid reports whether the limits describe a non-empty range
func (c Clim) Valid() bool {
	return !math.IsNaN(c.Min) && !math.IsNaN(c.Max) && !math.IsInf(c.Min, 0) && !math.IsInf(c.Max, 0) && c.Max > c.Min
}

// Normalize maps value into [0, 1] (before clamping)
func (c Clim) Normalize(value float64) float64 {
	if c.Max == c.Min {
		return 0.5
	}
	return (value - c.Min) / (c.Max - c.Min)
}

// DataRange returns the smallest and largest non-NaN values. A constant field is widened
// so the result is always a valid Clim; an all-NaN field yields ok == false.
func DataRange(values []float64) (Clim, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	if lo > hi {
		return Clim{Min: math.NaN(), Max: math.NaN()}, false
	}

	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}
	return Clim{Min: lo, Max: hi}, true
}
