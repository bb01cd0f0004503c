// Package render rasterizes node values of a triangular mesh into colour images: full
// plots, XYZ map tiles, wireframe overlays and colorbar legends.
package render

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/pmav99/thalassa-server/pkg/mesh"
)

// TileSize is the edge length of XYZ tiles in pixels
const TileSize = 256

const (
	earthRadius = 6378137.0
	// latitude limit of the square Web Mercator world
	maxMercatorLat = 85.05112877980659
)

// Projection maps geographic coordinates to the plane of the image
type Projection string

const (
	PlateCarree Projection = "platecarree"
	WebMercator Projection = "mercator"
)

// ParseProjection validates a projection name
func ParseProjection(name string) (Projection, error) {
	switch Projection(name) {
	case PlateCarree, WebMercator:
		return Projection(name), nil
	case "":
		return WebMercator, nil
	}
	return "", eris.Errorf("unknown projection %q", name)
}

// Forward projects a geographic point
func (p Projection) Forward(lon, lat float64) (float64, float64) {
	if p != WebMercator {
		return lon, lat
	}

	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	x := earthRadius * lon * math.Pi / 180
	y := earthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

// Inverse converts projected coordinates back to longitude and latitude
func (p Projection) Inverse(x, y float64) (float64, float64) {
	if p != WebMercator {
		return x, y
	}

	lon := x / earthRadius * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2) * 180 / math.Pi
	return lon, lat
}

// ForwardBox projects a geographic bounding box
func (p Projection) ForwardBox(b mesh.BBox) mesh.BBox {
	west, south := p.Forward(b.West, b.South)
	east, north := p.Forward(b.East, b.North)
	return mesh.BBox{West: west, South: south, East: east, North: north}
}

// InverseBox converts a projected bounding box to geographic coordinates
func (p Projection) InverseBox(b mesh.BBox) mesh.BBox {
	west, south := p.Inverse(b.West, b.South)
	east, north := p.Inverse(b.East, b.North)
	return mesh.BBox{West: west, South: south, East: east, North: north}
}

// Viewport is the projected area covered by an image of Width x Height pixels
type Viewport struct {
	Projection Projection
	Box        mesh.BBox
	Width      int
	Height     int
}

// Validate rejects empty viewports
func (v Viewport) Validate() error {
	if v.Width <= 0 || v.Height <= 0 {
		return eris.Errorf("invalid image size %dx%d", v.Width, v.Height)
	}
	if !(v.Box.East > v.Box.West) || !(v.Box.North > v.Box.South) {
		return eris.Errorf("empty viewport %+v", v.Box)
	}
	return nil
}

// pixel size in projected units
func (v Viewport) resolution() (float64, float64) {
	return (v.Box.East - v.Box.West) / float64(v.Width), (v.Box.North - v.Box.South) / float64(v.Height)
}

// ToPixel converts projected coordinates to fractional pixel coordinates
func (v Viewport) ToPixel(x, y float64) (float64, float64) {
	dx, dy := v.resolution()
	return (x - v.Box.West) / dx, (v.Box.North - y) / dy
}

// GeoViewport builds a viewport for a geographic bounding box. The height follows from the
// width and the aspect ratio of the projected box.
func GeoViewport(p Projection, box mesh.BBox, width int) Viewport {
	projected := p.ForwardBox(box)
	height := width
	if w := projected.East - projected.West; w > 0 {
		height = int(math.Round(float64(width) * (projected.North - projected.South) / w))
	}

	return Viewport{
		Projection: p,
		Box:        projected,
		Width:      width,
		Height:     max(1, height),
	}
}

// TileViewport returns the Web Mercator viewport of tile x/y at zoom z
func TileViewport(z, x, y int) (Viewport, error) {
	if z < 0 || z > 24 {
		return Viewport{}, eris.Errorf("invalid zoom level %d", z)
	}

	n := 1 << z
	if x < 0 || x >= n || y < 0 || y >= n {
		return Viewport{}, eris.Errorf("tile %d/%d/%d doesn't exist", z, x, y)
	}

	world := 2 * math.Pi * earthRadius
	size := world / float64(n)
	west := -world/2 + float64(x)*size
	north := world/2 - float64(y)*size

	return Viewport{
		Projection: WebMercator,
		Box:        mesh.BBox{West: west, South: north - size, East: west + size, North: north},
		Width:      TileSize,
		Height:     TileSize,
	}, nil
}

// TileRange returns the tile columns and rows at zoom z covering a geographic box
func TileRange(z int, box mesh.BBox) (x0, y0, x1, y1 int) {
	n := 1 << z
	world := 2 * math.Pi * earthRadius
	projected := WebMercator.ForwardBox(box)

	toTile := func(v float64) int {
		return max(0, min(n-1, int(math.Floor(v/world*float64(n)))))
	}

	x0 = toTile(projected.West + world/2)
	x1 = toTile(projected.East + world/2)
	y0 = toTile(world/2 - projected.North)
	y1 = toTile(world/2 - projected.South)
	return x0, y0, x1, y1
}
