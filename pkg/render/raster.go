package render

import (
	"context"
	"image"
	"math"
	"runtime"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/pmav99/thalassa-server/pkg/mesh"
)

// minimum number of rows per concurrently rendered band
const minBandRows = 16

// Grid holds one value per pixel in row-major order, top row first. Pixels outside of the
// mesh are NaN.
type Grid struct {
	Width  int
	Height int
	Values []float64
}

// At returns the value of pixel (x, y)
func (g *Grid) At(x, y int) float64 {
	return g.Values[y*g.Width+x]
}

// Rasterize samples the linear interpolation of values at the centre of every pixel of vp
func Rasterize(ctx context.Context, m *mesh.TriMesh, values []float64, vp Viewport) (*Grid, error) {
	if err := vp.Validate(); err != nil {
		return nil, err
	}
	if len(values) != len(m.Lon) {
		return nil, eris.Errorf("got %d values for %d nodes", len(values), len(m.Lon))
	}

	grid := &Grid{Width: vp.Width, Height: vp.Height, Values: make([]float64, vp.Width*vp.Height)}
	for i := range grid.Values {
		grid.Values[i] = math.NaN()
	}

	// pixel coordinates of every node
	px := make([]float64, len(m.Lon))
	py := make([]float64, len(m.Lon))
	for i := range m.Lon {
		x, y := vp.Projection.Forward(m.Lon[i], m.Lat[i])
		px[i], py[i] = vp.ToPixel(x, y)
	}

	bands := max(1, min(runtime.GOMAXPROCS(0)*2, vp.Height/minBandRows))
	rowsPerBand := (vp.Height + bands - 1) / bands

	eg, ctx := errgroup.WithContext(ctx)
	for top := 0; top < vp.Height; top += rowsPerBand {
		top := top
		bottom := min(vp.Height, top+rowsPerBand)

		eg.Go(func() error {
			_, dy := vp.resolution()
			band := mesh.BBox{
				West:  vp.Box.West,
				East:  vp.Box.East,
				North: vp.Box.North - float64(top)*dy,
				South: vp.Box.North - float64(bottom)*dy,
			}

			var err error
			m.Query(vp.Projection.InverseBox(band), func(tri int) {
				if err != nil {
					return
				}
				if err = ctx.Err(); err != nil {
					return
				}
				fillTriangle(grid, m.Triangles[tri], px, py, values, top, bottom)
			})
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return grid, nil
}

// fillTriangle writes the pixels of rows [top, bottom) whose centre lies in the triangle
func fillTriangle(grid *Grid, tri [3]int32, px, py, values []float64, top, bottom int) {
	x1, y1 := px[tri[0]], py[tri[0]]
	x2, y2 := px[tri[1]], py[tri[1]]
	x3, y3 := px[tri[2]], py[tri[2]]

	det := (y2-y3)*(x1-x3) + (x3-x2)*(y1-y3)
	if det == 0 {
		return
	}

	v1, v2, v3 := values[tri[0]], values[tri[1]], values[tri[2]]

	minX := max(0, int(math.Floor(math.Min(x1, math.Min(x2, x3))-0.5)))
	maxX := min(grid.Width-1, int(math.Ceil(math.Max(x1, math.Max(x2, x3))-0.5)))
	minY := max(top, int(math.Floor(math.Min(y1, math.Min(y2, y3))-0.5)))
	maxY := min(bottom-1, int(math.Ceil(math.Max(y1, math.Max(y2, y3))-0.5)))

	const eps = -1e-9
	for row := minY; row <= maxY; row++ {
		cy := float64(row) + 0.5
		for col := minX; col <= maxX; col++ {
			cx := float64(col) + 0.5

			w1 := ((y2-y3)*(cx-x3) + (x3-x2)*(cy-y3)) / det
			w2 := ((y3-y1)*(cx-x3) + (x1-x3)*(cy-y3)) / det
			w3 := 1 - w1 - w2
			if w1 < eps || w2 < eps || w3 < eps {
				continue
			}

			grid.Values[row*grid.Width+col] = w1*v1 + w2*v2 + w3*v3
		}
	}
}

// Colorize maps the grid to an image. NaN pixels stay transparent.
func Colorize(grid *Grid, cmap *Colormap, clim Clim) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, grid.Width, grid.Height))
	for i, value := range grid.Values {
		if math.IsNaN(value) {
			continue
		}

		c := cmap.At(clim.Normalize(value))
		img.Pix[4*i] = c.R
		img.Pix[4*i+1] = c.G
		img.Pix[4*i+2] = c.B
		img.Pix[4*i+3] = c.A
	}
	return img
}
