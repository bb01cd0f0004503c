package render

import (
	"bytes"
	"context"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmav99/thalassa-server/pkg/mesh"
)

// two triangles covering the unit square [0, 10] x [0, 10]
func squareMesh(t *testing.T) *mesh.TriMesh {
	t.Helper()

	m, err := mesh.New(
		[]float64{0, 10, 10, 0},
		[]float64{0, 0, 10, 10},
		[]int64{0, 1, 2, 0, 2, 3},
		3,
	)
	require.NoError(t, err)
	return m
}

func TestProjection(t *testing.T) {
	require := require.New(t)

	x, y := WebMercator.Forward(180, 0)
	require.InDelta(math.Pi*earthRadius, x, 1e-6)
	require.InDelta(0, y, 1e-6)

	lon, lat := WebMercator.Inverse(WebMercator.Forward(12.5, 41.9))
	require.InDelta(12.5, lon, 1e-9)
	require.InDelta(41.9, lat, 1e-9)

	x, y = PlateCarree.Forward(3, 4)
	require.Equal(3.0, x)
	require.Equal(4.0, y)

	p, err := ParseProjection("")
	require.NoError(err)
	require.Equal(WebMercator, p)
	_, err = ParseProjection("robinson")
	require.Error(err)
}

func TestTiles(t *testing.T) {
	require := require.New(t)

	vp, err := TileViewport(0, 0, 0)
	require.NoError(err)
	require.InDelta(-math.Pi*earthRadius, vp.Box.West, 1e-6)
	require.InDelta(math.Pi*earthRadius, vp.Box.North, 1e-6)
	require.Equal(TileSize, vp.Width)

	vp, err = TileViewport(1, 1, 0)
	require.NoError(err)
	require.InDelta(0, vp.Box.West, 1e-6)
	require.InDelta(0, vp.Box.South, 1e-6)

	_, err = TileViewport(1, 2, 0)
	require.Error(err)

	x0, y0, x1, y1 := TileRange(1, mesh.BBox{West: 10, South: 10, East: 20, North: 20})
	require.Equal([4]int{1, 0, 1, 0}, [4]int{x0, y0, x1, y1})

	x0, y0, x1, y1 = TileRange(2, mesh.BBox{West: -180, South: -85, East: 180, North: 85})
	require.Equal([4]int{0, 0, 3, 3}, [4]int{x0, y0, x1, y1})
}

func TestRasterize(t *testing.T) {
	require := require.New(t)
	m := squareMesh(t)
	values := []float64{0, 10, 20, 10} // lon + lat

	vp := Viewport{
		Projection: PlateCarree,
		Box:        mesh.BBox{West: -5, South: 0, East: 15, North: 10},
		Width:      20,
		Height:     10,
	}

	grid, err := Rasterize(context.Background(), m, values, vp)
	require.NoError(err)
	require.Equal(200, len(grid.Values))

	// pixel (col, row) has its centre at lon = col - 4.5, lat = 9.5 - row
	for row := 0; row < 10; row++ {
		for col := 0; col < 20; col++ {
			lon := float64(col) - 4.5
			lat := 9.5 - float64(row)
			value := grid.At(col, row)
			if lon < 0 || lon > 10 {
				require.True(math.IsNaN(value), "%d,%d", col, row)
				continue
			}
			require.InDelta(lon+lat, value, 1e-9, "%d,%d", col, row)
		}
	}

	_, err = Rasterize(context.Background(), m, values[:2], vp)
	require.Error(err)

	vp.Width = 0
	_, err = Rasterize(context.Background(), m, values, vp)
	require.Error(err)
}

func TestRasterizeBands(t *testing.T) {
	require := require.New(t)
	m := squareMesh(t)
	values := []float64{1, 1, 1, 1}

	vp := GeoViewport(PlateCarree, mesh.BBox{West: 0, South: 0, East: 10, North: 10}, 300)
	require.Equal(300, vp.Height)

	grid, err := Rasterize(context.Background(), m, values, vp)
	require.NoError(err)
	for _, v := range grid.Values {
		require.Equal(1.0, v)
	}
}

func TestColorize(t *testing.T) {
	require := require.New(t)

	cmap, err := LookupColormap("")
	require.NoError(err)
	require.Equal("viridis", cmap.Name)
	require.Equal(color.NRGBA{R: 0x44, G: 0x01, B: 0x54, A: 255}, cmap.At(-1))
	require.Equal(color.NRGBA{R: 0xfd, G: 0xe7, B: 0x25, A: 255}, cmap.At(2))

	_, err = LookupColormap("jet")
	require.Error(err)
	require.Equal([]string{"coolwarm", "turbo", "viridis"}, Colormaps())

	grid := &Grid{Width: 2, Height: 1, Values: []float64{math.NaN(), 1}}
	img := Colorize(grid, cmap, Clim{Min: 0, Max: 1})
	require.Equal(uint8(0), img.NRGBAAt(0, 0).A)
	require.Equal(cmap.At(1), img.NRGBAAt(1, 0))

	data, err := EncodePNG(img)
	require.NoError(err)
	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(err)
	require.Equal(2, decoded.Bounds().Dx())
}

func TestDataRange(t *testing.T) {
	require := require.New(t)

	clim, ok := DataRange([]float64{math.NaN(), 3, -1, math.Inf(1), 2})
	require.True(ok)
	require.Equal(Clim{Min: -1, Max: 3}, clim)

	clim, ok = DataRange([]float64{2, 2})
	require.True(ok)
	require.Equal(Clim{Min: 1.5, Max: 2.5}, clim)

	_, ok = DataRange([]float64{math.NaN()})
	require.False(ok)

	require.False(Clim{Min: 1, Max: 1}.Valid())
	require.True(Clim{Min: 0.2, Max: 0.8}.Valid())
}

func TestWireframe(t *testing.T) {
	require := require.New(t)
	m := squareMesh(t)

	vp := GeoViewport(PlateCarree, mesh.BBox{West: -1, South: -1, East: 11, North: 11}, 120)
	img := Colorize(&Grid{Width: vp.Width, Height: vp.Height, Values: nanValues(vp.Width * vp.Height)}, mustColormap("grey", "#000000", "#ffffff"), Clim{Min: 0, Max: 1})
	DrawWireframe(img, m, m.Edges(), vp, color.NRGBA{R: 255, A: 255})

	// the diagonal from (0, 0) to (10, 10) passes through the centre of the image
	red := 0
	for y := 59; y <= 61; y++ {
		for x := 59; x <= 61; x++ {
			if img.NRGBAAt(x, y) == (color.NRGBA{R: 255, A: 255}) {
				red++
			}
		}
	}
	require.Greater(red, 0)
	// outside of the mesh nothing is drawn
	require.Equal(uint8(0), img.NRGBAAt(2, 2).A)

	bar, err := ColorbarImage(mustColormap("grey", "#000000", "#ffffff"), 4, 10)
	require.NoError(err)
	require.Greater(bar.NRGBAAt(0, 0).R, bar.NRGBAAt(0, 9).R)
}

func nanValues(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = math.NaN()
	}
	return values
}

func TestClipSegment(t *testing.T) {
	require := require.New(t)

	x0, y0, x1, y1, ok := clipSegment(-10, 5, 30, 5, 20, 10)
	require.True(ok)
	require.InDelta(0, x0, 1e-6)
	require.InDelta(20, x1, 1e-6)
	require.Equal(5.0, y0)
	require.Equal(5.0, y1)

	_, _, _, _, ok = clipSegment(-10, -5, -1, -1, 20, 10)
	require.False(ok)
}
