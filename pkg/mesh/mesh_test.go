package mesh

import (
	"math"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
)

// regular grid of nx*ny nodes with unit spacing, two triangles per cell
func gridMesh(t *testing.T, nx, ny int) *TriMesh {
	t.Helper()

	lon := make([]float64, 0, nx*ny)
	lat := make([]float64, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			lon = append(lon, float64(i))
			lat = append(lat, float64(j))
		}
	}

	faces := make([]int64, 0)
	for j := 0; j < ny-1; j++ {
		for i := 0; i < nx-1; i++ {
			a := int64(j*nx + i)
			faces = append(faces, a, a+1, a+1+int64(nx), a, a+1+int64(nx), a+int64(nx))
		}
	}

	m, err := New(lon, lat, faces, 3)
	require.NoError(t, err)
	return m
}

func TestLocateAndInterpolate(t *testing.T) {
	require := require.New(t)
	m := gridMesh(t, 10, 8)

	require.Len(m.Triangles, 2*9*7)
	require.Equal(BBox{West: 0, South: 0, East: 9, North: 7}, m.Bounds)

	// values are a linear function, so interpolation is exact
	values := make([]float64, len(m.Lon))
	for i := range values {
		values[i] = 2*m.Lon[i] + 3*m.Lat[i]
	}

	for _, p := range [][2]float64{{0.5, 0.25}, {4.2, 3.9}, {9, 7}, {0, 0}, {3, 3.5}} {
		tri, w, ok := m.Locate(p[0], p[1])
		require.True(ok, p)
		require.GreaterOrEqual(tri, 0)
		require.InDelta(1, w[0]+w[1]+w[2], 1e-12)

		value, ok := m.Interpolate(values, p[0], p[1])
		require.True(ok)
		require.InDelta(2*p[0]+3*p[1], value, 1e-9)
	}

	_, _, ok := m.Locate(-0.1, 2)
	require.False(ok)

	values[0] = math.NaN()
	_, ok = m.Interpolate(values, 0.1, 0.05)
	require.False(ok)
}

func TestNearest(t *testing.T) {
	require := require.New(t)
	m := gridMesh(t, 20, 20)

	node, ok := m.Nearest(3.2, 4.7)
	require.True(ok)
	require.Equal(5*20+3, node)

	// far outside the mesh
	node, ok = m.Nearest(100, -50)
	require.True(ok)
	require.Equal(19, node)

	// brute force agreement
	for _, p := range [][2]float64{{0.49, 18.51}, {12.3, 7.7}, {19.9, 0.1}} {
		node, ok = m.Nearest(p[0], p[1])
		require.True(ok)

		best := 0
		for i := range m.Lon {
			if math.Hypot(m.Lon[i]-p[0], m.Lat[i]-p[1]) < math.Hypot(m.Lon[best]-p[0], m.Lat[best]-p[1]) {
				best = i
			}
		}
		require.Equal(best, node, p)
	}
}

func TestQueryVisitsOnce(t *testing.T) {
	require := require.New(t)
	m := gridMesh(t, 30, 30)

	box := BBox{West: 2.5, South: 3.5, East: 12.2, North: 20}
	seen := make(map[int]int)
	m.Query(box, func(tri int) { seen[tri]++ })

	expected := 0
	for i := range m.Triangles {
		if m.TriangleBounds(i).Intersects(box) {
			expected++
			require.Equal(1, seen[i], "triangle %d", i)
		}
	}
	require.Len(seen, expected)
}

func TestQuadsAndAntimeridian(t *testing.T) {
	require := require.New(t)

	lon := []float64{0, 1, 1, 0, 179, -179}
	lat := []float64{0, 0, 1, 1, 0, 1}
	faces := []int64{
		0, 1, 2, 3, // quad
		1, 4, 5, -1, // wraps around the globe
		0, 1, -1, -1, // broken face
	}

	m, err := New(lon, lat, faces, 4)
	require.NoError(err)
	require.Equal([][3]int32{{0, 1, 2}, {0, 2, 3}}, m.Triangles)
	require.Equal([]Edge{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {2, 3}}, m.Edges())

	_, err = New(lon, lat, []int64{0, 1, -1}, 3)
	require.True(eris.Is(err, ErrEmpty))

	_, err = New(lon, lat[:2], faces, 4)
	require.Error(err)
}
