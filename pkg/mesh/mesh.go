// Package mesh holds unstructured triangular meshes and the spatial queries the map tools
// need: point location, linear interpolation and nearest node lookup.
package mesh

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
)

// ErrEmpty is returned when a mesh has no usable triangles
var ErrEmpty = eris.New("mesh has no triangles")

// barycentric tolerance for points on triangle edges
const edgeEpsilon = 1e-9

// BBox is an axis aligned rectangle in mesh coordinates
type BBox struct {
	West, South, East, North float64
}

// Intersects reports whether both boxes overlap
func (b BBox) Intersects(o BBox) bool {
	return b.West <= o.East && o.West <= b.East && b.South <= o.North && o.South <= b.North
}

// Contains reports whether the point lies inside the box
func (b BBox) Contains(x, y float64) bool {
	return x >= b.West && x <= b.East && y >= b.South && y <= b.North
}

// TriMesh is a triangulated mesh. Quads are split into two triangles.
type TriMesh struct {
	Lon       []float64
	Lat       []float64
	Triangles [][3]int32
	Bounds    BBox

	triBounds []BBox
	triangles *grid
	nodes     *grid
}

// New builds a mesh from node coordinates and a face table of vertices entries per face.
// Negative entries mark unused vertices. Triangles spanning more than 180 degrees of
// longitude wrap around the antimeridian and are dropped.
func New(lon, lat []float64, faces []int64, vertices int) (*TriMesh, error) {
	if len(lon) != len(lat) {
		return nil, eris.Errorf("got %d longitudes and %d latitudes", len(lon), len(lat))
	}
	if vertices != 3 && vertices != 4 {
		return nil, eris.Errorf("faces must have 3 or 4 vertices, not %d", vertices)
	}
	if len(faces)%vertices != 0 {
		return nil, eris.Errorf("face table length %d isn't a multiple of %d", len(faces), vertices)
	}

	m := &TriMesh{Lon: lon, Lat: lat}
	nodeCount := int64(len(lon))
	valid := func(n int64) bool { return n >= 0 && n < nodeCount }

	for f := 0; f+vertices <= len(faces); f += vertices {
		a, b, c := faces[f], faces[f+1], faces[f+2]
		if !valid(a) || !valid(b) || !valid(c) {
			continue
		}
		m.addTriangle(a, b, c)

		if vertices == 4 && valid(faces[f+3]) {
			m.addTriangle(a, c, faces[f+3])
		}
	}

	if len(m.Triangles) == 0 {
		return nil, ErrEmpty
	}

	m.Bounds = m.triBounds[0]
	for _, b := range m.triBounds[1:] {
		m.Bounds.West = math.Min(m.Bounds.West, b.West)
		m.Bounds.South = math.Min(m.Bounds.South, b.South)
		m.Bounds.East = math.Max(m.Bounds.East, b.East)
		m.Bounds.North = math.Max(m.Bounds.North, b.North)
	}

	m.buildIndex()
	return m, nil
}

func (m *TriMesh) addTriangle(a, b, c int64) {
	bbox := BBox{
		West:  math.Min(m.Lon[a], math.Min(m.Lon[b], m.Lon[c])),
		East:  math.Max(m.Lon[a], math.Max(m.Lon[b], m.Lon[c])),
		South: math.Min(m.Lat[a], math.Min(m.Lat[b], m.Lat[c])),
		North: math.Max(m.Lat[a], math.Max(m.Lat[b], m.Lat[c])),
	}

	if bbox.East-bbox.West > 180 {
		return
	}

	m.Triangles = append(m.Triangles, [3]int32{int32(a), int32(b), int32(c)})
	m.triBounds = append(m.triBounds, bbox)
}

func (m *TriMesh) buildIndex() {
	side := int(math.Ceil(math.Sqrt(float64(len(m.Triangles)) / 2)))
	side = max(1, min(side, 2048))
	m.triangles = newGrid(m.Bounds, side, side)
	for i, b := range m.triBounds {
		m.triangles.insertBox(int32(i), b)
	}

	nodeSide := int(math.Ceil(math.Sqrt(float64(len(m.Lon)) / 4)))
	nodeSide = max(1, min(nodeSide, 2048))
	m.nodes = newGrid(m.Bounds, nodeSide, nodeSide)
	used := make([]bool, len(m.Lon))
	for _, tri := range m.Triangles {
		for _, n := range tri {
			if !used[n] {
				used[n] = true
				m.nodes.insertPoint(n, m.Lon[n], m.Lat[n])
			}
		}
	}
}

// Barycentric returns the weights of (x, y) relative to triangle tri
func (m *TriMesh) Barycentric(tri int, x, y float64) ([3]float64, bool) {
	t := m.Triangles[tri]
	x1, y1 := m.Lon[t[0]], m.Lat[t[0]]
	x2, y2 := m.Lon[t[1]], m.Lat[t[1]]
	x3, y3 := m.Lon[t[2]], m.Lat[t[2]]

	det := (y2-y3)*(x1-x3) + (x3-x2)*(y1-y3)
	if det == 0 {
		return [3]float64{}, false
	}

	w1 := ((y2-y3)*(x-x3) + (x3-x2)*(y-y3)) / det
	w2 := ((y3-y1)*(x-x3) + (x1-x3)*(y-y3)) / det
	return [3]float64{w1, w2, 1 - w1 - w2}, true
}

// Locate finds the triangle containing the point and the barycentric weights of its vertices
func (m *TriMesh) Locate(lon, lat float64) (int, [3]float64, bool) {
	if !m.Bounds.Contains(lon, lat) {
		return -1, [3]float64{}, false
	}

	for _, candidate := range m.triangles.at(lon, lat) {
		tri := int(candidate)
		if !m.triBounds[tri].Contains(lon, lat) {
			continue
		}

		w, ok := m.Barycentric(tri, lon, lat)
		if ok && w[0] >= -edgeEpsilon && w[1] >= -edgeEpsilon && w[2] >= -edgeEpsilon {
			return tri, w, true
		}
	}

	return -1, [3]float64{}, false
}

// Interpolate returns the linearly interpolated node value at the point. Points outside
// of the mesh and triangles with a NaN vertex yield false.
func (m *TriMesh) Interpolate(values []float64, lon, lat float64) (float64, bool) {
	tri, w, ok := m.Locate(lon, lat)
	if !ok {
		return math.NaN(), false
	}

	t := m.Triangles[tri]
	value := w[0]*values[t[0]] + w[1]*values[t[1]] + w[2]*values[t[2]]
	if math.IsNaN(value) {
		return value, false
	}
	return value, true
}

// Query calls fn once for every triangle whose bounding box intersects box
func (m *TriMesh) Query(box BBox, fn func(tri int)) {
	m.triangles.query(box, m.triBounds, func(id int32) {
		fn(int(id))
	})
}

// Nearest returns the mesh node closest to the point
func (m *TriMesh) Nearest(lon, lat float64) (int, bool) {
	id, ok := m.nodes.nearest(lon, lat, m.Lon, m.Lat)
	return int(id), ok
}

// TriangleBounds returns the bounding box of triangle tri
func (m *TriMesh) TriangleBounds(tri int) BBox {
	return m.triBounds[tri]
}

// Edge is a wireframe segment between two nodes
type Edge [2]int32

// Edges returns every triangle edge once, sorted by node index
func (m *TriMesh) Edges() []Edge {
	seen := make(map[uint64]struct{}, len(m.Triangles)*2)
	edges := make([]Edge, 0, len(m.Triangles)*2)
	for _, t := range m.Triangles {
		for i := 0; i < 3; i++ {
			a, b := t[i], t[(i+1)%3]
			if a > b {
				a, b = b, a
			}

			key := uint64(a)<<32 | uint64(uint32(b))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			edges = append(edges, Edge{a, b})
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}
