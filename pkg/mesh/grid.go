package mesh

import (
	"math"
)

// grid is a uniform bucket index over a bounding box
type grid struct {
	bounds BBox
	nx, ny int
	dx, dy float64
	cells  [][]int32
}

func newGrid(bounds BBox, nx, ny int) *grid {
	g := &grid{
		bounds: bounds,
		nx:     nx,
		ny:     ny,
		dx:     (bounds.East - bounds.West) / float64(nx),
		dy:     (bounds.North - bounds.South) / float64(ny),
		cells:  make([][]int32, nx*ny),
	}

	// flat meshes still need a usable cell size
	if g.dx <= 0 {
		g.dx = 1
	}
	if g.dy <= 0 {
		g.dy = 1
	}
	return g
}

func (g *grid) column(x float64) int {
	return clamp(int(math.Floor((x-g.bounds.West)/g.dx)), 0, g.nx-1)
}

func (g *grid) row(y float64) int {
	return clamp(int(math.Floor((y-g.bounds.South)/g.dy)), 0, g.ny-1)
}

func (g *grid) insertPoint(id int32, x, y float64) {
	cell := g.row(y)*g.nx + g.column(x)
	g.cells[cell] = append(g.cells[cell], id)
}

func (g *grid) insertBox(id int32, b BBox) {
	c0, c1 := g.column(b.West), g.column(b.East)
	r0, r1 := g.row(b.South), g.row(b.North)
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			cell := r*g.nx + c
			g.cells[cell] = append(g.cells[cell], id)
		}
	}
}

func (g *grid) at(x, y float64) []int32 {
	return g.cells[g.row(y)*g.nx+g.column(x)]
}

// query reports every box intersecting q exactly once. A box spanning several cells is
// reported from the first cell shared by the box and the query range only.
func (g *grid) query(q BBox, boxes []BBox, fn func(int32)) {
	if !g.bounds.Intersects(q) {
		return
	}

	c0, c1 := g.column(q.West), g.column(q.East)
	r0, r1 := g.row(q.South), g.row(q.North)
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			for _, id := range g.cells[r*g.nx+c] {
				b := boxes[id]
				if !b.Intersects(q) {
					continue
				}

				if max(g.column(b.West), c0) != c || max(g.row(b.South), r0) != r {
					continue
				}
				fn(id)
			}
		}
	}
}

// nearest runs a ring search around the cell containing (x, y)
func (g *grid) nearest(x, y float64, xs, ys []float64) (int32, bool) {
	cx, cy := g.column(x), g.row(y)
	best := int32(-1)
	bestDist := math.Inf(1)
	step := math.Min(g.dx, g.dy)

	// distance from the query point to the edge of the starting cell
	margin := math.Min(
		math.Min(x-(g.bounds.West+float64(cx)*g.dx), g.bounds.West+float64(cx+1)*g.dx-x),
		math.Min(y-(g.bounds.South+float64(cy)*g.dy), g.bounds.South+float64(cy+1)*g.dy-y),
	)
	margin = math.Max(margin, 0)

	maxRing := max(g.nx, g.ny)
	for ring := 0; ring <= maxRing; ring++ {
		for r := cy - ring; r <= cy+ring; r++ {
			if r < 0 || r >= g.ny {
				continue
			}

			for c := cx - ring; c <= cx+ring; c++ {
				if c < 0 || c >= g.nx {
					continue
				}
				// ring border only
				if r != cy-ring && r != cy+ring && c != cx-ring && c != cx+ring {
					continue
				}

				for _, id := range g.cells[r*g.nx+c] {
					d := math.Hypot(xs[id]-x, ys[id]-y)
					if d < bestDist || (d == bestDist && id < best) {
						best = id
						bestDist = d
					}
				}
			}
		}

		// every unvisited cell is at least this far away
		if best >= 0 && bestDist <= margin+float64(ring)*step {
			break
		}
	}

	return best, best >= 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
