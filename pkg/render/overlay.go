package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/rotisserie/eris"

	"github.com/pmav99/thalassa-server/pkg/mesh"
)

// WireframeColor is the default colour of mesh overlays
var WireframeColor = color.NRGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xb0}

// DrawWireframe draws the mesh edges onto img, which must cover vp
func DrawWireframe(img *image.NRGBA, m *mesh.TriMesh, edges []mesh.Edge, vp Viewport, c color.NRGBA) {
	geo := vp.Projection.InverseBox(vp.Box)
	for _, e := range edges {
		a, b := e[0], e[1]
		edgeBox := mesh.BBox{
			West:  math.Min(m.Lon[a], m.Lon[b]),
			East:  math.Max(m.Lon[a], m.Lon[b]),
			South: math.Min(m.Lat[a], m.Lat[b]),
			North: math.Max(m.Lat[a], m.Lat[b]),
		}
		if !edgeBox.Intersects(geo) {
			continue
		}

		ax, ay := vp.ToPixel(vp.Projection.Forward(m.Lon[a], m.Lat[a]))
		bx, by := vp.ToPixel(vp.Projection.Forward(m.Lon[b], m.Lat[b]))
		ax, ay, bx, by, ok := clipSegment(ax, ay, bx, by, float64(vp.Width), float64(vp.Height))
		if !ok {
			continue
		}

		drawLine(img, int(math.Floor(ax)), int(math.Floor(ay)), int(math.Floor(bx)), int(math.Floor(by)), c)
	}
}

// clipSegment clips a segment to [0, w) x [0, h) (Liang-Barsky)
func clipSegment(x0, y0, x1, y1, w, h float64) (float64, float64, float64, float64, bool) {
	t0, t1 := 0.0, 1.0
	dx, dy := x1-x0, y1-y0
	w -= 1e-9
	h -= 1e-9

	clip := func(p, q float64) bool {
		if p == 0 {
			return q >= 0
		}
		r := q / p
		if p < 0 {
			if r > t1 {
				return false
			}
			t0 = math.Max(t0, r)
		} else {
			if r < t0 {
				return false
			}
			t1 = math.Min(t1, r)
		}
		return true
	}

	if !clip(-dx, x0) || !clip(dx, w-x0) || !clip(-dy, y0) || !clip(dy, h-y0) {
		return 0, 0, 0, 0, false
	}

	return x0 + t0*dx, y0 + t0*dy, x0 + t1*dx, y0 + t1*dy, true
}

// drawLine rasterizes a segment with Bresenham's algorithm, blending c over the image
func drawLine(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}

	bounds := img.Bounds()
	errTerm := dx + dy
	for {
		if image.Pt(x0, y0).In(bounds) {
			blend(img, x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}

		e2 := 2 * errTerm
		if e2 >= dy {
			errTerm += dy
			x0 += sx
		}
		if e2 <= dx {
			errTerm += dx
			y0 += sy
		}
	}
}

func blend(img *image.NRGBA, x, y int, c color.NRGBA) {
	i := img.PixOffset(x, y)
	dst := img.Pix[i : i+4]

	alpha := float64(c.A) / 255
	dstAlpha := float64(dst[3]) / 255
	outAlpha := alpha + dstAlpha*(1-alpha)
	if outAlpha == 0 {
		return
	}

	mix := func(src, dst uint8) uint8 {
		return uint8(math.Round((float64(src)*alpha + float64(dst)*dstAlpha*(1-alpha)) / outAlpha))
	}
	dst[0] = mix(c.R, dst[0])
	dst[1] = mix(c.G, dst[1])
	dst[2] = mix(c.B, dst[2])
	dst[3] = uint8(math.Round(outAlpha * 255))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ColorbarImage draws a vertical legend of the colormap, high values at the top
func ColorbarImage(cmap *Colormap, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, eris.Errorf("invalid colorbar size %dx%d", width, height)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		t := 1 - (float64(y)+0.5)/float64(height)
		c := cmap.At(t)
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img, nil
}

var pngEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

// EncodePNG serializes an image
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, img); err != nil {
		return nil, eris.Wrap(err, "failed to encode PNG")
	}
	return buf.Bytes(), nil
}
