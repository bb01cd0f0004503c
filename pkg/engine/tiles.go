package engine

import (
	"context"
	"fmt"
	"image"

	"github.com/rotisserie/eris"

	"github.com/pmav99/thalassa-server/pkg/mesh"
	"github.com/pmav99/thalassa-server/pkg/render"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

// ErrTileRange is returned for tiles outside of the served zoom levels
var ErrTileRange = eris.New("tile out of range")

var emptyTile []byte

func init() {
	var err error
	emptyTile, err = render.EncodePNG(image.NewNRGBA(image.Rect(0, 0, render.TileSize, render.TileSize)))
	if err != nil {
		panic(err)
	}
}

// EmptyTile returns a fully transparent tile
func EmptyTile() []byte {
	return emptyTile
}

func (e *Engine) tileKey(kind, key, id string, z, x, y int) []byte {
	e.genLock.RLock()
	gen := e.tileGen
	rev := e.revisions[key]
	e.genLock.RUnlock()

	return []byte(fmt.Sprintf("%d|%d|%s|%s|%d|%d|%d", gen, rev, kind, id, z, x, y))
}

// cachedTile returns the tile stored under key or calls build to create and store it
func (e *Engine) cachedTile(key []byte, build func() ([]byte, error)) ([]byte, error) {
	if data := e.tiles.GetBig(nil, key); len(data) > 0 {
		return data, nil
	}

	result, err, _ := e.group.Do("tile|"+string(key), func() (interface{}, error) {
		data, err := build()
		if err != nil {
			return nil, err
		}

		e.tiles.SetBig(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (e *Engine) tileViewport(z, x, y int) (render.Viewport, error) {
	if z > e.maxZoom {
		return render.Viewport{}, eris.Wrapf(ErrTileRange, "zoom %d > %d", z, e.maxZoom)
	}

	vp, err := render.TileViewport(z, x, y)
	if err != nil {
		return vp, eris.Wrap(ErrTileRange, err.Error())
	}
	return vp, nil
}

// Tile renders the raster tile z/x/y of a plot as PNG
func (e *Engine) Tile(ctx context.Context, plotID string, z, x, y int) ([]byte, error) {
	plot, err := e.Plot(plotID)
	if err != nil {
		return nil, err
	}

	vp, err := e.tileViewport(z, x, y)
	if err != nil {
		return nil, err
	}

	if !plot.Bounds.Intersects(vp.Projection.InverseBox(vp.Box)) {
		return emptyTile, nil
	}

	return e.cachedTile(e.tileKey("r", plot.Spec.Dataset, plot.ID, z, x, y), func() ([]byte, error) {
		img, err := e.rasterImage(ctx, plot, vp)
		if err != nil {
			return nil, err
		}
		return render.EncodePNG(img)
	})
}

func (e *Engine) rasterImage(ctx context.Context, plot *Plot, vp render.Viewport) (*image.NRGBA, error) {
	m, err := e.Mesh(ctx, plot.Spec.Dataset)
	if err != nil {
		return nil, err
	}

	values, err := e.NodeValues(ctx, plot.Spec.Dataset, plot.Spec.Variable, plot.Spec.TimeIndex)
	if err != nil {
		return nil, err
	}

	cmap, err := render.LookupColormap(plot.Spec.Colormap)
	if err != nil {
		return nil, err
	}

	grid, err := render.Rasterize(ctx, m, values, vp)
	if err != nil {
		return nil, err
	}

	return render.Colorize(grid, cmap, plot.Clim), nil
}

// WireframeTile renders the mesh edges of a dataset within tile z/x/y as PNG
func (e *Engine) WireframeTile(ctx context.Context, key string, z, x, y int) ([]byte, error) {
	vp, err := e.tileViewport(z, x, y)
	if err != nil {
		return nil, err
	}

	entry, err := e.mesh(ctx, key)
	if err != nil {
		return nil, err
	}

	if !entry.mesh.Bounds.Intersects(vp.Projection.InverseBox(vp.Box)) {
		return emptyTile, nil
	}

	return e.cachedTile(e.tileKey("w", key, key, z, x, y), func() ([]byte, error) {
		img := image.NewNRGBA(image.Rect(0, 0, vp.Width, vp.Height))
		render.DrawWireframe(img, entry.mesh, entry.Edges(), vp, render.WireframeColor)
		return render.EncodePNG(img)
	})
}

// ImageOptions control offline renders
type ImageOptions struct {
	Projection render.Projection
	// Box defaults to the mesh bounds
	Box      *mesh.BBox
	Width    int
	ShowMesh bool
}

// Image renders a whole plot into a single PNG
func (e *Engine) Image(ctx context.Context, spec PlotSpec, opts ImageOptions) ([]byte, *Plot, error) {
	defer srvlog.Timer(ctx, "Rendering raster")()

	plot, err := e.CreatePlot(ctx, spec)
	if err != nil {
		return nil, nil, err
	}

	box := plot.Bounds
	if opts.Box != nil {
		box = *opts.Box
	}

	vp := render.GeoViewport(opts.Projection, box, opts.Width)
	if err = vp.Validate(); err != nil {
		return nil, nil, err
	}

	img, err := e.rasterImage(ctx, plot, vp)
	if err != nil {
		return nil, nil, err
	}

	if opts.ShowMesh {
		entry, err := e.mesh(ctx, spec.Dataset)
		if err != nil {
			return nil, nil, err
		}
		render.DrawWireframe(img, entry.mesh, entry.Edges(), vp, render.WireframeColor)
	}

	data, err := render.EncodePNG(img)
	if err != nil {
		return nil, nil, err
	}
	return data, plot, nil
}

// Colorbar renders the legend of a colormap
func (e *Engine) Colorbar(name string, width, height int) ([]byte, error) {
	cmap, err := render.LookupColormap(name)
	if err != nil {
		return nil, err
	}

	key := []byte(fmt.Sprintf("cbar|%s|%d|%d", cmap.Name, width, height))
	return e.cachedTile(key, func() ([]byte, error) {
		img, err := render.ColorbarImage(cmap, width, height)
		if err != nil {
			return nil, err
		}
		return render.EncodePNG(img)
	})
}
