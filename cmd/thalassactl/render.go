package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/engine"
	"github.com/pmav99/thalassa-server/pkg/render"
	"github.com/pmav99/thalassa-server/pkg/server"
)

func addPlotFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("variable", "V", "elev_max", "variable to plot")
	cmd.Flags().IntP("time", "t", 0, "time index for time dependent variables")
	cmd.Flags().String("colormap", "", "colormap (defaults to render.colormap)")
	cmd.Flags().Float64Slice("clim", nil, "colour limits as min,max (defaults to the data range)")
}

func plotSpec(cmd *cobra.Command, cfg *config.Config, dataset string) (engine.PlotSpec, error) {
	spec := engine.PlotSpec{Dataset: dataset, Colormap: cfg.Render.Colormap}
	spec.Variable, _ = cmd.Flags().GetString("variable")
	spec.TimeIndex, _ = cmd.Flags().GetInt("time")

	if cmap, _ := cmd.Flags().GetString("colormap"); cmap != "" {
		spec.Colormap = cmap
	}

	clim, err := cmd.Flags().GetFloat64Slice("clim")
	if err != nil {
		return spec, err
	}
	switch len(clim) {
	case 0:
	case 2:
		spec.Clim = &render.Clim{Min: clim[0], Max: clim[1]}
	default:
		return spec, eris.New("--clim expects exactly two values")
	}
	return spec, nil
}

func openEngine(cfg *config.Config) (*engine.Engine, error) {
	store, err := server.OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, store), nil
}

var renderCmd = &cobra.Command{
	Use:   "render <dataset> <out.png>",
	Short: "Render a variable of a dataset into a PNG file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		spec, err := plotSpec(cmd, cfg, args[0])
		if err != nil {
			return err
		}

		opts := engine.ImageOptions{Width: cfg.Render.Width}
		projName, _ := cmd.Flags().GetString("projection")
		if projName == "" {
			projName = cfg.Render.Projection
		}
		if opts.Projection, err = render.ParseProjection(projName); err != nil {
			return err
		}
		if width, _ := cmd.Flags().GetInt("width"); width > 0 {
			opts.Width = width
		}
		opts.ShowMesh, _ = cmd.Flags().GetBool("mesh")

		eng, err := openEngine(cfg)
		if err != nil {
			return err
		}

		data, plot, err := eng.Image(cmd.Context(), spec, opts)
		if err != nil {
			return err
		}

		if err = os.WriteFile(args[1], data, 0o644); err != nil {
			return eris.Wrapf(err, "failed to write %s", args[1])
		}

		log.Info().
			Str("path", args[1]).
			Float64("min", plot.Clim.Min).
			Float64("max", plot.Clim.Max).
			Msg("Plot written")
		return nil
	},
}

var prerenderCmd = &cobra.Command{
	Use:   "prerender <dataset> <dir>",
	Short: "Write the raster tiles of a plot for a range of zoom levels to <dir>/z/x/y.png",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		spec, err := plotSpec(cmd, cfg, args[0])
		if err != nil {
			return err
		}

		minZoom, _ := cmd.Flags().GetInt("min-zoom")
		maxZoom, _ := cmd.Flags().GetInt("max-zoom")
		if minZoom < 0 || maxZoom < minZoom || maxZoom > cfg.Render.MaxZoom {
			return eris.Errorf("invalid zoom range %d-%d (max %d)", minZoom, maxZoom, cfg.Render.MaxZoom)
		}
		workers, _ := cmd.Flags().GetInt("workers")
		if workers < 1 {
			workers = 1
		}

		eng, err := openEngine(cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		plot, err := eng.CreatePlot(ctx, spec)
		if err != nil {
			return err
		}

		type tile struct{ z, x, y int }
		tiles := []tile{}
		for z := minZoom; z <= maxZoom; z++ {
			x0, y0, x1, y1 := render.TileRange(z, plot.Bounds)
			for x := x0; x <= x1; x++ {
				for y := y0; y <= y1; y++ {
					tiles = append(tiles, tile{z, x, y})
				}
			}
		}

		bar := progressbar.NewOptions(len(tiles),
			progressbar.OptionSetDescription(fmt.Sprintf("Rendering %s", plot.ID)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetVisibility(os.Getenv("CI") != "true"),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(os.Stderr, "\n")
			}),
		)

		eg, ctx := errgroup.WithContext(ctx)
		eg.SetLimit(workers)
		for _, t := range tiles {
			t := t
			eg.Go(func() error {
				data, err := eng.Tile(ctx, plot.ID, t.z, t.x, t.y)
				if err != nil {
					return err
				}

				dir := filepath.Join(args[1], strconv.Itoa(t.z), strconv.Itoa(t.x))
				if err = os.MkdirAll(dir, 0o755); err != nil {
					return eris.Wrapf(err, "failed to create %s", dir)
				}

				path := filepath.Join(dir, strconv.Itoa(t.y)+".png")
				if err = os.WriteFile(path, data, 0o644); err != nil {
					return eris.Wrapf(err, "failed to write %s", path)
				}

				return bar.Add(1)
			})
		}

		if err = eg.Wait(); err != nil {
			return err
		}
		_ = bar.Finish()

		log.Info().Int("tiles", len(tiles)).Str("plot", plot.ID).Msg("Prerendering finished")
		return nil
	},
}

func init() {
	addPlotFlags(renderCmd)
	renderCmd.Flags().String("projection", "", "mercator or platecarree (defaults to render.projection)")
	renderCmd.Flags().Int("width", 0, "image width in pixels (defaults to render.width)")
	renderCmd.Flags().Bool("mesh", false, "draw the mesh wireframe on top")

	addPlotFlags(prerenderCmd)
	prerenderCmd.Flags().Int("min-zoom", 0, "lowest zoom level")
	prerenderCmd.Flags().Int("max-zoom", 6, "highest zoom level")
	prerenderCmd.Flags().Int("workers", 4, "tiles rendered in parallel")

	rootCmd.AddCommand(renderCmd, prerenderCmd)
}
