package dataset

import (
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pmav99/thalassa-server/pkg/zarr"
)

// SampleOptions controls the synthetic dataset written by WriteSample
type SampleOptions struct {
	// Format selects the variable naming of the written group
	Format Format
	// Nodes along each axis of the regular grid the mesh is built from
	NX, NY int
	// Bounding box of the mesh
	West, South, East, North float64
	// Hourly time steps
	Steps int
	Start time.Time
	// Compressor used for all arrays, nil stores raw chunks
	Compressor *zarr.Compressor
}

// DefaultSampleOptions returns a small mesh around the Mediterranean
func DefaultSampleOptions() SampleOptions {
	return SampleOptions{
		Format:     FormatGeneric,
		NX:         40,
		NY:         20,
		West:       -6,
		South:      30,
		East:       36,
		North:      46,
		Steps:      12,
		Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Compressor: zarr.ZlibCompressor(1),
	}
}

// SampleElevation is the analytic surface elevation of the sample datasets
func SampleElevation(lon, lat float64, step int) float64 {
	phase := float64(step) * math.Pi / 6
	return 0.5*math.Sin(lon*math.Pi/18+phase)*math.Cos(lat*math.Pi/18) + 0.5
}

// WriteSample writes a synthetic model run to dir. The grid cells are split into two
// triangles each, except for the first cell of the SCHISM variant which is stored as a quad.
func WriteSample(dir string, opts SampleOptions) error {
	if opts.NX < 2 || opts.NY < 2 {
		return eris.New("the sample mesh needs at least 2x2 nodes")
	}

	names := map[string]string{Lon: Lon, Lat: Lat, Faces: Faces, Node: Node, Face: Face}
	base := int32(0)
	vertices := 3
	switch opts.Format {
	case FormatGeneric, "":
	case FormatSchism:
		names = map[string]string{
			Lon:   "SCHISM_hgrid_node_x",
			Lat:   "SCHISM_hgrid_node_y",
			Faces: "SCHISM_hgrid_face_nodes",
			Node:  "nSCHISM_hgrid_node",
			Face:  "nSCHISM_hgrid_face",
		}
		base = 1
		vertices = 4
	case FormatAdcirc:
		names = map[string]string{Lon: "x", Lat: "y", Faces: "element", Node: "node", Face: "nele"}
		base = 1
	default:
		return eris.Errorf("unknown sample format %q", opts.Format)
	}

	nodes := opts.NX * opts.NY
	lon := make([]float64, nodes)
	lat := make([]float64, nodes)
	for j := 0; j < opts.NY; j++ {
		for i := 0; i < opts.NX; i++ {
			lon[j*opts.NX+i] = opts.West + (opts.East-opts.West)*float64(i)/float64(opts.NX-1)
			lat[j*opts.NX+i] = opts.South + (opts.North-opts.South)*float64(j)/float64(opts.NY-1)
		}
	}

	faces := make([]int32, 0, 2*(opts.NX-1)*(opts.NY-1)*vertices)
	faceCount := 0
	for j := 0; j < opts.NY-1; j++ {
		for i := 0; i < opts.NX-1; i++ {
			a := int32(j*opts.NX+i) + base
			b := a + 1
			c := a + 1 + int32(opts.NX)
			d := a + int32(opts.NX)

			if vertices == 4 && i == 0 && j == 0 {
				faces = append(faces, a, b, c, d)
				faceCount++
				continue
			}

			faces = append(faces, a, b, c)
			if vertices == 4 {
				faces = append(faces, -1)
			}
			faces = append(faces, a, c, d)
			if vertices == 4 {
				faces = append(faces, -1)
			}
			faceCount += 2
		}
	}

	hours := make([]int64, opts.Steps)
	elev := make([]float64, opts.Steps*nodes)
	elevMax := make([]float64, nodes)
	depth := make([]float64, nodes)
	for n := 0; n < nodes; n++ {
		elevMax[n] = math.Inf(-1)
		depth[n] = 50 + 10*math.Abs(lat[n]-opts.South)
	}
	for step := 0; step < opts.Steps; step++ {
		hours[step] = int64(step)
		for n := 0; n < nodes; n++ {
			value := SampleElevation(lon[n], lat[n], step)
			elev[step*nodes+n] = value
			elevMax[n] = math.Max(elevMax[n], value)
		}
	}

	w, err := zarr.NewWriter(dir, map[string]any{"title": "sample model run", "source": string(opts.Format)})
	if err != nil {
		return err
	}

	if err = zarr.WriteArray(w, zarr.ArraySpec{
		Name: names[Lon], Dims: []string{names[Node]}, Shape: []int{nodes}, DType: "<f8",
		Compressor: opts.Compressor, Attrs: map[string]any{"units": "degrees_east"},
	}, lon); err != nil {
		return err
	}

	if err = zarr.WriteArray(w, zarr.ArraySpec{
		Name: names[Lat], Dims: []string{names[Node]}, Shape: []int{nodes}, DType: "<f8",
		Compressor: opts.Compressor, Attrs: map[string]any{"units": "degrees_north"},
	}, lat); err != nil {
		return err
	}

	faceAttrs := map[string]any{}
	if opts.Format == FormatSchism {
		faceAttrs["start_index"] = 1
	}
	if err = zarr.WriteArray(w, zarr.ArraySpec{
		Name: names[Faces], Dims: []string{names[Face], "vertex"}, Shape: []int{faceCount, vertices},
		DType: "<i4", Compressor: opts.Compressor, Attrs: faceAttrs,
	}, faces); err != nil {
		return err
	}

	if err = zarr.WriteArray(w, zarr.ArraySpec{
		Name: Time, Dims: []string{Time}, Shape: []int{opts.Steps}, DType: "<i8", Compressor: opts.Compressor,
		Attrs: map[string]any{
			"units":    "hours since " + opts.Start.UTC().Format("2006-01-02 15:04:05"),
			"calendar": "proleptic_gregorian",
		},
	}, hours); err != nil {
		return err
	}

	chunk := max(1, nodes/4)
	if err = zarr.WriteArray(w, zarr.ArraySpec{
		Name: "elev", Dims: []string{Time, names[Node]}, Shape: []int{opts.Steps, nodes}, Chunks: []int{1, chunk},
		DType: "<f4", Compressor: opts.Compressor, FillValue: math.NaN(),
		Attrs: map[string]any{"units": "m", "long_name": "sea surface elevation"},
	}, elev); err != nil {
		return err
	}

	if err = zarr.WriteArray(w, zarr.ArraySpec{
		Name: "elev_max", Dims: []string{names[Node]}, Shape: []int{nodes}, Chunks: []int{chunk},
		DType: "<f4", Compressor: opts.Compressor, FillValue: math.NaN(),
		Attrs: map[string]any{"units": "m", "long_name": "maximum sea surface elevation"},
	}, elevMax); err != nil {
		return err
	}

	if err = zarr.WriteArray(w, zarr.ArraySpec{
		Name: "depth", Dims: []string{names[Node]}, Shape: []int{nodes}, DType: "<f4",
		Compressor: opts.Compressor, Attrs: map[string]any{"units": "m"},
	}, depth); err != nil {
		return err
	}

	return w.Close()
}
