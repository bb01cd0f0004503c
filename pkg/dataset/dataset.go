// Package dataset opens model output stored as Zarr and normalizes it to a common layout:
// node coordinates in "lon"/"lat", triangle connectivity in "triface_nodes" (0-based) and
// the dimensions "node", "face" and "time".
package dataset

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/pmav99/thalassa-server/pkg/blob"
	"github.com/pmav99/thalassa-server/pkg/zarr"
)

// Canonical names
const (
	Lon   = "lon"
	Lat   = "lat"
	Faces = "triface_nodes"
	Node  = "node"
	Face  = "face"
	Time  = "time"
)

var (
	// ErrUnknownFormat is returned by Open for groups that match none of the known layouts
	ErrUnknownFormat = eris.New("unknown dataset format")

	// ErrNoVariable is returned for variables the dataset doesn't contain
	ErrNoVariable = eris.New("no such variable")

	// ErrTimeIndex is returned for time steps outside of the time axis
	ErrTimeIndex = eris.New("time index out of range")
)

// Variable is a data variable with canonical dimension names
type Variable struct {
	Name  string
	Dims  []string
	Shape []int
	Attrs map[string]any
	DType zarr.DType

	array *zarr.Array
}

// HasDim reports whether the variable is defined along dim
func (v *Variable) HasDim(dim string) bool {
	for _, d := range v.Dims {
		if d == dim {
			return true
		}
	}
	return false
}

// Dataset is a normalized model run
type Dataset struct {
	Key    string
	Format Format
	Attrs  map[string]any

	// Fingerprint identifies the revision of the stored dataset
	Fingerprint uint64

	variables map[string]*Variable
	faceBase  int64
	times     []time.Time
}

// Open opens the Zarr group at key and normalizes it
func Open(ctx context.Context, store blob.Store, key string) (*Dataset, error) {
	group, err := zarr.Open(ctx, store, key)
	if err != nil {
		if eris.Is(err, zarr.ErrNotGroup) {
			return nil, eris.Wrapf(ErrUnknownFormat, "%s is not a zarr group", key)
		}
		return nil, eris.Wrapf(err, "failed to open %s", key)
	}

	return FromGroup(ctx, group)
}

// FromGroup normalizes an opened group
func FromGroup(ctx context.Context, group *zarr.Group) (*Dataset, error) {
	layout, ok := detect(group)
	if !ok {
		return nil, eris.Wrapf(ErrUnknownFormat, "%s", group.Key)
	}

	ds := &Dataset{
		Key:         group.Key,
		Format:      layout.format,
		Attrs:       group.Attrs,
		Fingerprint: group.Fingerprint,
		variables:   make(map[string]*Variable),
	}

	lon, _ := group.Array(layout.lon)
	lat, _ := group.Array(layout.lat)
	faces, _ := group.Array(layout.faces)

	if len(lon.Shape()) != 1 || len(lat.Shape()) != 1 || lon.Shape()[0] != lat.Shape()[0] {
		return nil, eris.Wrapf(ErrUnknownFormat, "%s: node coordinates must be 1D arrays of equal length", group.Key)
	}
	if len(faces.Shape()) != 2 || (faces.Shape()[1] != 3 && faces.Shape()[1] != 4) {
		return nil, eris.Wrapf(ErrUnknownFormat, "%s: connectivity must have 3 or 4 vertices per face", group.Key)
	}

	renames := map[string]string{
		lon.Dims()[0]:   Node,
		faces.Dims()[0]: Face,
	}
	if timeArray, ok := group.Array(Time); ok && len(timeArray.Shape()) == 1 {
		renames[timeArray.Dims()[0]] = Time
	}

	ds.faceBase = layout.faceBase
	if start, ok := faces.NumberAttr("start_index"); ok {
		ds.faceBase = int64(start)
	}

	sources := map[string]string{
		layout.lon:   Lon,
		layout.lat:   Lat,
		layout.faces: Faces,
	}

	for _, name := range group.Names() {
		array, _ := group.Array(name)
		canonical, ok := sources[name]
		if !ok {
			canonical = name
			if _, taken := ds.variables[name]; taken {
				continue
			}
		}

		dims := array.Dims()
		for i, dim := range dims {
			if renamed, ok := renames[dim]; ok {
				dims[i] = renamed
			}
		}

		ds.variables[canonical] = &Variable{
			Name:  canonical,
			Dims:  dims,
			Shape: array.Shape(),
			Attrs: array.Attrs,
			DType: array.DType,
			array: array,
		}
	}

	if timeVar, ok := ds.variables[Time]; ok {
		times, err := decodeTimes(ctx, timeVar)
		if err != nil {
			log.Warn().Err(err).Str("dataset", ds.Key).Msg("Failed to decode the time axis")
		} else {
			ds.times = times
		}
	}

	return ds, nil
}

// Names returns the names of all variables (coordinates included) sorted alphabetically
func (ds *Dataset) Names() []string {
	names := make([]string, 0, len(ds.variables))
	for name := range ds.variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Variable returns the named variable
func (ds *Dataset) Variable(name string) (*Variable, error) {
	v, ok := ds.variables[name]
	if !ok {
		return nil, eris.Wrapf(ErrNoVariable, "%q in %s", name, ds.Key)
	}
	return v, nil
}

// Times returns the decoded time axis (nil for datasets without one)
func (ds *Dataset) Times() []time.Time {
	return ds.times
}

// NodeCount returns the number of mesh nodes
func (ds *Dataset) NodeCount() int {
	return ds.variables[Lon].Shape[0]
}

// FaceCount returns the number of mesh faces
func (ds *Dataset) FaceCount() int {
	return ds.variables[Faces].Shape[0]
}

// VisualizableVariables returns the numeric variables defined on the mesh nodes (and
// optionally along time), sorted by name
func (ds *Dataset) VisualizableVariables() []string {
	result := make([]string, 0)
	for _, name := range ds.Names() {
		switch name {
		case Lon, Lat, Faces, Time:
			continue
		}

		v := ds.variables[name]
		if !v.DType.IsNumeric() || !v.HasDim(Node) {
			continue
		}

		onMesh := true
		for _, dim := range v.Dims {
			if dim != Node && dim != Time {
				onMesh = false
				break
			}
		}

		if onMesh {
			result = append(result, name)
		}
	}
	return result
}

// TimeDependent filters variables down to those defined along time
func (ds *Dataset) TimeDependent(variables []string) []string {
	result := make([]string, 0, len(variables))
	for _, name := range variables {
		if v, ok := ds.variables[name]; ok && v.HasDim(Time) {
			result = append(result, name)
		}
	}
	return result
}

// Coordinates reads the node longitudes and latitudes
func (ds *Dataset) Coordinates(ctx context.Context) (lon, lat []float64, err error) {
	lon, err = ds.variables[Lon].array.ReadAllFloat64(ctx)
	if err != nil {
		return nil, nil, err
	}

	lat, err = ds.variables[Lat].array.ReadAllFloat64(ctx)
	if err != nil {
		return nil, nil, err
	}

	return lon, lat, nil
}

// Connectivity reads the face table. The result holds vertices values per face, converted
// to 0-based node indices. Unused fourth vertices of triangles are -1.
func (ds *Dataset) Connectivity(ctx context.Context) (nodes []int64, vertices int, err error) {
	v := ds.variables[Faces]
	nodes, err = v.array.ReadAllInt64(ctx)
	if err != nil {
		return nil, 0, err
	}

	nodeCount := int64(ds.NodeCount())
	for i, n := range nodes {
		n -= ds.faceBase
		if n < 0 || n >= nodeCount {
			n = -1
		}
		nodes[i] = n
	}

	return nodes, v.Shape[1], nil
}

// NodeValues reads one value per node. timeIndex selects the time step of time dependent
// variables and is ignored for others.
func (ds *Dataset) NodeValues(ctx context.Context, variable string, timeIndex int) ([]float64, error) {
	v, err := ds.Variable(variable)
	if err != nil {
		return nil, err
	}

	start := make([]int, len(v.Dims))
	count := make([]int, len(v.Dims))
	for i, dim := range v.Dims {
		switch dim {
		case Node:
			count[i] = v.Shape[i]
		case Time:
			if timeIndex < 0 || timeIndex >= v.Shape[i] {
				return nil, eris.Wrapf(ErrTimeIndex, "%d not in [0, %d)", timeIndex, v.Shape[i])
			}
			start[i] = timeIndex
			count[i] = 1
		default:
			return nil, eris.Errorf("%s isn't defined on the mesh nodes", variable)
		}
	}

	values, err := v.array.ReadFloat64(ctx, start, count)
	if err != nil {
		return nil, err
	}

	v.unpack(values)
	return values, nil
}

// Timeseries reads the whole time axis of variable at one node
func (ds *Dataset) Timeseries(ctx context.Context, variable string, node int) ([]time.Time, []float64, error) {
	v, err := ds.Variable(variable)
	if err != nil {
		return nil, nil, err
	}

	if !v.HasDim(Time) {
		return nil, nil, eris.Errorf("%s doesn't depend on time", variable)
	}

	start := make([]int, len(v.Dims))
	count := make([]int, len(v.Dims))
	for i, dim := range v.Dims {
		switch dim {
		case Node:
			if node < 0 || node >= v.Shape[i] {
				return nil, nil, eris.Errorf("node %d not in [0, %d)", node, v.Shape[i])
			}
			start[i] = node
			count[i] = 1
		case Time:
			count[i] = v.Shape[i]
		default:
			return nil, nil, eris.Errorf("%s isn't defined on the mesh nodes", variable)
		}
	}

	values, err := v.array.ReadFloat64(ctx, start, count)
	if err != nil {
		return nil, nil, err
	}
	v.unpack(values)

	return ds.times, values, nil
}

// unpack applies the CF packing attributes
func (v *Variable) unpack(values []float64) {
	scale, hasScale := v.array.NumberAttr("scale_factor")
	offset, hasOffset := v.array.NumberAttr("add_offset")
	if !hasScale && !hasOffset {
		return
	}

	if !hasScale {
		scale = 1
	}

	for i, value := range values {
		if !math.IsNaN(value) {
			values[i] = value*scale + offset
		}
	}
}
