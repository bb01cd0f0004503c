// Package ui implements the dashboard: a sidebar of widgets and a main area showing
// alerts, a spinner or the rendered plot. Every session is a small state machine driven
// by widget events.
package ui

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pmav99/thalassa-server/pkg/dataset"
	"github.com/pmav99/thalassa-server/pkg/engine"
	"github.com/pmav99/thalassa-server/pkg/mesh"
	"github.com/pmav99/thalassa-server/pkg/render"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

var (
	// ErrInvalidOption is returned if a widget is set to a value it doesn't offer
	ErrInvalidOption = eris.New("invalid option")

	// ErrDisabled is returned if a disabled widget is used
	ErrDisabled = eris.New("widget is disabled")

	// ErrNoPlot is returned by operations that need a rendered plot
	ErrNoPlot = eris.New("nothing has been rendered yet")
)

// TimeFormat is used for the options of the time widget
const TimeFormat = "2006-01-02 15:04:05"

// DefaultVariable is preselected if the dataset has it
const DefaultVariable = "elev_max"

// Backend provides the data the sessions display
type Backend interface {
	Dataset(ctx context.Context, key string) (*dataset.Dataset, error)
	Reopen(ctx context.Context, key string) (*dataset.Dataset, error)
	Mesh(ctx context.Context, key string) (*mesh.TriMesh, error)
	CreatePlot(ctx context.Context, spec engine.PlotSpec) (*engine.Plot, error)
	Value(ctx context.Context, plotID string, lon, lat float64) (float64, bool, error)
	Timeseries(ctx context.Context, key, variable string, lon, lat float64) (*engine.Timeseries, error)
}

var _ Backend = (*engine.Engine)(nil)

type MainKind string

const (
	MainAlerts  MainKind = "alerts"
	MainSpinner MainKind = "spinner"
	MainPlot    MainKind = "plot"
)

// Colorbar holds the colorbar inputs. nil limits mean automatic.
type Colorbar struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

func (c *Colorbar) clim() *render.Clim {
	if c == nil || c.Min == nil || c.Max == nil {
		return nil
	}
	return &render.Clim{Min: *c.Min, Max: *c.Max}
}

// TimeseriesPanel is shown below the plot if a timeseries variable was selected
type TimeseriesPanel struct {
	Variable string `json:"variable"`
	// Series is the last tapped location
	Series *engine.Timeseries `json:"series,omitempty"`
}

// Main is the content of the main area
type Main struct {
	Kind   MainKind     `json:"kind"`
	Alerts []Alert      `json:"alerts,omitempty"`
	Plot   *engine.Plot `json:"plot,omitempty"`
	// View is the viewport to restore, nil lets the client fit the plot bounds
	View        *mesh.BBox       `json:"view,omitempty"`
	MeshDataset string           `json:"mesh_dataset,omitempty"`
	Colorbar    *Colorbar        `json:"colorbar,omitempty"`
	Timeseries  *TimeseriesPanel `json:"timeseries,omitempty"`
}

// State is a snapshot of a session
type State struct {
	Session string  `json:"session"`
	Version uint64  `json:"version"`
	Sidebar Sidebar `json:"sidebar"`
	Main    Main    `json:"main"`
}

// Session is the state of one dashboard
type Session struct {
	ID string

	backend  Backend
	colormap string

	renderLock sync.Mutex

	lock     sync.Mutex
	version  uint64
	sidebar  Sidebar
	main     Main
	times    []time.Time
	ds       *dataset.Dataset
	wireMesh bool
	colorbar *Colorbar
	view     *mesh.BBox

	observers map[int]func(State)
	nextObs   int
}

// NewSession creates a session offering files. The main area shows message.
func NewSession(id string, backend Backend, colormap string, files []string, message Alert) *Session {
	s := &Session{
		ID:        id,
		backend:   backend,
		colormap:  colormap,
		sidebar:   newSidebar(),
		observers: make(map[int]func(State)),
	}
	s.sidebar.DatasetFile.Options = append([]string{""}, files...)
	s.reset(message)
	return s
}

// State returns a snapshot of the session
func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() State {
	m := s.main
	m.Alerts = append([]Alert(nil), m.Alerts...)
	if m.Colorbar != nil {
		cb := *m.Colorbar
		m.Colorbar = &cb
	}
	if m.Timeseries != nil {
		ts := *m.Timeseries
		m.Timeseries = &ts
	}

	return State{
		Session: s.ID,
		Version: s.version,
		Sidebar: s.sidebar.clone(),
		Main:    m,
	}
}

// Subscribe registers fn to be called with the new state after every change. fn must not
// call back into the session.
func (s *Session) Subscribe(fn func(State)) func() {
	s.lock.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.lock.Unlock()

	return func() {
		s.lock.Lock()
		delete(s.observers, id)
		s.lock.Unlock()
	}
}

// changed bumps the version and informs the observers. Must be called with the lock held.
func (s *Session) changed() {
	s.version++
	state := s.snapshot()
	for _, fn := range s.observers {
		fn(state)
	}
}

func (s *Session) resetColorbar() {
	s.colorbar = nil
}

func (s *Session) reset(message Alert) {
	s.sidebar.Variable.Options = []string{}
	s.sidebar.Variable.Value = ""
	s.sidebar.Variable.Disabled = true
	s.sidebar.TSVariable.Options = []string{}
	s.sidebar.TSVariable.Value = ""
	s.sidebar.TSVariable.Disabled = true
	s.sidebar.Time.Options = []string{}
	s.sidebar.Time.Value = ""
	s.sidebar.Time.Disabled = true
	s.sidebar.KeepZoom.Disabled = true
	s.sidebar.ShowMesh.Disabled = true
	s.sidebar.Render.Disabled = true

	s.main = Main{Kind: MainAlerts, Alerts: []Alert{message}}
	s.ds = nil
	s.times = nil
	s.wireMesh = false
	s.view = nil
	s.resetColorbar()
}

// SelectDataset opens the dataset and offers its variables. The empty name clears the
// selection.
func (s *Session) SelectDataset(ctx context.Context, name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	defer s.changed()

	logger := srvlog.Log(ctx)
	logger.Debug().Msg("Update dataset: Start")
	defer logger.Debug().Msg("Update dataset: Finish")

	if !s.sidebar.DatasetFile.has(name) {
		return eris.Wrapf(ErrInvalidOption, "dataset %q", name)
	}
	s.sidebar.DatasetFile.Value = name

	if name == "" {
		logger.Debug().Msg("No dataset has been selected. Resetting the UI.")
		s.reset(ChooseFile)
		return nil
	}

	logger.Debug().Msgf("Trying to normalize the selected dataset: %s", name)
	ds, err := s.backend.Dataset(ctx, name)
	if err != nil {
		s.reset(UnknownFormat)
		if eris.Is(err, dataset.ErrUnknownFormat) {
			logger.Warn().Err(err).Msg("Normalization failed. Resetting the UI")
			return nil
		}
		return err
	}

	variables := ds.VisualizableVariables()
	if len(variables) == 0 {
		logger.Warn().Str("dataset", name).Msg("Dataset has nothing to plot. Resetting the UI")
		s.reset(UnknownFormat)
		return nil
	}

	logger.Debug().Msg("Normalization succeeded. Setting widgets")
	s.ds = ds
	s.times = ds.Times()
	s.wireMesh = false

	defaultVariable := variables[0]
	for _, v := range variables {
		if v == DefaultVariable {
			defaultVariable = v
			break
		}
	}

	s.sidebar.Variable = Select{Name: s.sidebar.Variable.Name, Options: variables, Value: defaultVariable}
	s.sidebar.TSVariable = Select{
		Name:    s.sidebar.TSVariable.Name,
		Options: append([]string{""}, ds.TimeDependent(variables)...),
		Value:   "",
	}
	s.sidebar.KeepZoom.Disabled = false
	s.sidebar.ShowMesh.Disabled = false

	defer srvlog.Timer(ctx, "main: update_dataset_file")()
	s.main = Main{Kind: MainAlerts, Alerts: []Alert{PleaseRender}}
	s.resetColorbar()

	s.applyVariable(defaultVariable)
	return nil
}

// SelectVariable changes the plotted variable
func (s *Session) SelectVariable(ctx context.Context, name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sidebar.Variable.Disabled {
		return eris.Wrap(ErrDisabled, "variable")
	}
	if !s.sidebar.Variable.has(name) {
		return eris.Wrapf(ErrInvalidOption, "variable %q", name)
	}

	srvlog.Log(ctx).Debug().Str("variable", name).Msg("Variable changed")
	s.applyVariable(name)
	s.changed()
	return nil
}

func (s *Session) applyVariable(name string) {
	s.sidebar.Variable.Value = name

	v, err := s.ds.Variable(name)
	if err == nil && v.HasDim(dataset.Time) && len(s.times) > 0 {
		options := make([]string, len(s.times))
		for i, t := range s.times {
			options[i] = t.UTC().Format(TimeFormat)
		}
		s.sidebar.Time.Options = options
		s.sidebar.Time.Value = options[0]
		s.sidebar.Time.Disabled = false
	} else {
		s.sidebar.Time.Options = []string{}
		s.sidebar.Time.Value = ""
		s.sidebar.Time.Disabled = true
	}

	s.sidebar.Render.Disabled = false
	s.resetColorbar()
}

// SelectTime picks the rendered time step
func (s *Session) SelectTime(value string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sidebar.Time.Disabled {
		return eris.Wrap(ErrDisabled, "time")
	}
	if !s.sidebar.Time.has(value) {
		return eris.Wrapf(ErrInvalidOption, "time %q", value)
	}

	s.sidebar.Time.Value = value
	s.changed()
	return nil
}

// SelectTSVariable picks the variable shown in the timeseries panel. The empty value
// hides the panel.
func (s *Session) SelectTSVariable(value string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sidebar.TSVariable.Disabled {
		return eris.Wrap(ErrDisabled, "timeseries variable")
	}
	if !s.sidebar.TSVariable.has(value) {
		return eris.Wrapf(ErrInvalidOption, "timeseries variable %q", value)
	}

	s.sidebar.TSVariable.Value = value
	s.changed()
	return nil
}

func (s *Session) SetKeepZoom(value bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sidebar.KeepZoom.Disabled {
		return eris.Wrap(ErrDisabled, "keep zoom")
	}

	s.sidebar.KeepZoom.Value = value
	s.changed()
	return nil
}

func (s *Session) SetShowMesh(value bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sidebar.ShowMesh.Disabled {
		return eris.Wrap(ErrDisabled, "overlay mesh")
	}

	s.sidebar.ShowMesh.Value = value
	s.changed()
	return nil
}

// SetView records the geographic extent currently shown by the client
func (s *Session) SetView(box mesh.BBox) error {
	if !(box.East > box.West) || !(box.North > box.South) {
		return eris.Wrapf(ErrInvalidOption, "empty view %+v", box)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.main.Plot == nil {
		return ErrNoPlot
	}
	s.view = &box
	return nil
}

// UpdateDatasetFiles replaces the offered datasets. The current selection is kept, even if
// it vanished from the listing.
func (s *Session) UpdateDatasetFiles(files []string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	options := append([]string{""}, files...)
	selected := s.sidebar.DatasetFile.Value
	if selected != "" && (&Select{Options: options}).index(selected) < 0 {
		options = append(options, selected)
	}

	s.sidebar.DatasetFile.Options = options
	s.changed()
}

func (s *Session) logWidgets(ctx context.Context) {
	logger := srvlog.Log(ctx)
	logger.Info().Msg("Widget values:")

	sb := s.sidebar
	for _, w := range []Select{sb.DatasetFile, sb.Variable, sb.Time, sb.TSVariable} {
		logger.Info().Msgf("%s: %s", w.Name, w.Value)
	}
	logger.Info().Msgf("%s: %t", sb.KeepZoom.Name, sb.KeepZoom.Value)
	logger.Info().Msgf("%s: %t", sb.ShowMesh.Name, sb.ShowMesh.Value)
}

// initialColorbar returns the colorbar inputs of a new plot. Existing inputs survive
// re-renders until the colorbar is reset.
func initialColorbar(current *Colorbar, variable string) *Colorbar {
	if current != nil {
		cb := *current
		return &cb
	}

	if strings.Contains(variable, "elev") {
		low, high := 0.2, 0.8
		return &Colorbar{Min: &low, Max: &high}
	}
	return &Colorbar{}
}

// Render builds the plot for the current widget values. The main area shows a spinner
// while the plot is built.
func (s *Session) Render(ctx context.Context) (err error) {
	s.renderLock.Lock()
	defer s.renderLock.Unlock()

	logger := srvlog.Log(ctx)
	logger.Info().Msg("Rendering: start")
	defer logger.Info().Msg("Rendering: finished")
	defer srvlog.Timer(ctx, "MAIN")()

	s.lock.Lock()
	if s.sidebar.Render.Disabled {
		s.lock.Unlock()
		return eris.Wrap(ErrDisabled, "render")
	}

	s.logWidgets(ctx)

	// keep the zoom level of the previous plot
	var view *mesh.BBox
	if s.sidebar.KeepZoom.Value && s.main.Plot != nil && s.view != nil {
		v := *s.view
		view = &v
	}
	logger.Debug().Interface("view", view).Msg("Previous view")

	key := s.sidebar.DatasetFile.Value
	variable := s.sidebar.Variable.Value
	timeIndex := s.sidebar.Time.index(s.sidebar.Time.Value)
	tsVariable := s.sidebar.TSVariable.Value
	showMesh := s.sidebar.ShowMesh.Value
	colorbar := initialColorbar(s.colorbar, variable)

	s.main = Main{Kind: MainSpinner}
	s.changed()
	s.lock.Unlock()

	plot, err := s.build(ctx, key, variable, timeIndex, showMesh, colorbar)

	s.lock.Lock()
	defer s.lock.Unlock()
	defer s.changed()

	if s.sidebar.DatasetFile.Value != key {
		// the dataset changed while rendering, the new dataset has its own main area
		return nil
	}

	if s.sidebar.Variable.Value != variable || s.sidebar.Time.index(s.sidebar.Time.Value) != timeIndex {
		logger.Debug().Msg("Widgets changed while rendering, dropping the plot")
		s.main = Main{Kind: MainAlerts, Alerts: []Alert{PleaseRender}}
		return nil
	}

	if err != nil {
		logger.Error().Err(err).Msg("Something went wrong")
		s.main = Main{Kind: MainAlerts, Alerts: []Alert{RenderFailed(err)}}
		return err
	}

	if showMesh {
		s.wireMesh = true
	}
	s.colorbar = colorbar
	s.view = view
	s.main = Main{
		Kind:     MainPlot,
		Plot:     plot,
		View:     view,
		Colorbar: colorbar,
	}
	if showMesh {
		s.main.MeshDataset = key
	}
	if tsVariable != "" {
		s.main.Timeseries = &TimeseriesPanel{Variable: tsVariable}
	}
	return nil
}

func (s *Session) build(ctx context.Context, key, variable string, timeIndex int, showMesh bool, colorbar *Colorbar) (*engine.Plot, error) {
	func() {
		defer srvlog.Timer(ctx, "Rendering: Open dataset")()
		_, err := s.backend.Reopen(ctx, key)
		if err != nil {
			srvlog.Log(ctx).Warn().Err(err).Msg("Failed to reopen the dataset")
		}
	}()

	s.lock.Lock()
	needMesh := showMesh && !s.wireMesh
	s.lock.Unlock()

	// the wireframe is the same for all variables, build it once
	if needMesh {
		stop := srvlog.Timer(ctx, "Rendering: Creating mesh")
		_, err := s.backend.Mesh(ctx, key)
		stop()
		if err != nil {
			return nil, err
		}
	}

	defer srvlog.Timer(ctx, "Rendering: Rendering raster")()
	return s.backend.CreatePlot(ctx, engine.PlotSpec{
		Dataset:   key,
		Variable:  variable,
		TimeIndex: timeIndex,
		Colormap:  s.colormap,
		Clim:      colorbar.clim(),
	})
}

// SetColorbar applies fixed colour limits to the current plot
func (s *Session) SetColorbar(ctx context.Context, low, high float64) error {
	clim := render.Clim{Min: low, Max: high}
	if !clim.Valid() {
		return eris.Wrapf(ErrInvalidOption, "colorbar limits %g..%g", low, high)
	}

	return s.updatePlotClim(ctx, &Colorbar{Min: &low, Max: &high})
}

// ResetColorbar switches the current plot back to automatic colour limits
func (s *Session) ResetColorbar(ctx context.Context) error {
	return s.updatePlotClim(ctx, &Colorbar{})
}

func (s *Session) updatePlotClim(ctx context.Context, colorbar *Colorbar) error {
	s.lock.Lock()
	plot := s.main.Plot
	s.lock.Unlock()
	if plot == nil {
		return ErrNoPlot
	}

	spec := plot.Spec
	spec.Clim = colorbar.clim()
	updated, err := s.backend.CreatePlot(ctx, spec)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.main.Plot == nil || s.main.Plot.ID != plot.ID {
		// replaced by a render in the meantime
		return nil
	}

	s.colorbar = colorbar
	s.main.Plot = updated
	s.main.Colorbar = colorbar
	s.changed()
	return nil
}

// Value returns the plotted value at a point. ok is false outside of the mesh.
func (s *Session) Value(ctx context.Context, lon, lat float64) (value float64, ok bool, err error) {
	s.lock.Lock()
	plot := s.main.Plot
	s.lock.Unlock()
	if plot == nil {
		return 0, false, ErrNoPlot
	}

	return s.backend.Value(ctx, plot.ID, lon, lat)
}

// Timeseries loads the timeseries variable at the node closest to the tapped point. The
// whole time axis is returned regardless of the selected time.
func (s *Session) Timeseries(ctx context.Context, lon, lat float64) (*engine.Timeseries, error) {
	s.lock.Lock()
	plot := s.main.Plot
	panel := s.main.Timeseries
	s.lock.Unlock()

	if plot == nil {
		return nil, ErrNoPlot
	}
	if panel == nil {
		return nil, eris.Wrap(ErrInvalidOption, "no timeseries variable selected")
	}

	ts, err := s.backend.Timeseries(ctx, plot.Spec.Dataset, panel.Variable, lon, lat)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.main.Plot != nil && s.main.Plot.ID == plot.ID && s.main.Timeseries != nil {
		s.main.Timeseries.Series = ts
		s.changed()
	}
	return ts, nil
}
