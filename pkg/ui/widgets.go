package ui

// AlertLevel selects the styling of an alert
type AlertLevel string

const (
	LevelInfo   AlertLevel = "info"
	LevelDanger AlertLevel = "danger"
)

// Alert is a message shown in the main area. Text is markdown.
type Alert struct {
	ID    string     `json:"id"`
	Level AlertLevel `json:"level"`
	Text  string     `json:"text"`
}

var (
	ChooseFile = Alert{
		ID:    "CHOOSE_FILE",
		Level: LevelInfo,
		Text:  "Please select a *Dataset* and click on the **Render** button.",
	}
	UnknownFormat = Alert{
		ID:    "UNKNOWN_FORMAT",
		Level: LevelDanger,
		Text:  "The selected dataset is in an unknown format. Please choose a different file.",
	}
	PleaseRender = Alert{
		ID:    "PLEASE_RENDER",
		Level: LevelInfo,
		Text:  "Please click on the **Render** button to visualize the selected *Variable*",
	}
)

// MissingDataDir is shown when the data directory of the local backend doesn't exist
func MissingDataDir(dir string) Alert {
	return Alert{
		ID:    "MISSING_DATA_DIR",
		Level: LevelDanger,
		Text:  "Directory <" + dir + "> is missing. Please create it and add some suitable datasets.",
	}
}

// EmptyDataDir is shown when the data directory of the local backend has no datasets
func EmptyDataDir(dir string) Alert {
	return Alert{
		ID:    "EMPTY_DATA_DIR",
		Level: LevelDanger,
		Text:  "Directory <" + dir + "> exists but it is empty. Please add some suitable datasets.",
	}
}

// RenderFailed replaces the spinner if a render fails
func RenderFailed(err error) Alert {
	return Alert{
		ID:    "RENDER_FAILED",
		Level: LevelDanger,
		Text:  "Rendering failed: " + err.Error(),
	}
}

type Select struct {
	Name     string   `json:"name"`
	Options  []string `json:"options"`
	Value    string   `json:"value"`
	Disabled bool     `json:"disabled"`
}

func (s *Select) has(value string) bool {
	for _, o := range s.Options {
		if o == value {
			return true
		}
	}
	return false
}

func (s *Select) index(value string) int {
	for i, o := range s.Options {
		if o == value {
			return i
		}
	}
	return -1
}

type Checkbox struct {
	Name     string `json:"name"`
	Value    bool   `json:"value"`
	Disabled bool   `json:"disabled"`
}

type Button struct {
	Name     string `json:"name"`
	Disabled bool   `json:"disabled"`
}

// Sidebar holds the widgets controlling what is rendered
type Sidebar struct {
	DatasetFile Select   `json:"dataset_file"`
	Variable    Select   `json:"variable"`
	Time        Select   `json:"time"`
	TSVariable  Select   `json:"ts_variable"`
	KeepZoom    Checkbox `json:"keep_zoom"`
	ShowMesh    Checkbox `json:"show_mesh"`
	Render      Button   `json:"render"`
}

func newSidebar() Sidebar {
	return Sidebar{
		DatasetFile: Select{Name: "Dataset file", Options: []string{""}},
		Variable:    Select{Name: "Plot Variable"},
		Time:        Select{Name: "Time"},
		TSVariable:  Select{Name: "Timeseries Variable"},
		KeepZoom:    Checkbox{Name: "Keep Zoom", Value: true},
		ShowMesh:    Checkbox{Name: "Overlay Mesh"},
		Render:      Button{Name: "Render"},
	}
}

func (s Sidebar) clone() Sidebar {
	s.DatasetFile.Options = append([]string(nil), s.DatasetFile.Options...)
	s.Variable.Options = append([]string(nil), s.Variable.Options...)
	s.Time.Options = append([]string(nil), s.Time.Options...)
	s.TSVariable.Options = append([]string(nil), s.TSVariable.Options...)
	return s
}
