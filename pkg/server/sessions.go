package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pmav99/thalassa-server/pkg/mesh"
	"github.com/pmav99/thalassa-server/pkg/ui"
)

type stringValue struct {
	Value string `json:"value"`
}

type boolValue struct {
	Value bool `json:"value"`
}

type viewRequest struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

type colorbarRequest struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type valueResponse struct {
	Lon   float64  `json:"lon"`
	Lat   float64  `json:"lat"`
	Value *float64 `json:"value"`
}

func (t *thalassa) session(r *http.Request) (*ui.Session, error) {
	return t.Sessions.Get(mux.Vars(r)["session"])
}

// withSession resolves the session and answers with its new state if fn succeeds
func (t *thalassa) withSession(fn func(r *http.Request, s *ui.Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := t.session(r)
		if err != nil {
			t.handleError(w, r, err)
			return
		}

		if err = fn(r, s); err != nil {
			t.handleError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, s.State())
	}
}

func (t *thalassa) createSession(w http.ResponseWriter, r *http.Request) {
	s := t.Sessions.Create(r.Context())
	writeJSON(w, r, http.StatusCreated, s.State())
}

func (t *thalassa) getSession(w http.ResponseWriter, r *http.Request) {
	t.withSession(func(*http.Request, *ui.Session) error { return nil })(w, r)
}

func (t *thalassa) deleteSession(w http.ResponseWriter, r *http.Request) {
	s, err := t.session(r)
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	t.Sessions.Delete(s.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (t *thalassa) selectDataset(w http.ResponseWriter, r *http.Request) {
	t.withSession(func(r *http.Request, s *ui.Session) error {
		var req stringValue
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.SelectDataset(r.Context(), req.Value)
	})(w, r)
}

func (t *thalassa) selectVariable(w http.ResponseWriter, r *http.Request) {
	t.withSession(func(r *http.Request, s *ui.Session) error {
		var req stringValue
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.SelectVariable(r.Context(), req.Value)
	})(w, r)
}

func (t *thalassa) selectTime(w http.ResponseWriter, r *http.Request) {
	t.withSession(func(r *http.Request, s *ui.Session) error {
		var req stringValue
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.SelectTime(req.Value)
	})(w, r)
}

func (t *thalassa) selectTSVariable(w http.ResponseWriter, r *http.Request) {
	t.withSession(func(r *http.Request, s *ui.Session) error {
		var req stringValue
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.SelectTSVariable(req.Value)
	})(w, r)
}

func (t *thalassa) setKeepZoom(w http.ResponseWriter, r *http.Request) {
	t.withSession(func(r *http.Request, s *ui.Session) error {
		var req boolValue
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.SetKeepZoom(req.Value)
	})(w, r)
}

func (t *thalassa) setShowMesh(w http.ResponseWriter, r *http.Request) {
	t.withSession(func(r *http.Request, s *ui.Session) error {
		var req boolValue
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.SetShowMesh(req.Value)
	})(w, r)
}

func (t *thalassa) setView(w http.ResponseWriter, r *http.Request) {
	s, err := t.session(r)
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	var req viewRequest
	if err = decodeBody(r, &req); err != nil {
		t.handleError(w, r, err)
		return
	}

	err = s.SetView(mesh.BBox{West: req.West, South: req.South, East: req.East, North: req.North})
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	// sent on every pan, the full state isn't needed
	w.WriteHeader(http.StatusNoContent)
}

func (t *thalassa) render(w http.ResponseWriter, r *http.Request) {
	t.withSession(func(r *http.Request, s *ui.Session) error {
		return s.Render(r.Context())
	})(w, r)
}

func (t *thalassa) setColorbar(w http.ResponseWriter, r *http.Request) {
	t.withSession(func(r *http.Request, s *ui.Session) error {
		var req colorbarRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.SetColorbar(r.Context(), req.Min, req.Max)
	})(w, r)
}

func (t *thalassa) resetColorbar(w http.ResponseWriter, r *http.Request) {
	t.withSession(func(r *http.Request, s *ui.Session) error {
		return s.ResetColorbar(r.Context())
	})(w, r)
}

func (t *thalassa) value(w http.ResponseWriter, r *http.Request) {
	s, err := t.session(r)
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	lon, err := queryFloat(r, "lon")
	if err != nil {
		t.handleError(w, r, err)
		return
	}
	lat, err := queryFloat(r, "lat")
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	value, ok, err := s.Value(r.Context(), lon, lat)
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	resp := valueResponse{Lon: lon, Lat: lat}
	if ok {
		resp.Value = &value
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (t *thalassa) timeseries(w http.ResponseWriter, r *http.Request) {
	s, err := t.session(r)
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	lon, err := queryFloat(r, "lon")
	if err != nil {
		t.handleError(w, r, err)
		return
	}
	lat, err := queryFloat(r, "lat")
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	ts, err := s.Timeseries(r.Context(), lon, lat)
	if err != nil {
		t.handleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ts)
}
