package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/pmav99/thalassa-server/pkg/auth"
	"github.com/pmav99/thalassa-server/pkg/blob"
	"github.com/pmav99/thalassa-server/pkg/dataset"
	"github.com/pmav99/thalassa-server/pkg/engine"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
	"github.com/pmav99/thalassa-server/pkg/ui"
)

var errBadRequest = eris.New("bad request")

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(value); err != nil {
		srvlog.Log(r.Context()).Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}

var errorStatus = []struct {
	err    error
	status int
}{
	{errBadRequest, http.StatusBadRequest},
	{ui.ErrInvalidOption, http.StatusBadRequest},
	{ui.ErrDisabled, http.StatusBadRequest},
	{engine.ErrInvalidPlot, http.StatusBadRequest},
	{engine.ErrTileRange, http.StatusBadRequest},
	{blob.ErrInvalidKey, http.StatusBadRequest},
	{dataset.ErrUnknownFormat, http.StatusBadRequest},
	{ui.ErrNoPlot, http.StatusConflict},
	{ui.ErrSessionNotFound, http.StatusNotFound},
	{engine.ErrPlotNotFound, http.StatusNotFound},
	{engine.ErrUnknownCache, http.StatusNotFound},
	{blob.ErrNotFound, http.StatusNotFound},
	{auth.ErrUnauthenticated, http.StatusUnauthorized},
	{auth.ErrPermissionDenied, http.StatusForbidden},
}

// handleError translates err into a JSON response. Unexpected errors are reported
// through the notifier.
func (t *thalassa) handleError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatus {
		if eris.Is(err, e.err) {
			srvlog.Log(r.Context()).Debug().Err(err).Int("status", e.status).Msg("Request failed")
			writeError(w, r, e.status, err.Error())
			return
		}
	}

	srvlog.Log(r.Context()).Error().Err(err).Msg("Request failed")
	t.Notifier.Error(r.Context(), err)
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

func decodeBody(r *http.Request, value interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(value); err != nil {
		return eris.Wrap(errBadRequest, err.Error())
	}
	return nil
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, eris.Wrapf(errBadRequest, "invalid %s %q", name, raw)
	}
	return value, nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, eris.Wrapf(errBadRequest, "invalid %s %q", name, raw)
	}
	return value, nil
}
