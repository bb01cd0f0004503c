package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"

	"github.com/pmav99/thalassa-server/pkg/blob"
	"github.com/pmav99/thalassa-server/pkg/render"
)

type datasetsResponse struct {
	Datasets  []string  `json:"datasets"`
	UpdatedAt time.Time `json:"updated_at"`
}

func tileCoords(r *http.Request) (z, x, y int, err error) {
	vars := mux.Vars(r)
	coords := [3]int{}
	for i, name := range []string{"z", "x", "y"} {
		coords[i], err = strconv.Atoi(vars[name])
		if err != nil {
			return 0, 0, 0, eris.Wrapf(errBadRequest, "invalid tile coordinate %s", name)
		}
	}
	return coords[0], coords[1], coords[2], nil
}

func writePNG(w http.ResponseWriter, data []byte, maxAge string) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age="+maxAge)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (t *thalassa) tile(w http.ResponseWriter, r *http.Request) {
	z, x, y, err := tileCoords(r)
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	data, err := t.Engine.Tile(r.Context(), mux.Vars(r)["plot"], z, x, y)
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	// plot IDs change whenever the plot changes
	writePNG(w, data, "3600")
}

func (t *thalassa) wireframeTile(w http.ResponseWriter, r *http.Request) {
	z, x, y, err := tileCoords(r)
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	key, err := blob.CleanKey(r.URL.Query().Get("dataset"))
	if err != nil || key == "" {
		t.handleError(w, r, eris.Wrap(errBadRequest, "dataset is required"))
		return
	}

	data, err := t.Engine.WireframeTile(r.Context(), key, z, x, y)
	if err != nil {
		t.handleError(w, r, err)
		return
	}

	writePNG(w, data, "300")
}

func (t *thalassa) colorbar(w http.ResponseWriter, r *http.Request) {
	width, err := queryInt(r, "w", 20)
	if err != nil {
		t.handleError(w, r, err)
		return
	}
	height, err := queryInt(r, "h", 256)
	if err != nil {
		t.handleError(w, r, err)
		return
	}
	if width < 1 || height < 1 || width > 2048 || height > 2048 {
		t.handleError(w, r, eris.Wrapf(errBadRequest, "invalid colorbar size %dx%d", width, height))
		return
	}

	data, err := t.Engine.Colorbar(mux.Vars(r)["colormap"], width, height)
	if err != nil {
		t.handleError(w, r, eris.Wrap(errBadRequest, err.Error()))
		return
	}

	writePNG(w, data, "86400")
}

func (t *thalassa) listDatasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, datasetsResponse{
		Datasets:  t.Catalog.Datasets(),
		UpdatedAt: t.Catalog.UpdatedAt(),
	})
}

func (t *thalassa) listColormaps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, render.Colormaps())
}

func (t *thalassa) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"datasets":   len(t.Catalog.Datasets()),
		"sessions":   t.Sessions.Len(),
		"updated_at": t.Catalog.UpdatedAt(),
	})
}
