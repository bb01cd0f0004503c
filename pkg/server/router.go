package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/unrolled/secure"

	"github.com/pmav99/thalassa-server/pkg/auth"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

// Handler returns the root handler with all middlewares applied
func (t *thalassa) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", t.index).Methods(http.MethodGet)
	r.PathPrefix("/static/").Handler(staticHandler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", t.healthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/datasets", t.listDatasets).Methods(http.MethodGet)
	api.HandleFunc("/colormaps", t.listColormaps).Methods(http.MethodGet)
	api.HandleFunc("/colorbar/{colormap}.png", t.colorbar).Methods(http.MethodGet)

	api.HandleFunc("/sessions", t.createSession).Methods(http.MethodPost)
	sess := api.PathPrefix("/sessions/{session}").Subrouter()
	sess.HandleFunc("", t.getSession).Methods(http.MethodGet)
	sess.HandleFunc("", t.deleteSession).Methods(http.MethodDelete)
	sess.HandleFunc("/events", t.sessionEvents).Methods(http.MethodGet)
	sess.HandleFunc("/dataset", t.selectDataset).Methods(http.MethodPost)
	sess.HandleFunc("/variable", t.selectVariable).Methods(http.MethodPost)
	sess.HandleFunc("/time", t.selectTime).Methods(http.MethodPost)
	sess.HandleFunc("/ts_variable", t.selectTSVariable).Methods(http.MethodPost)
	sess.HandleFunc("/keep_zoom", t.setKeepZoom).Methods(http.MethodPost)
	sess.HandleFunc("/show_mesh", t.setShowMesh).Methods(http.MethodPost)
	sess.HandleFunc("/view", t.setView).Methods(http.MethodPost)
	sess.HandleFunc("/render", t.render).Methods(http.MethodPost)
	sess.HandleFunc("/colorbar", t.setColorbar).Methods(http.MethodPost)
	sess.HandleFunc("/colorbar", t.resetColorbar).Methods(http.MethodDelete)
	sess.HandleFunc("/value", t.value).Methods(http.MethodGet)
	sess.HandleFunc("/timeseries", t.timeseries).Methods(http.MethodGet)

	r.HandleFunc("/tiles/{plot}/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}.png", t.tile).Methods(http.MethodGet)
	r.HandleFunc("/wireframe/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}.png", t.wireframeTile).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/catalog", t.adminCatalog).Methods(http.MethodGet)
	admin.HandleFunc("/catalog/refresh", t.adminRefreshCatalog).Methods(http.MethodPost)
	admin.HandleFunc("/cache", t.adminCacheStats).Methods(http.MethodGet)
	admin.HandleFunc("/cache/{cache}", t.adminPurgeCache).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	sm := secure.New(secure.Options{
		IsDevelopment:      t.Cfg.HTTP.Dev,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
		ReferrerPolicy:     "same-origin",
	})

	return sm.Handler(
		srvlog.MakeLogMiddleware(
			t.Notifier.Exceptions(
				auth.MakeAuthMiddleware(t.Cfg, t.Tokens,
					compressMiddleware(r)))))
}
