package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pmav99/thalassa-server/pkg/auth"
	"github.com/pmav99/thalassa-server/pkg/blob"
	"github.com/pmav99/thalassa-server/pkg/catalog"
	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/dataset"
	"github.com/pmav99/thalassa-server/pkg/engine"
	"github.com/pmav99/thalassa-server/pkg/notify"
	"github.com/pmav99/thalassa-server/pkg/render"
	"github.com/pmav99/thalassa-server/pkg/ui"
)

const runKey = "global-v1/2024-01-01.zarr"

type testApp struct {
	handler  http.Handler
	operator string
	viewer   string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()

	root := t.TempDir()
	opts := dataset.DefaultSampleOptions()
	opts.NX = 12
	opts.NY = 8
	opts.Steps = 3
	require.NoError(dataset.WriteSample(filepath.Join(root, "global-v1", "2024-01-01.zarr"), opts))
	// the newest run is hidden
	require.NoError(dataset.WriteSample(filepath.Join(root, "global-v1", "2024-01-02.zarr"), opts))

	cfg, err := config.Defaults()
	require.NoError(err)
	cfg.Storage.Backend = "local"
	cfg.Storage.DataDir = root
	cfg.Cache.TileBytes = 32 << 20
	cfg.Notify.Disable = true
	cfg.Argon2.Memory = 1024
	cfg.Argon2.Iterations = 1
	cfg.Argon2.Parallelism = 1

	store := blob.NewLocalStore(root)
	cat, err := catalog.New(cfg, store, nil)
	require.NoError(err)
	_, err = cat.Refresh(ctx)
	require.NoError(err)

	opToken, opLine, err := auth.NewToken(cfg, "ops", "operator")
	require.NoError(err)
	viewToken, viewLine, err := auth.NewToken(cfg, "view", "viewer")
	require.NoError(err)
	tokens, err := auth.ParseTokens(opLine + "\n" + viewLine)
	require.NoError(err)

	eng := engine.New(cfg, store)
	sessions := ui.NewManager(cfg, eng, cat)
	t.Cleanup(sessions.Close)

	app := &thalassa{
		Cfg:      cfg,
		Engine:   eng,
		Catalog:  cat,
		Sessions: sessions,
		Notifier: notify.New(cfg),
		Tokens:   tokens,
	}

	return &testApp{handler: app.Handler(), operator: opToken, viewer: viewToken}
}

func (a *testApp) do(t *testing.T, method, path string, body interface{}, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) ui.State {
	t.Helper()

	var state ui.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state), rec.Body.String())
	return state
}

func TestIndex(t *testing.T) {
	require := require.New(t)
	app := newTestApp(t)

	rec := app.do(t, http.MethodGet, "/", nil)
	require.Equal(http.StatusOK, rec.Code)
	require.Contains(rec.Body.String(), "<title>Seareport Server</title>")
	require.Equal("nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = app.do(t, http.MethodGet, "/static/app.css", nil, "Accept-Encoding", "gzip, br")
	require.Equal(http.StatusOK, rec.Code)
	require.Equal("br", rec.Header().Get("Content-Encoding"))
	css, err := io.ReadAll(brotli.NewReader(rec.Body))
	require.NoError(err)
	require.Contains(string(css), "#2A6589")

	rec = app.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(http.StatusOK, rec.Code)
	require.Empty(rec.Header().Get("Content-Encoding"))

	rec = app.do(t, http.MethodGet, "/nope", nil)
	require.Equal(http.StatusNotFound, rec.Code)
}

func TestDatasets(t *testing.T) {
	require := require.New(t)
	app := newTestApp(t)

	rec := app.do(t, http.MethodGet, "/api/datasets", nil)
	require.Equal(http.StatusOK, rec.Code)

	var resp datasetsResponse
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal([]string{runKey}, resp.Datasets)

	rec = app.do(t, http.MethodGet, "/api/colormaps", nil)
	require.Equal(http.StatusOK, rec.Code)
	require.JSONEq(`["coolwarm","turbo","viridis"]`, rec.Body.String())

	rec = app.do(t, http.MethodGet, "/api/colorbar/viridis.png?w=10&h=100", nil)
	require.Equal(http.StatusOK, rec.Code)
	require.Equal("image/png", rec.Header().Get("Content-Type"))

	rec = app.do(t, http.MethodGet, "/api/colorbar/jet.png", nil)
	require.Equal(http.StatusBadRequest, rec.Code)
}

func TestSessionFlow(t *testing.T) {
	require := require.New(t)
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(http.StatusCreated, rec.Code)
	state := decodeState(t, rec)
	require.Equal([]string{"", runKey}, state.Sidebar.DatasetFile.Options)
	require.Equal(ui.ChooseFile, state.Main.Alerts[0])

	base := "/api/sessions/" + state.Session

	rec = app.do(t, http.MethodPost, base+"/dataset", map[string]string{"value": "global-v1/other.zarr"})
	require.Equal(http.StatusBadRequest, rec.Code)

	rec = app.do(t, http.MethodPost, base+"/dataset", map[string]string{"value": runKey})
	require.Equal(http.StatusOK, rec.Code)
	state = decodeState(t, rec)
	require.Equal("elev_max", state.Sidebar.Variable.Value)

	rec = app.do(t, http.MethodPost, base+"/variable", map[string]string{"value": "elev"})
	require.Equal(http.StatusOK, rec.Code)
	state = decodeState(t, rec)
	require.Len(state.Sidebar.Time.Options, 3)

	rec = app.do(t, http.MethodGet, base+"/value?lon=15&lat=38", nil)
	require.Equal(http.StatusConflict, rec.Code)

	rec = app.do(t, http.MethodPost, base+"/ts_variable", map[string]string{"value": "elev"})
	require.Equal(http.StatusOK, rec.Code)
	rec = app.do(t, http.MethodPost, base+"/show_mesh", map[string]bool{"value": true})
	require.Equal(http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodPost, base+"/render", nil)
	require.Equal(http.StatusOK, rec.Code)
	state = decodeState(t, rec)
	require.Equal(ui.MainPlot, state.Main.Kind)
	plot := state.Main.Plot
	require.NotNil(plot)
	require.Equal(runKey, state.Main.MeshDataset)

	x, y, _, _ := render.TileRange(5, plot.Bounds)
	tilePath := "/tiles/" + plot.ID + "/5/" + strconv.Itoa(x) + "/" + strconv.Itoa(y) + ".png"
	rec = app.do(t, http.MethodGet, tilePath, nil, "Accept-Encoding", "br")
	require.Equal(http.StatusOK, rec.Code)
	require.Equal("image/png", rec.Header().Get("Content-Type"))
	require.Empty(rec.Header().Get("Content-Encoding"))

	rec = app.do(t, http.MethodGet, "/wireframe/5/"+strconv.Itoa(x)+"/"+strconv.Itoa(y)+".png?dataset="+runKey, nil)
	require.Equal(http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodGet, "/wireframe/5/0/0.png", nil)
	require.Equal(http.StatusBadRequest, rec.Code)

	rec = app.do(t, http.MethodGet, "/tiles/unknown/5/0/0.png", nil)
	require.Equal(http.StatusNotFound, rec.Code)

	rec = app.do(t, http.MethodGet, base+"/value?lon=15&lat=38", nil)
	require.Equal(http.StatusOK, rec.Code)
	var value valueResponse
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &value))
	require.NotNil(value.Value)

	rec = app.do(t, http.MethodGet, base+"/value?lon=east&lat=38", nil)
	require.Equal(http.StatusBadRequest, rec.Code)

	rec = app.do(t, http.MethodGet, base+"/timeseries?lon=15&lat=38", nil)
	require.Equal(http.StatusOK, rec.Code)
	var ts engine.Timeseries
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &ts))
	require.Len(ts.Values, 3)

	rec = app.do(t, http.MethodPost, base+"/view", map[string]float64{"west": 0, "south": 35, "east": 10, "north": 40})
	require.Equal(http.StatusNoContent, rec.Code)

	rec = app.do(t, http.MethodPost, base+"/colorbar", map[string]float64{"min": 0, "max": 2})
	require.Equal(http.StatusOK, rec.Code)
	state = decodeState(t, rec)
	require.Equal(2.0, state.Main.Plot.Clim.Max)
	require.NotEqual(plot.ID, state.Main.Plot.ID)

	rec = app.do(t, http.MethodPost, base+"/colorbar", map[string]float64{"min": 2, "max": 0})
	require.Equal(http.StatusBadRequest, rec.Code)

	rec = app.do(t, http.MethodDelete, base+"/colorbar", nil)
	require.Equal(http.StatusOK, rec.Code)
	require.Nil(decodeState(t, rec).Main.Colorbar.Min)

	rec = app.do(t, http.MethodPost, base+"/keep_zoom", map[string]string{"value": "yes"})
	require.Equal(http.StatusBadRequest, rec.Code)

	rec = app.do(t, http.MethodDelete, base, nil)
	require.Equal(http.StatusNoContent, rec.Code)
	rec = app.do(t, http.MethodGet, base, nil)
	require.Equal(http.StatusNotFound, rec.Code)
}

func TestAdmin(t *testing.T) {
	require := require.New(t)
	app := newTestApp(t)

	bearer := func(tkn string) []string { return []string{"Authorization", "Bearer " + tkn} }

	rec := app.do(t, http.MethodPost, "/api/admin/catalog/refresh", nil)
	require.Equal(http.StatusUnauthorized, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/admin/catalog/refresh", nil, bearer(app.viewer)...)
	require.Equal(http.StatusForbidden, rec.Code)

	rec = app.do(t, http.MethodGet, "/api/admin/catalog", nil, bearer(app.viewer)...)
	require.Equal(http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/admin/catalog/refresh", nil, bearer(app.operator)...)
	require.Equal(http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodGet, "/api/admin/cache", nil, bearer(app.viewer)...)
	require.Equal(http.StatusOK, rec.Code)
	var stats map[string]uint64
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Contains(stats, engine.CacheTiles)

	rec = app.do(t, http.MethodDelete, "/api/admin/cache/tiles", nil, bearer(app.operator)...)
	require.Equal(http.StatusNoContent, rec.Code)

	rec = app.do(t, http.MethodDelete, "/api/admin/cache/datasets", nil, bearer(app.operator)...)
	require.Equal(http.StatusForbidden, rec.Code)

	rec = app.do(t, http.MethodDelete, "/api/admin/cache/tiles", nil, bearer(app.viewer)...)
	require.Equal(http.StatusForbidden, rec.Code)
}

func TestEvents(t *testing.T) {
	require := require.New(t)
	app := newTestApp(t)

	srv := httptest.NewServer(app.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", nil)
	require.NoError(err)
	var state ui.State
	require.NoError(json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + state.Session + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(err)
	defer conn.Close()

	require.NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	var initial ui.State
	require.NoError(conn.ReadJSON(&initial))
	require.Equal(state.Session, initial.Session)

	body := strings.NewReader(`{"value": "` + runKey + `"}`)
	resp, err = http.Post(srv.URL+"/api/sessions/"+state.Session+"/dataset", "application/json", body)
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	// intermediate states may be pushed before the final one
	var update ui.State
	for update.Sidebar.Variable.Value != "elev_max" {
		require.NoError(conn.ReadJSON(&update))
		require.Greater(update.Version, initial.Version)
	}
	require.Equal(runKey, update.Sidebar.DatasetFile.Value)
}
