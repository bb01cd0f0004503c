package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pmav99/thalassa-server/pkg/auth"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

func (t *thalassa) catalogBag() auth.CatalogBag {
	return auth.CatalogBag{Backend: t.Cfg.Storage.Backend}
}

func (t *thalassa) adminCatalog(w http.ResponseWriter, r *http.Request) {
	if err := auth.CheckPermission(r.Context(), auth.PermViewCatalog, t.catalogBag()); err != nil {
		t.handleError(w, r, err)
		return
	}

	t.listDatasets(w, r)
}

func (t *thalassa) adminRefreshCatalog(w http.ResponseWriter, r *http.Request) {
	if err := auth.CheckPermission(r.Context(), auth.PermRefreshCatalog, t.catalogBag()); err != nil {
		t.handleError(w, r, err)
		return
	}

	user, _ := auth.GetUser(r.Context())
	srvlog.Log(r.Context()).Info().Str("token", user.GetUserName()).Msg("Catalog refresh requested")

	if _, err := t.Catalog.Refresh(r.Context()); err != nil {
		t.handleError(w, r, err)
		return
	}

	t.listDatasets(w, r)
}

func (t *thalassa) adminCacheStats(w http.ResponseWriter, r *http.Request) {
	if err := auth.CheckPermission(r.Context(), auth.PermViewCache, auth.CacheBag{}); err != nil {
		t.handleError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, t.Engine.Stats())
}

func (t *thalassa) adminPurgeCache(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["cache"]
	if err := auth.CheckPermission(r.Context(), auth.PermPurgeCache, auth.CacheBag{Cache: name}); err != nil {
		t.handleError(w, r, err)
		return
	}

	if err := t.Engine.Purge(name); err != nil {
		t.handleError(w, r, err)
		return
	}

	user, _ := auth.GetUser(r.Context())
	srvlog.Log(r.Context()).Info().Str("token", user.GetUserName()).Str("cache", name).Msg("Cache purged")
	w.WriteHeader(http.StatusNoContent)
}
