package server

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFiles embed.FS

var indexTmpl = template.Must(template.ParseFS(staticFiles, "static/index.html"))

type indexParams struct {
	Title   string
	MaxZoom int
}

func staticHandler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

func (t *thalassa) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTmpl.Execute(w, indexParams{
		Title:   "Seareport Server",
		MaxZoom: t.Cfg.Render.MaxZoom,
	})
	if err != nil {
		t.handleError(w, r, err)
	}
}
