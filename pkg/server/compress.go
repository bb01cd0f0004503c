package server

import (
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

var compressibleTypes = []string{"application/json", "text/html", "text/css", "application/javascript", "text/javascript"}

type brotliWriter struct {
	http.ResponseWriter
	bw          *brotli.Writer
	wroteHeader bool
}

func (w *brotliWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	contentType := w.Header().Get("Content-Type")
	for _, t := range compressibleTypes {
		if strings.HasPrefix(contentType, t) && status != http.StatusNoContent {
			w.Header().Set("Content-Encoding", "br")
			w.Header().Del("Content-Length")
			w.bw = brotli.NewWriterLevel(w.ResponseWriter, brotli.DefaultCompression)
			break
		}
	}

	w.ResponseWriter.WriteHeader(status)
}

func (w *brotliWriter) Write(data []byte) (int, error) {
	if !w.wroteHeader {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(data))
		}
		w.WriteHeader(http.StatusOK)
	}

	if w.bw != nil {
		return w.bw.Write(data)
	}
	return w.ResponseWriter.Write(data)
}

func (w *brotliWriter) Close() error {
	if w.bw != nil {
		return w.bw.Close()
	}
	return nil
}

// compressMiddleware brotli-compresses JSON, HTML, CSS and JavaScript responses for
// clients that accept it
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") || r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Add("Vary", "Accept-Encoding")
		bw := &brotliWriter{ResponseWriter: w}
		defer bw.Close()

		next.ServeHTTP(bw, r)
	})
}
