// Package staticassets serves the built web UI bundle from disk. It is a
// deliberately thin stand-in for the real workbench asset pipeline: one
// http.FileServer rooted at a configured directory, with a JSON 404 on
// misses instead of the bare-text default.
package staticassets

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
)

// Handler serves files under Root. A zero-value Handler (empty Root)
// answers every request with 404, which is the correct behavior when
// DEVAGENT_WEBUI_ROOT is unset.
type Handler struct {
	Root string

	fileServer http.Handler
}

// New constructs a Handler rooted at root. root may be empty.
func New(root string) *Handler {
	h := &Handler{Root: root}
	if root != "" {
		h.fileServer = http.FileServer(http.Dir(root))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.fileServer == nil {
		notFound(w)
		return
	}

	full := filepath.Join(h.Root, filepath.Clean(r.URL.Path))
	info, err := os.Stat(full)
	if err != nil {
		notFound(w)
		return
	}
	if info.IsDir() {
		if _, err := os.Stat(filepath.Join(full, "index.html")); err != nil {
			// No index.html to serve; never expose a directory listing.
			notFound(w)
			return
		}
	}

	h.fileServer.ServeHTTP(w, r)
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: "Not found"})
}
