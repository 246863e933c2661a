package ingest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// DefaultUploadPath is where the stub accepts uploads
const DefaultUploadPath = "/api/upload"

// Routes mounts the upload endpoint at uploadPath plus /stats and /health
func (h *Handler) Routes(uploadPath string) chi.Router {
	if uploadPath == "" {
		uploadPath = DefaultUploadPath
	}

	r := chi.NewRouter()
	r.Post(uploadPath, h.Upload)
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.GetStats())
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	return r
}
