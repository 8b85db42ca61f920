package handlers

import (
	"errors"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"slidegen/internal/domain"
	"slidegen/internal/providers/speech"
)

// StaticAsset serves generated audio stored under the public storage URL.
func (a *App) StaticAsset(w http.ResponseWriter, r *http.Request) {
	if a.Assets == nil {
		a.error(w, http.StatusNotFound, "not_found", "asset storage not configured")
		return
	}
	key := chi.URLParam(r, "*")
	if key == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "asset key required")
		return
	}
	data, err := a.Assets.Download(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidRequest) {
			a.error(w, http.StatusNotFound, "not_found", "asset not found")
			return
		}
		a.serviceError(w, r, err)
		return
	}
	contentType := speech.ContentTypeFor(path.Ext(key))
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
