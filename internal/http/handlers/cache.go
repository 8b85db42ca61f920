package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *App) InvalidateLessonCache(w http.ResponseWriter, r *http.Request) {
	lessonID := chi.URLParam(r, "lesson_id")
	removed, err := a.Generation.InvalidateLesson(r.Context(), lessonID)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"lesson_id": lessonID, "invalidated": removed})
}

func (a *App) ClearSlideCache(w http.ResponseWriter, r *http.Request) {
	if err := a.Generation.ClearAll(r.Context()); err != nil {
		a.serviceError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"cleared": true})
}

func (a *App) SlideCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Generation.Stats(r.Context())
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, stats)
}
