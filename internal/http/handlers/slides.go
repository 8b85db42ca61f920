package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"slidegen/internal/domain"
	"slidegen/internal/generation"
	"slidegen/internal/middleware"
	"slidegen/internal/notify"
)

const maxGenerateBody = 4 << 20

type generateSlidesRequest struct {
	Slides  []domain.Slide `json:"slides"`
	Options domain.Options `json:"options"`
}

type generateSlidesResponse struct {
	JobID        string           `json:"job_id"`
	Status       domain.JobStatus `json:"status"`
	Result       *domain.Result   `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	Deduplicated bool             `json:"deduplicated,omitempty"`
}

// GenerateSlides admits a deck for generation. Small decks come back
// completed; larger or AI-assisted ones return 202 with a job id to poll.
func (a *App) GenerateSlides(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	lessonID := chi.URLParam(r, "lesson_id")
	if lessonID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "lesson_id required")
		return
	}

	var req generateSlidesRequest
	body := http.MaxBytesReader(w, r.Body, maxGenerateBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if strings.TrimSpace(req.Options.Locale) == "" {
		req.Options.Locale = middleware.LocaleFromContext(r.Context())
	}

	handle, err := a.Generation.Submit(r.Context(), generation.SubmitRequest{
		LessonID: lessonID,
		UserID:   userID,
		Slides:   req.Slides,
		Options:  req.Options,
	})
	if err != nil {
		a.serviceError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if handle.Status.Terminal() {
		status = http.StatusOK
	}
	a.json(w, status, generateSlidesResponse{
		JobID:        handle.ID,
		Status:       handle.Status,
		Result:       handle.Result,
		Error:        handle.Error,
		Deduplicated: handle.Deduplicated,
	})
}

func (a *App) SlideJobStatus(w http.ResponseWriter, r *http.Request) {
	view, ok := a.loadJobForUser(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, view)
}

func (a *App) CancelSlideJob(w http.ResponseWriter, r *http.Request) {
	view, ok := a.loadJobForUser(w, r)
	if !ok {
		return
	}
	cancelled, err := a.Generation.Cancel(r.Context(), view.JobID)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"job_id": view.JobID, "cancelled": cancelled})
}

// SlideJobEvents streams progress events for a job over a websocket.
func (a *App) SlideJobEvents(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if a.Hub == nil {
		a.error(w, http.StatusNotImplemented, "not_implemented", "progress streaming disabled")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	view, err := a.Generation.GetStatus(r.Context(), jobID)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	if view.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.Hub.ServeWS(w, r, view.JobID, func(ctx context.Context) (notify.Event, error) {
		_, evt, err := a.Generation.Snapshot(ctx, view.JobID)
		return evt, err
	})
}

// LessonSlides returns the cached deck of the caller for a lesson.
func (a *App) LessonSlides(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	lessonID := chi.URLParam(r, "lesson_id")
	result, ok, err := a.Generation.LessonResult(r.Context(), lessonID, userID)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "no generated slides for lesson")
		return
	}
	a.json(w, http.StatusOK, result)
}

func (a *App) loadJobForUser(w http.ResponseWriter, r *http.Request) (generation.StatusView, bool) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return generation.StatusView{}, false
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return generation.StatusView{}, false
	}
	view, err := a.Generation.GetStatus(r.Context(), jobID)
	if err != nil {
		a.serviceError(w, r, err)
		return generation.StatusView{}, false
	}
	if view.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return generation.StatusView{}, false
	}
	return view, true
}
