package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"slidegen/internal/domain"
	"slidegen/internal/generation"
	"slidegen/internal/infra"
	"slidegen/internal/middleware"
	"slidegen/internal/notify"
)

// AssetSource serves stored audio back to clients.
type AssetSource interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// App carries the dependencies of the HTTP handlers.
type App struct {
	Config        *infra.Config
	Logger        zerolog.Logger
	Generation    *generation.Service
	Hub           *notify.Hub
	Assets        AssetSource
	Store         domain.JobStore
	CountryLookup middleware.CountryLookup
	JWTSecret     string
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, errorResponse{Error: code, Message: message})
}

// serviceError maps domain errors to HTTP responses.
func (a *App) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, context.Canceled):
		a.error(w, http.StatusServiceUnavailable, "unavailable", "request cancelled")
	default:
		a.Logger.Error().
			Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
