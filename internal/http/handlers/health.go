package handlers

import (
	"net/http"
)

type degradable interface {
	Degraded() bool
}

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if d, ok := a.Store.(degradable); ok && d.Degraded() {
		status["status"] = "degraded"
		status["job_store"] = "memory"
	}
	a.json(w, http.StatusOK, status)
}
