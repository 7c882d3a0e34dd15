package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthResponse reports per-dependency health.
type HealthResponse struct {
	Journal  string `json:"journal"`
	Realtime string `json:"realtime"`
}

func handleHealth(logger *slog.Logger, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := HealthResponse{Journal: "ok", Realtime: deps.Stabilizer.Status().State}
		status := http.StatusOK

		if err := deps.Journal.Check(ctx); err != nil {
			logger.Error("journal health check failed", "error", err)
			resp.Journal = "error"
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
