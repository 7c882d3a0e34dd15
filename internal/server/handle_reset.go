package server

import (
	"log/slog"
	"net/http"
)

func handleResetCache(logger *slog.Logger, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Gateway.ClearCache()
		logger.Info("gateway cache cleared by operator")
		writeJSON(w, http.StatusOK, map[string]string{"status": "cache cleared"})
	}
}

func handleResetBreakers(logger *slog.Logger, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Gateway.ResetBreakers()
		logger.Info("circuit breakers reset by operator")
		writeJSON(w, http.StatusOK, map[string]string{"status": "breakers reset"})
	}
}

func handleReconnect(logger *slog.Logger, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Stabilizer.ForceReconnect()
		logger.Info("realtime reconnect forced by operator")
		writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
	}
}
