package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/playperu/trailguide/internal/gateway"
	"github.com/playperu/trailguide/internal/realtime"
)

// StatusResponse is the full agent introspection snapshot.
type StatusResponse struct {
	Gateway    gateway.Stats   `json:"gateway"`
	Realtime   realtime.Status `json:"realtime"`
	Validating bool            `json:"validating"`
	LastFixAge *float64        `json:"lastFixAgeSeconds,omitempty"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Gateway:    deps.Gateway.Stats(),
			Realtime:   deps.Stabilizer.Status(),
			Validating: deps.Validator.Validating(),
		}
		if fix, ok := deps.Geo.LastFix(); ok {
			age := time.Since(fix.CapturedAt).Seconds()
			resp.LastFixAge = &age
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleAttempts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		attempts, err := deps.Journal.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, attempts)
	}
}
