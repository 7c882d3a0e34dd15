package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/playperu/trailguide/internal/geo"
)

// LocationRequest is one device fix pushed into the agent.
type LocationRequest struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters float64  `json:"accuracyMeters"`
	CapturedAt     string   `json:"capturedAt,omitempty"`
	HeadingDegrees *float64 `json:"headingDegrees,omitempty"`
	SpeedMps       *float64 `json:"speedMps,omitempty"`
}

func handleLocation(logger *slog.Logger, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LocationRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
			writeError(w, http.StatusBadRequest, "coordinates out of range")
			return
		}

		capturedAt := time.Now()
		if req.CapturedAt != "" {
			t, err := time.Parse(time.RFC3339Nano, req.CapturedAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, "capturedAt must be RFC 3339")
				return
			}
			capturedAt = t
		}

		deps.Provider.Push(geo.Fix{
			Latitude:       req.Latitude,
			Longitude:      req.Longitude,
			AccuracyMeters: req.AccuracyMeters,
			CapturedAt:     capturedAt,
			HeadingDegrees: req.HeadingDegrees,
			SpeedMps:       req.SpeedMps,
		})
		logger.Debug("fix ingested",
			"lat", req.Latitude, "lon", req.Longitude, "accuracy_m", req.AccuracyMeters)

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}
