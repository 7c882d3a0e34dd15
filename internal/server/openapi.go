package server

import (
	"encoding/json"
	"net/http"

	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"

	"github.com/playperu/trailguide/internal/audit"
)

// ErrorResponse is returned for all error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

func newOpenAPISpec() *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "TrailGuide Agent API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Operator surface of the guide agent: introspection, reset hooks, and location ingest.")

	// GET /healthz
	getHealthz, _ := r.NewOperationContext(http.MethodGet, "/healthz")
	getHealthz.SetSummary("Health check")
	getHealthz.SetDescription("Returns journal and realtime-channel health.")
	getHealthz.AddRespStructure(HealthResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	getHealthz.AddRespStructure(HealthResponse{}, openapi.WithHTTPStatus(http.StatusServiceUnavailable))
	_ = r.AddOperation(getHealthz)

	// GET /api/status
	getStatus, _ := r.NewOperationContext(http.MethodGet, "/api/status")
	getStatus.SetSummary("Agent status")
	getStatus.SetDescription("Gateway cache/breaker stats, realtime connection state, and last fix age.")
	getStatus.AddRespStructure(StatusResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getStatus)

	// GET /api/attempts
	getAttempts, _ := r.NewOperationContext(http.MethodGet, "/api/attempts")
	getAttempts.SetSummary("Recent validation attempts")
	getAttempts.SetDescription("Newest entries from the local validation journal.")
	getAttempts.AddRespStructure([]audit.AttemptRecord{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getAttempts)

	// POST /api/location
	postLocation, _ := r.NewOperationContext(http.MethodPost, "/api/location")
	postLocation.SetSummary("Ingest location fix")
	postLocation.SetDescription("Pushes a device fix into the geo service; step validation runs against the active step.")
	postLocation.AddReqStructure(LocationRequest{})
	postLocation.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusAccepted))
	postLocation.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	_ = r.AddOperation(postLocation)

	// POST /api/reset/cache
	postResetCache, _ := r.NewOperationContext(http.MethodPost, "/api/reset/cache")
	postResetCache.SetSummary("Clear gateway cache")
	postResetCache.SetDescription("Drops every cached read result. Requires operator Bearer token.")
	postResetCache.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK))
	postResetCache.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(postResetCache)

	// POST /api/reset/breakers
	postResetBreakers, _ := r.NewOperationContext(http.MethodPost, "/api/reset/breakers")
	postResetBreakers.SetSummary("Reset circuit breakers")
	postResetBreakers.SetDescription("Closes every breaker and zeroes failure counts. Requires operator Bearer token.")
	postResetBreakers.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK))
	postResetBreakers.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(postResetBreakers)

	// POST /api/reconnect
	postReconnect, _ := r.NewOperationContext(http.MethodPost, "/api/reconnect")
	postReconnect.SetSummary("Force realtime reconnect")
	postReconnect.SetDescription("Tears down the realtime transport and redials. Requires operator Bearer token.")
	postReconnect.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK))
	postReconnect.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(postReconnect)

	return r.Spec
}

func handleOpenAPI() http.HandlerFunc {
	spec := newOpenAPISpec()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(spec)
	}
}
