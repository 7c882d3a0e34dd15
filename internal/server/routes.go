package server

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/swaggest/swgui/v5emb"
)

func addRoutes(r chi.Router, logger *slog.Logger, deps Deps) {
	r.Get("/openapi.json", handleOpenAPI())
	r.Mount("/docs", v5emb.New("TrailGuide Agent API", "/openapi.json", "/docs"))
	r.Get("/healthz", handleHealth(logger, deps))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", handleStatus(deps))
		r.Get("/attempts", handleAttempts(deps))
		r.Post("/location", handleLocation(logger, deps))

		// Mutating operator hooks, token-protected.
		r.Group(func(r chi.Router) {
			r.Use(operatorAuthMiddleware(deps.OperatorTokenHash))
			r.Post("/reset/cache", handleResetCache(logger, deps))
			r.Post("/reset/breakers", handleResetBreakers(logger, deps))
			r.Post("/reconnect", handleReconnect(logger, deps))
		})
	})
}
