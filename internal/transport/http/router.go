// Package httptransport is the JSON API and websocket stream in front of the
// session manager, the asset board and the operation journal. Handlers only
// translate between HTTP and those services.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"petmarket/internal/platform/metrics"
	"petmarket/internal/platform/middleware"
)

// Registrar mounts a group of routes.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter builds the API router with the platform middleware chain.
func NewRouter(logger *slog.Logger, m *metrics.Metrics, handlers ...Registrar) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.Logger(logger, m))

	for _, h := range handlers {
		h.Register(r)
	}
	return r
}
