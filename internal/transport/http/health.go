package httptransport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"petmarket/pkg/platform/httputil"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck reports whether one backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// OpsHandler serves liveness and Prometheus metrics.
type OpsHandler struct {
	gatherer prometheus.Gatherer
	mu       sync.Mutex
	checks   map[string]HealthCheck
}

func NewOpsHandler(gatherer prometheus.Gatherer) *OpsHandler {
	return &OpsHandler{gatherer: gatherer, checks: make(map[string]HealthCheck)}
}

// AddCheck registers a named dependency check for /healthz.
func (h *OpsHandler) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *OpsHandler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// HandleHealth handles GET /healthz. Any failing check turns the response
// into a 503 naming it.
func (h *OpsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
	status := http.StatusOK
	for name, check := range checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	httputil.WriteJSON(w, status, resp)
}
