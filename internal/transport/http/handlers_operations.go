package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"petmarket/internal/journal"
	"petmarket/pkg/platform/httputil"
	"petmarket/pkg/requestcontext"
)

const (
	defaultOperationsLimit = 50
	maxOperationsLimit     = 1000
)

type operationsResponse struct {
	Operations []journal.Entry `json:"operations"`
}

// OperationsHandler lists the journal of writes this process submitted.
type OperationsHandler struct {
	store  journal.Store
	logger *slog.Logger
}

func NewOperationsHandler(store journal.Store, logger *slog.Logger) *OperationsHandler {
	return &OperationsHandler{store: store, logger: logger}
}

func (h *OperationsHandler) Register(r chi.Router) {
	r.Get("/operations", h.HandleList)
}

// HandleList handles GET /operations?limit=N, newest first.
func (h *OperationsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := httputil.QueryInt(r, "limit", defaultOperationsLimit, maxOperationsLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.store.List(ctx, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "list operations failed",
			"request_id", requestcontext.RequestID(ctx), "error", err)
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, operationsResponse{Operations: entries})
}
