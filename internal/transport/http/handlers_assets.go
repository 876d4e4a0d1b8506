package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"petmarket/internal/reconciler"
	"petmarket/pkg/domain"
	"petmarket/pkg/platform/httputil"
	"petmarket/pkg/requestcontext"
)

type assetsResponse struct {
	Assets []reconciler.View `json:"assets"`
}

// AssetHandler exposes the asset board: snapshots, writes and the live stream.
type AssetHandler struct {
	board    Board
	sessions SessionService
	logger   *slog.Logger
	stream   streamConfig
}

type AssetOption func(*AssetHandler)

// WithAllowedOrigins sets the origin patterns accepted on the websocket stream.
func WithAllowedOrigins(patterns ...string) AssetOption {
	return func(h *AssetHandler) {
		h.stream.originPatterns = patterns
	}
}

// WithStreamWriteTimeout bounds a single websocket message write.
func WithStreamWriteTimeout(d time.Duration) AssetOption {
	return func(h *AssetHandler) {
		if d > 0 {
			h.stream.writeTimeout = d
		}
	}
}

func NewAssetHandler(board Board, sessions SessionService, logger *slog.Logger, opts ...AssetOption) *AssetHandler {
	h := &AssetHandler{
		board:    board,
		sessions: sessions,
		logger:   logger,
		stream:   streamConfig{writeTimeout: defaultStreamWriteTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the asset endpoints on the router.
func (h *AssetHandler) Register(r chi.Router) {
	r.Route("/assets", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/stream", h.HandleStream)
		r.Get("/{id}", h.HandleGet)
		r.Post("/{id}/mint", h.write(reconciler.OpMint, h.board.Mint))
		r.Post("/{id}/adopt", h.write(reconciler.OpAdopt, h.board.Adopt))
		r.Post("/{id}/release", h.write(reconciler.OpRelease, h.board.Release))
	})
}

// HandleList handles GET /assets.
func (h *AssetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, assetsResponse{Assets: h.board.Views()})
}

// HandleGet handles GET /assets/{id}.
func (h *AssetHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := assetID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := h.board.View(id)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

// write returns once the board has accepted the operation. The response
// carries the in-flight view; completion is observed on GET or the stream.
func (h *AssetHandler) write(op reconciler.Op, submit func(context.Context, domain.AssetID) (reconciler.View, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := assetID(r)
		if err != nil {
			writeError(w, err)
			return
		}

		v, err := submit(ctx, id)
		if err != nil {
			h.logger.InfoContext(ctx, "asset write rejected",
				"request_id", requestcontext.RequestID(ctx),
				"asset_id", id,
				"op", op,
				"error", err,
			)
			writeError(w, err)
			return
		}

		h.logger.InfoContext(ctx, "asset write accepted",
			"request_id", requestcontext.RequestID(ctx),
			"asset_id", id,
			"op", op,
			"state", v.State,
		)
		httputil.WriteJSON(w, http.StatusAccepted, v)
	}
}

func assetID(r *http.Request) (domain.AssetID, error) {
	id, err := domain.ParseAssetID(chi.URLParam(r, "id"))
	if err != nil {
		return "", httputil.BadRequest(err.Error())
	}
	return id, nil
}

var _ Board = (*reconciler.Board)(nil)
