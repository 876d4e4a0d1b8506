package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"petmarket/internal/reconciler"
	"petmarket/internal/session"
	"petmarket/pkg/requestcontext"
)

const defaultStreamWriteTimeout = 10 * time.Second

const (
	messageSnapshot = "snapshot"
	messageAsset    = "asset"
	messageIdentity = "identity"
)

type streamConfig struct {
	originPatterns []string
	writeTimeout   time.Duration
}

// streamMessage is one websocket frame. Exactly one payload field is set,
// matching Type.
type streamMessage struct {
	Type     string            `json:"type"`
	Assets   []reconciler.View `json:"assets,omitempty"`
	Asset    *reconciler.View  `json:"asset,omitempty"`
	Identity *session.Identity `json:"identity,omitempty"`
}

// HandleStream handles GET /assets/stream. The client receives a snapshot of
// every asset, then each view change and each identity change as they
// happen. A client that falls behind may miss intermediate views but always
// receives the latest one.
func (h *AssetHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.stream.originPatterns})
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed",
			"request_id", requestcontext.RequestID(r.Context()), "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// clients never send; CloseRead surfaces their close frame as ctx cancellation
	ctx := conn.CloseRead(r.Context())
	if err := h.streamViews(ctx, conn); err != nil {
		if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
			h.logger.WarnContext(r.Context(), "asset stream ended",
				"request_id", requestcontext.RequestID(r.Context()), "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *AssetHandler) streamViews(ctx context.Context, conn *websocket.Conn) error {
	// subscribe before the snapshot so no change falls between the two
	changes, stopChanges := h.board.Changes()
	defer stopChanges()
	identities, stopIdentities := h.sessions.Subscribe()
	defer stopIdentities()

	if err := h.send(ctx, conn, streamMessage{Type: messageSnapshot, Assets: h.board.Views()}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-changes:
			if !ok {
				return nil
			}
			if err := h.send(ctx, conn, streamMessage{Type: messageAsset, Asset: &v}); err != nil {
				return err
			}
		case id, ok := <-identities:
			if !ok {
				return nil
			}
			if err := h.send(ctx, conn, streamMessage{Type: messageIdentity, Identity: &id}); err != nil {
				return err
			}
		}
	}
}

func (h *AssetHandler) send(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, h.stream.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
