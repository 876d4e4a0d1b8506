package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"petmarket/internal/session"
	"petmarket/pkg/domain"
	"petmarket/pkg/platform/httputil"
	"petmarket/pkg/requestcontext"
)

type redirectResponse struct {
	URL string `json:"url"`
}

type callbackRequest struct {
	Token string `json:"token"`
}

type callbackResponse struct {
	Address       domain.Address `json:"address"`
	Authenticated bool           `json:"authenticated"`
}

// SessionHandler exposes sign-in, sign-out and account activation.
type SessionHandler struct {
	sessions SessionService
	callback CallbackVerifier
	logger   *slog.Logger
}

func NewSessionHandler(sessions SessionService, callback CallbackVerifier, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, callback: callback, logger: logger}
}

// Register mounts the session endpoints on the router.
func (h *SessionHandler) Register(r chi.Router) {
	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.HandleCurrent)
		r.Post("/login", h.HandleLogIn)
		r.Post("/signup", h.HandleSignUp)
		r.Post("/callback", h.HandleCallback)
		r.Post("/logout", h.HandleLogOut)
		r.Post("/activate", h.HandleActivate)
	})
}

// HandleCurrent handles GET /session.
func (h *SessionHandler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.sessions.Current())
}

// HandleLogIn handles POST /session/login and returns the wallet URL to
// redirect the user to.
func (h *SessionHandler) HandleLogIn(w http.ResponseWriter, r *http.Request) {
	url, err := h.sessions.LogIn(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "log in failed",
			"request_id", requestcontext.RequestID(r.Context()), "error", err)
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, redirectResponse{URL: url})
}

// HandleSignUp handles POST /session/signup.
func (h *SessionHandler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	url, err := h.sessions.SignUp(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "sign up failed",
			"request_id", requestcontext.RequestID(r.Context()), "error", err)
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, redirectResponse{URL: url})
}

// HandleCallback handles POST /session/callback. Activation is probed in the
// background, so the response only confirms the signed-in address; the
// derived identity follows on GET /session and the asset stream.
func (h *SessionHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[callbackRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Token == "" {
		writeError(w, httputil.BadRequest("token is required"))
		return
	}

	id, err := h.callback.Complete(ctx, req.Token)
	if err != nil {
		h.logger.WarnContext(ctx, "wallet callback rejected",
			"request_id", requestcontext.RequestID(ctx),
			"client_ip", requestcontext.ClientIP(ctx),
			"error", err,
		)
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, callbackResponse{Address: id.Address, Authenticated: id.Authenticated})
}

// HandleLogOut handles POST /session/logout.
func (h *SessionHandler) HandleLogOut(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.LogOut(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "log out failed",
			"request_id", requestcontext.RequestID(r.Context()), "error", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleActivate handles POST /session/activate. It blocks until the
// activation transaction settles.
func (h *SessionHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := h.sessions.ActivateAccount(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "account activation failed",
			"request_id", requestcontext.RequestID(ctx),
			"address", id.Address,
			"error", err,
		)
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, id)
}

var _ SessionService = (*session.Manager)(nil)
