package httptransport

import (
	"errors"
	"net/http"

	"petmarket/internal/ledger"
	"petmarket/internal/session"
	"petmarket/internal/session/provider"
	"petmarket/pkg/platform/httputil"
)

// writeError renders err, first translating session and ledger failures the
// shared sentinel mapping does not know about.
func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, translate(err))
}

func translate(err error) error {
	if errors.Is(err, session.ErrNotAuthenticated) {
		return httputil.Unauthorized("sign in with a wallet first")
	}
	if errors.Is(err, provider.ErrInvalidToken) {
		return &httputil.Error{Status: http.StatusUnauthorized, Code: httputil.CodeUnauthorized, Message: "identity token rejected", Err: err}
	}
	var le *ledger.Error
	if !errors.As(err, &le) {
		return err
	}
	switch le.Kind {
	case ledger.KindTransport, ledger.KindTimeout:
		return &httputil.Error{Status: http.StatusServiceUnavailable, Code: httputil.CodeUnavailable, Message: "ledger unavailable", Err: err}
	case ledger.KindRejected:
		return &httputil.Error{Status: http.StatusUnprocessableEntity, Code: httputil.CodeInvalidState, Message: le.Message, Err: err}
	}
	return err
}
