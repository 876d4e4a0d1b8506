package httptransport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"petmarket/internal/ledger"
	"petmarket/internal/session"
	"petmarket/internal/session/provider"
	"petmarket/internal/transport/http/mocks"
	"petmarket/pkg/domain"
	"petmarket/pkg/platform/httputil"
	"petmarket/pkg/testutil"
)

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks
type SessionHandlerSuite struct {
	suite.Suite
}

func TestSessionHandlerSuite(t *testing.T) {
	suite.Run(t, new(SessionHandlerSuite))
}

var alice = domain.MustAddress("0x01cf0e2f2f715450")

func (s *SessionHandlerSuite) newHandler(t *testing.T) (*mocks.MockSessionService, *mocks.MockCallbackVerifier, *chi.Mux) {
	t.Helper()
	ctrl := gomock.NewController(t)
	sessions := mocks.NewMockSessionService(ctrl)
	callback := mocks.NewMockCallbackVerifier(ctrl)
	r := chi.NewRouter()
	NewSessionHandler(sessions, callback, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	return sessions, callback, r
}

func (s *SessionHandlerSuite) TestCurrent() {
	sessions, _, router := s.newHandler(s.T())
	sessions.EXPECT().Current().Return(session.Identity{Address: alice, Authenticated: true, Activated: true, Version: 4})

	rr := testutil.Do(s.T(), router, http.MethodGet, "/session", "")

	s.Equal(http.StatusOK, rr.Code)
	got := testutil.Decode[session.Identity](s.T(), rr)
	s.Equal(alice, got.Address)
	s.True(got.Activated)
	s.Equal(uint64(4), got.Version)
}

func (s *SessionHandlerSuite) TestLogInAndSignUp() {
	s.T().Run("login returns the wallet url", func(t *testing.T) {
		sessions, _, router := s.newHandler(t)
		sessions.EXPECT().LogIn(gomock.Any()).Return("https://wallet.example/authn?redirect_uri=x", nil)

		rr := testutil.Do(t, router, http.MethodPost, "/session/login", "")

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "https://wallet.example/authn?redirect_uri=x", testutil.Decode[redirectResponse](t, rr).URL)
	})

	s.T().Run("signup returns the wallet url", func(t *testing.T) {
		sessions, _, router := s.newHandler(t)
		sessions.EXPECT().SignUp(gomock.Any()).Return("https://wallet.example/signup", nil)

		rr := testutil.Do(t, router, http.MethodPost, "/session/signup", "")

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "https://wallet.example/signup", testutil.Decode[redirectResponse](t, rr).URL)
	})

	s.T().Run("provider failure is internal", func(t *testing.T) {
		sessions, _, router := s.newHandler(t)
		sessions.EXPECT().LogIn(gomock.Any()).Return("", errors.New("wallet discovery down"))

		rr := testutil.Do(t, router, http.MethodPost, "/session/login", "")

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		body := testutil.Decode[map[string]string](t, rr)
		assert.Equal(t, httputil.CodeInternal, body["error"])
		assert.NotContains(t, body, "error_description")
	})
}

func (s *SessionHandlerSuite) TestCallback() {
	s.T().Run("valid token signs in - 202", func(t *testing.T) {
		_, callback, router := s.newHandler(t)
		callback.EXPECT().Complete(gomock.Any(), "signed.jwt.token").
			Return(session.Identity{Address: alice, Authenticated: true}, nil)

		rr := testutil.Do(t, router, http.MethodPost, "/session/callback", `{"token":"signed.jwt.token"}`)

		assert.Equal(t, http.StatusAccepted, rr.Code)
		got := testutil.Decode[callbackResponse](t, rr)
		assert.Equal(t, alice, got.Address)
		assert.True(t, got.Authenticated)
	})

	s.T().Run("rejected token - 401", func(t *testing.T) {
		_, callback, router := s.newHandler(t)
		callback.EXPECT().Complete(gomock.Any(), "expired").
			Return(session.Identity{}, fmt.Errorf("%w: token has expired", provider.ErrInvalidToken))

		rr := testutil.Do(t, router, http.MethodPost, "/session/callback", `{"token":"expired"}`)

		testutil.AssertError(t, rr, http.StatusUnauthorized, httputil.CodeUnauthorized)
	})

	s.T().Run("missing token - 400", func(t *testing.T) {
		_, callback, router := s.newHandler(t)
		callback.EXPECT().Complete(gomock.Any(), gomock.Any()).Times(0)

		rr := testutil.Do(t, router, http.MethodPost, "/session/callback", `{}`)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	s.T().Run("malformed body - 400", func(t *testing.T) {
		_, callback, router := s.newHandler(t)
		callback.EXPECT().Complete(gomock.Any(), gomock.Any()).Times(0)

		rr := testutil.Do(t, router, http.MethodPost, "/session/callback", `{bad-json`)

		testutil.AssertError(t, rr, http.StatusBadRequest, httputil.CodeBadRequest)
	})
}

func (s *SessionHandlerSuite) TestLogOut() {
	sessions, _, router := s.newHandler(s.T())
	sessions.EXPECT().LogOut(gomock.Any()).Return(nil)

	rr := testutil.Do(s.T(), router, http.MethodPost, "/session/logout", "")

	s.Equal(http.StatusNoContent, rr.Code)
}

func (s *SessionHandlerSuite) TestActivate() {
	s.T().Run("activated identity - 200", func(t *testing.T) {
		sessions, _, router := s.newHandler(t)
		sessions.EXPECT().ActivateAccount(gomock.Any()).
			Return(session.Identity{Address: alice, Authenticated: true, Activated: true, Version: 3}, nil)

		rr := testutil.Do(t, router, http.MethodPost, "/session/activate", "")

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, testutil.Decode[session.Identity](t, rr).Activated)
	})

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not signed in", session.ErrNotAuthenticated, http.StatusUnauthorized, httputil.CodeUnauthorized},
		{"already activating", session.ErrActivationInFlight, http.StatusConflict, httputil.CodeConflict},
		{
			"ledger unreachable",
			fmt.Errorf("activate account %s: %w", alice, ledger.NewError(ledger.KindTransport, "submit", "connection refused", nil)),
			http.StatusServiceUnavailable, httputil.CodeUnavailable,
		},
		{
			"transaction rejected",
			fmt.Errorf("activate account %s: %w", alice, ledger.NewError(ledger.KindRejected, "settle", "receiver already linked", nil)),
			http.StatusUnprocessableEntity, httputil.CodeInvalidState,
		},
	}
	for _, tc := range cases {
		s.T().Run(tc.name, func(t *testing.T) {
			sessions, _, router := s.newHandler(t)
			sessions.EXPECT().ActivateAccount(gomock.Any()).Return(session.Identity{Address: alice, Authenticated: true}, tc.err)

			rr := testutil.Do(t, router, http.MethodPost, "/session/activate", "")

			testutil.AssertError(t, rr, tc.status, tc.code)
		})
	}
}
