package httptransport

import (
	"context"

	"petmarket/internal/reconciler"
	"petmarket/internal/session"
	"petmarket/pkg/domain"
)

// SessionService is the session surface the API exposes.
type SessionService interface {
	Current() session.Identity
	Subscribe() (<-chan session.Identity, func())
	LogIn(ctx context.Context) (string, error)
	SignUp(ctx context.Context) (string, error)
	LogOut(ctx context.Context) error
	ActivateAccount(ctx context.Context) (session.Identity, error)
}

// CallbackVerifier completes a wallet sign-in from the token the wallet
// redirected back with.
type CallbackVerifier interface {
	Complete(ctx context.Context, token string) (session.Identity, error)
}

// Board is the asset surface the API exposes.
type Board interface {
	Views() []reconciler.View
	View(id domain.AssetID) (reconciler.View, error)
	Mint(ctx context.Context, id domain.AssetID) (reconciler.View, error)
	Adopt(ctx context.Context, id domain.AssetID) (reconciler.View, error)
	Release(ctx context.Context, id domain.AssetID) (reconciler.View, error)
	Changes() (<-chan reconciler.View, func())
}
