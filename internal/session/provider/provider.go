// Package provider implements session.Provider for a wallet discovery service
// that redirects back with an HS256-signed identity token.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"petmarket/internal/session"
	"petmarket/pkg/domain"
)

var ErrInvalidToken = errors.New("invalid identity token")

// Claims carried by the wallet's identity token.
type Claims struct {
	Address string `json:"addr"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret      []byte
	Issuer      string
	LoginURL    string
	SignUpURL   string
	CallbackURL string
}

// Provider holds the single identity this process serves and notifies
// subscribers whenever it changes.
type Provider struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// deliver is held while subscribers are notified, so they see
	// identities in the order they were set.
	deliver sync.Mutex

	mu      sync.Mutex
	current session.Identity
	subs    map[int]func(session.Identity)
	nextSub int
}

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

func New(cfg Config, opts ...Option) (*Provider, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("session secret is required")
	}
	for name, raw := range map[string]string{"login": cfg.LoginURL, "signup": cfg.SignUpURL, "callback": cfg.CallbackURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("invalid %s url %q: %w", name, raw, err)
		}
	}
	p := &Provider{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		subs:   make(map[int]func(session.Identity)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Subscribe calls fn with the current identity right away and after every change.
func (p *Provider) Subscribe(fn func(session.Identity)) func() {
	p.deliver.Lock()
	defer p.deliver.Unlock()

	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	current := p.current
	p.mu.Unlock()

	fn(current)

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

func (p *Provider) LogIn(context.Context) (string, error) {
	return p.redirect(p.cfg.LoginURL)
}

func (p *Provider) SignUp(context.Context) (string, error) {
	return p.redirect(p.cfg.SignUpURL)
}

func (p *Provider) LogOut(ctx context.Context) error {
	p.set(ctx, session.Identity{})
	return nil
}

// Complete verifies the token the wallet redirected back with and, when
// valid, makes its address the authenticated identity.
func (p *Provider) Complete(ctx context.Context, token string) (session.Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return session.Identity{}, fmt.Errorf("%w: token has expired", ErrInvalidToken)
		}
		return session.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return session.Identity{}, ErrInvalidToken
	}
	addr, err := domain.ParseAddress(claims.Address)
	if err != nil || addr.IsZero() {
		return session.Identity{}, fmt.Errorf("%w: addr claim: %v", ErrInvalidToken, err)
	}

	id := session.Identity{Address: addr, Authenticated: true}
	p.set(ctx, id)
	return id, nil
}

func (p *Provider) set(ctx context.Context, id session.Identity) {
	p.deliver.Lock()
	defer p.deliver.Unlock()

	p.mu.Lock()
	p.current = id
	subs := make([]func(session.Identity), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "wallet identity updated", "authenticated", id.Authenticated, "address", id.Address)
	for _, fn := range subs {
		fn(id)
	}
}

func (p *Provider) redirect(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse wallet url: %w", err)
	}
	q := u.Query()
	q.Set("redirect_uri", p.cfg.CallbackURL)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
