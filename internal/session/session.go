// Package session tracks the authenticated wallet identity and whether its
// account is activated, i.e. carries the receiver capability needed to hold
// tokens.
//
// The wallet provider is the only source of identity changes. Every change
// re-derives activation with a capability-dependent read; the result is
// published only if no newer identity has arrived in the meantime.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"petmarket/internal/journal"
	"petmarket/internal/ledger"
	"petmarket/pkg/domain"
	"petmarket/pkg/platform/sentinel"
)

var (
	ErrNotAuthenticated   = errors.New("no authenticated identity")
	ErrActivationInFlight = fmt.Errorf("account activation already in progress: %w", sentinel.ErrConflict)
)

// Identity is the current session as seen by the rest of the system.
// Version increases with every change, so consumers can tell a newer identity
// from an older one.
type Identity struct {
	Address       domain.Address `json:"address,omitempty"`
	Authenticated bool           `json:"authenticated"`
	Activated     bool           `json:"activated"`
	Version       uint64         `json:"version"`
}

// Provider is the wallet discovery collaborator. Subscribe delivers the
// provider's identity (Activated and Version are ignored) immediately and on
// every change.
type Provider interface {
	Subscribe(fn func(Identity)) (unsubscribe func())
	LogIn(ctx context.Context) (string, error)
	SignUp(ctx context.Context) (string, error)
	LogOut(ctx context.Context) error
}

// Journal records activation transactions.
type Journal interface {
	Record(ctx context.Context, e journal.Entry)
}

type Manager struct {
	provider Provider
	ledger   ledger.Client
	logger   *slog.Logger
	journal  Journal
	now      func() time.Time

	mu          sync.Mutex
	ctx         context.Context
	current     Identity
	latest      uint64
	activating  bool
	subs        map[int]chan Identity
	nextSub     int
	unsubscribe func()
	probes      sync.WaitGroup
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithJournal(j Journal) Option {
	return func(m *Manager) {
		m.journal = j
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func New(provider Provider, client ledger.Client, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		ledger:   client,
		logger:   slog.Default(),
		now:      time.Now,
		ctx:      context.Background(),
		subs:     make(map[int]chan Identity),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start registers with the provider. Activation probes run on ctx; cancel it
// (or call Stop) to shut the manager down.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.mu.Unlock()
		return
	}
	m.ctx = ctx
	m.mu.Unlock()

	unsubscribe := m.provider.Subscribe(m.observe)

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
}

// Stop detaches from the provider, waits for running probes and closes every
// subscription.
func (m *Manager) Stop() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	m.probes.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}

// Current returns the latest published identity.
func (m *Manager) Current() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe returns a channel that receives the current identity and then
// every change. A slow reader only ever sees the newest pending identity.
func (m *Manager) Subscribe() (<-chan Identity, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Identity, 1)
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.current

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}
}

func (m *Manager) LogIn(ctx context.Context) (string, error) {
	url, err := m.provider.LogIn(ctx)
	if err != nil {
		return "", fmt.Errorf("log in: %w", err)
	}
	m.logAudit(ctx, "login_started")
	return url, nil
}

func (m *Manager) SignUp(ctx context.Context) (string, error) {
	url, err := m.provider.SignUp(ctx)
	if err != nil {
		return "", fmt.Errorf("sign up: %w", err)
	}
	m.logAudit(ctx, "signup_started")
	return url, nil
}

// LogOut asks the provider to end the session; the local identity changes
// when the provider reports it.
func (m *Manager) LogOut(ctx context.Context) error {
	addr := m.Current().Address
	if err := m.provider.LogOut(ctx); err != nil {
		return fmt.Errorf("log out: %w", err)
	}
	m.logAudit(ctx, "logout", "address", addr)
	return nil
}

// ActivateAccount installs the receiver capability on the current account.
// Already activated accounts return immediately. Failures leave the identity
// unchanged and are not retried.
func (m *Manager) ActivateAccount(ctx context.Context) (Identity, error) {
	m.mu.Lock()
	cur := m.current
	switch {
	case !cur.Authenticated:
		m.mu.Unlock()
		return cur, ErrNotAuthenticated
	case cur.Activated:
		m.mu.Unlock()
		return cur, nil
	case m.activating:
		m.mu.Unlock()
		return cur, ErrActivationInFlight
	}
	m.activating = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.activating = false
		m.mu.Unlock()
	}()

	// a submitted transaction must not be abandoned because the caller went away
	ctx = context.WithoutCancel(ctx)
	entry := journal.Begin(journal.KindActivate, "", cur.Address, m.now())
	m.record(ctx, entry)

	txID, err := ledger.Settle(ctx, m.ledger, ledger.Transaction{
		Kind:       ledger.TxSetupReceiver,
		Authorizer: cur.Address,
	})
	m.record(ctx, entry.Finish(string(txID), err, m.now()))
	if err != nil {
		m.logAudit(ctx, "activation_failed", "address", cur.Address, "tx_id", txID, "error", err)
		return cur, fmt.Errorf("activate account %s: %w", cur.Address, err)
	}
	m.logAudit(ctx, "account_activated", "address", cur.Address, "tx_id", txID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest != cur.Version {
		// a newer identity arrived; its own probe decides activation
		return m.current, nil
	}
	m.latest++
	next := m.current
	next.Activated = true
	next.Version = m.latest
	m.publishLocked(next)
	return next, nil
}

// observe is the provider callback.
func (m *Manager) observe(raw Identity) {
	m.mu.Lock()
	m.latest++
	id := Identity{
		Address:       raw.Address,
		Authenticated: raw.Authenticated && !raw.Address.IsZero(),
		Version:       m.latest,
	}
	if !id.Authenticated {
		id.Address = ""
		m.publishLocked(id)
		m.mu.Unlock()
		m.logger.Info("identity changed", "authenticated", false, "version", id.Version)
		return
	}
	ctx := m.ctx
	m.probes.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.probes.Done()
		m.derive(ctx, id)
	}()
}

func (m *Manager) derive(ctx context.Context, id Identity) {
	id.Activated = m.probeActivation(ctx, id.Address)

	m.mu.Lock()
	defer m.mu.Unlock()
	if id.Version != m.latest || ctx.Err() != nil {
		m.logger.Debug("discarding stale activation probe",
			"address", id.Address, "version", id.Version, "latest", m.latest)
		return
	}
	m.publishLocked(id)
	m.logger.Info("identity changed",
		"authenticated", true, "address", id.Address, "activated", id.Activated, "version", id.Version)
}

// probeActivation reads the account's token ids. Any failure, not only a
// missing capability, reads as not activated.
func (m *Manager) probeActivation(ctx context.Context, addr domain.Address) bool {
	_, err := m.ledger.RunScript(ctx, ledger.ScriptAccountTokenIDs, ledger.Address(addr))
	if err == nil {
		return true
	}
	if !ledger.IsNotFound(err) {
		m.logger.WarnContext(ctx, "activation probe failed", "address", addr, "error", err)
	}
	return false
}

func (m *Manager) publishLocked(id Identity) {
	m.current = id
	for _, ch := range m.subs {
		select {
		case ch <- id:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- id
		}
	}
}

func (m *Manager) record(ctx context.Context, e journal.Entry) {
	if m.journal != nil {
		m.journal.Record(ctx, e)
	}
}

func (m *Manager) logAudit(ctx context.Context, event string, attributes ...any) {
	args := append(attributes, "event", event, "log_type", "audit")
	m.logger.InfoContext(ctx, event, args...)
}
