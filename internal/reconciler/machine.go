package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"petmarket/internal/catalogue"
	"petmarket/internal/journal"
	"petmarket/internal/ledger"
	"petmarket/internal/metadata"
	"petmarket/internal/ownership"
	"petmarket/internal/reconciler/guard"
	"petmarket/internal/reconciler/metrics"
	"petmarket/internal/session"
	"petmarket/pkg/domain"
)

// Deps are the collaborators shared by every asset machine. Guard and
// Journal are optional.
type Deps struct {
	Ownership Ownership
	Ledger    ledger.Submitter
	Metadata  metadata.Store
	Guard     Guard
	Journal   Journal
}

type options struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	observer     func(View)
	concurrency  int
	writeTimeout time.Duration
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithObserver registers fn to receive a view after every change. fn runs
// with the machine locked and must neither block nor call back into it.
func WithObserver(fn func(View)) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// WithWriteTimeout bounds the ledger part of a write: submission,
// settlement and the read-after-write. Zero leaves it to the ledger client.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now, concurrency: defaultResyncConcurrency}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// View is an immutable snapshot of one asset for presentation.
type View struct {
	Asset       domain.AssetID    `json:"asset_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Image       string            `json:"image,omitempty"`
	Attributes  map[string]string `json:"attributes"`
	State       DisplayState      `json:"state"`
	Phase       Phase             `json:"phase"`
	Owner       domain.Address    `json:"owner,omitempty"`
	OwnerHint   string            `json:"owner_hint,omitempty"`
	TokenID     *domain.TokenID   `json:"token_id,omitempty"`
	Actions     Actions           `json:"actions"`
	Error       string            `json:"error,omitempty"`
	Identity    uint64            `json:"identity_version"`
}

// Machine reconciles one catalogue asset with the ledger. Reads and writes
// for the asset are strictly sequential; machines for different assets are
// independent.
type Machine struct {
	desc        catalogue.Descriptor
	marketplace domain.Address
	deps        Deps
	options

	mu       sync.Mutex
	identity session.Identity
	record   ownership.Record
	resolved bool
	token    domain.TokenID
	bound    bool
	phase    Phase
	reading  bool
	epoch    uint64
	lastErr  error
	image    string
	state    DisplayState
	closed   bool
}

func NewMachine(desc catalogue.Descriptor, marketplace domain.Address, deps Deps, opts ...Option) *Machine {
	m := &Machine{
		desc:        desc,
		marketplace: marketplace,
		deps:        deps,
		options:     buildOptions(opts),
		phase:       PhaseIdle,
		state:       StateLoading,
	}
	m.image = m.displayImage()
	return m
}

func (m *Machine) Asset() domain.AssetID { return m.desc.ID }

// View returns the current snapshot.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

// Close detaches the machine. Results of reads and writes still running are
// discarded when they arrive.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Resync re-resolves the ownership record for id. A newer Resync supersedes
// an outstanding one, whose result is dropped. While a write is in flight
// only the identity is taken; the write establishes the record itself.
func (m *Machine) Resync(ctx context.Context, id session.Identity) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.identity = id
	if m.phase != PhaseIdle {
		m.changedLocked()
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	epoch := m.epoch
	m.reading = true
	bound, token := m.bound, m.token
	m.changedLocked()
	m.mu.Unlock()

	rec, found, err := m.resolve(ctx, bound, token)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if epoch != m.epoch {
		m.metrics.IncrementStaleRead()
		m.logger.Debug("discarding stale ownership read",
			"asset_id", m.desc.ID, "identity_version", id.Version)
		return nil
	}
	m.reading = false
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		m.resolved = false
		m.lastErr = err
		m.changedLocked()
		m.logger.Warn("ownership read failed", "asset_id", m.desc.ID, "error", err)
		return err
	}
	if found != nil && !m.bound {
		m.token, m.bound = *found, true
	}
	m.record = rec
	m.resolved = true
	m.lastErr = nil
	m.changedLocked()
	return nil
}

// resolve reads the record. A bound asset asks for its token's owner; an
// unbound one looks for a token carrying its attributes, and found is set
// when one exists.
func (m *Machine) resolve(ctx context.Context, bound bool, token domain.TokenID) (ownership.Record, *domain.TokenID, error) {
	if bound {
		rec, err := m.deps.Ownership.OwnerOf(ctx, token)
		return rec, nil, err
	}
	all, err := m.deps.Ownership.AllTokens(ctx)
	if err != nil {
		return ownership.Record{}, nil, fmt.Errorf("list tokens: %w", err)
	}
	if all.Len() == 0 {
		return ownership.Unminted(), nil, nil
	}
	id, ok, err := m.deps.Ownership.FindByAttributes(ctx, all, m.desc)
	if err != nil {
		return ownership.Record{}, nil, fmt.Errorf("find token: %w", err)
	}
	if !ok {
		return ownership.Unminted(), nil, nil
	}
	rec, err := m.deps.Ownership.OwnerOf(ctx, id)
	if err != nil {
		return ownership.Record{}, nil, err
	}
	if !rec.Minted {
		return rec, nil, nil
	}
	return rec, &id, nil
}

// Mint creates the asset's token in the marketplace account and binds it.
func (m *Machine) Mint(ctx context.Context) error {
	return m.execute(ctx, OpMint)
}

// Adopt transfers the asset from the marketplace to the signed-in user.
func (m *Machine) Adopt(ctx context.Context) error {
	return m.execute(ctx, OpAdopt)
}

// Release returns the asset from the signed-in user to the marketplace.
func (m *Machine) Release(ctx context.Context) error {
	return m.execute(ctx, OpRelease)
}

// Submit admits op synchronously and runs it in the background. The returned
// channel yields the outcome once the write has finished.
func (m *Machine) Submit(ctx context.Context, op Op) (<-chan error, error) {
	w, err := m.begin(op)
	if err != nil {
		m.metrics.IncrementRejected(string(op))
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- m.run(ctx, op, w)
	}()
	return done, nil
}

// write is the state a write was accepted in.
type write struct {
	identity session.Identity
	token    domain.TokenID
}

type outcome struct {
	txID   ledger.TxID
	record ownership.Record
	bind   *domain.TokenID
	docURI string
}

func (m *Machine) admitLocked(op Op) error {
	if m.closed {
		return ErrClosed
	}
	if m.phase != PhaseIdle {
		return &ConcurrentOperationError{Asset: m.desc.ID, Op: op, Pending: string(m.phase)}
	}
	if m.reading {
		return &ConcurrentOperationError{Asset: m.desc.ID, Op: op, Pending: "ownership read"}
	}
	state := m.stateLocked()
	actions := Affordances(state, m.identity)
	if !actions.Allows(op) || (op != OpMint && !m.bound) {
		return &GatingError{Asset: m.desc.ID, Op: op, State: state, Label: actions.Label}
	}
	return nil
}

func (m *Machine) begin(op Op) (write, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admitLocked(op); err != nil {
		return write{}, err
	}
	m.phase = op.phase()
	m.lastErr = nil
	m.changedLocked()
	return write{identity: m.identity, token: m.token}, nil
}

func (m *Machine) execute(ctx context.Context, op Op) error {
	w, err := m.begin(op)
	if err != nil {
		m.metrics.IncrementRejected(string(op))
		return err
	}
	return m.run(ctx, op, w)
}

func (m *Machine) run(ctx context.Context, op Op, w write) error {
	// a submitted transaction runs to completion even if the caller goes away
	ctx = context.WithoutCancel(ctx)
	start := m.now()

	if m.deps.Guard != nil {
		release, err := m.deps.Guard.Acquire(ctx, m.desc.ID, string(op))
		if errors.Is(err, guard.ErrHeld) {
			m.abort(nil)
			m.metrics.IncrementRejected(string(op))
			return &ConcurrentOperationError{Asset: m.desc.ID, Op: op, Pending: "write by another replica"}
		}
		if err != nil {
			opErr := &OperationError{Asset: m.desc.ID, Op: op, Err: fmt.Errorf("acquire write guard: %w", err)}
			m.abort(opErr)
			m.metrics.ObserveWrite(string(op), "failed", m.now().Sub(start))
			return opErr
		}
		defer release()
	}

	entry := journal.Begin(journalKind(op), m.desc.ID, w.identity.Address, start)
	if op != OpMint {
		entry = entry.WithToken(w.token)
	}
	m.journal(ctx, entry)

	out, err := m.dispatch(ctx, op, w)
	if out.bind != nil {
		entry = entry.WithToken(*out.bind)
	}
	m.journal(ctx, entry.Finish(string(out.txID), err, m.now()))

	if err != nil {
		if IsConsistency(err) {
			m.metrics.IncrementConsistencyError()
		}
		opErr := &OperationError{Asset: m.desc.ID, Op: op, TxID: out.txID, Err: err}
		m.abort(opErr)
		m.metrics.ObserveWrite(string(op), "failed", m.now().Sub(start))
		m.logAudit(ctx, "asset_"+string(op)+"_failed",
			"asset_id", m.desc.ID, "address", w.identity.Address, "tx_id", out.txID, "error", err)
		return opErr
	}

	m.mu.Lock()
	if !m.closed {
		m.phase = PhaseIdle
		m.record = out.record
		m.resolved = true
		if out.bind != nil && !m.bound {
			m.token, m.bound = *out.bind, true
		}
		m.changedLocked()
	}
	token := m.token
	m.mu.Unlock()

	m.metrics.ObserveWrite(string(op), "settled", m.now().Sub(start))
	m.logAudit(ctx, auditEvent(op),
		"asset_id", m.desc.ID, "address", w.identity.Address, "token_id", token, "tx_id", out.txID)

	if out.docURI != "" {
		m.showHostedImage(ctx, out.docURI)
	}
	return nil
}

func (m *Machine) dispatch(ctx context.Context, op Op, w write) (outcome, error) {
	if m.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.writeTimeout)
		defer cancel()
	}
	switch op {
	case OpMint:
		return m.mint(ctx, w)
	case OpAdopt:
		return m.adopt(ctx, w)
	case OpRelease:
		return m.release(ctx, w)
	}
	return outcome{}, fmt.Errorf("unsupported op %q", op)
}

// abort ends a failed write. The record was never touched, so only the phase
// is reset.
func (m *Machine) abort(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.phase = PhaseIdle
	if err != nil {
		m.lastErr = err
	}
	m.changedLocked()
}

// mint snapshots the marketplace's token ids around the mint transaction and
// attributes the difference to the asset, since the transaction does not
// report the id it allocated.
func (m *Machine) mint(ctx context.Context, _ write) (outcome, error) {
	before, err := m.deps.Ownership.TokensOf(ctx, m.marketplace)
	if err != nil {
		return outcome{}, fmt.Errorf("snapshot marketplace tokens: %w", err)
	}

	hosted, err := m.deps.Metadata.Upload(ctx, m.document())
	if err != nil {
		return outcome{}, fmt.Errorf("upload metadata: %w", err)
	}

	txID, err := ledger.Settle(ctx, m.deps.Ledger, ledger.Transaction{
		Kind:       ledger.TxMintToken,
		Args:       []ledger.Arg{ledger.Dictionary(m.desc.Metadata()), ledger.String(hosted.URI)},
		Authorizer: m.marketplace,
	})
	out := outcome{txID: txID}
	if err != nil {
		return out, err
	}

	after, err := m.deps.Ownership.TokensOf(ctx, m.marketplace)
	if err != nil {
		return out, fmt.Errorf("re-query marketplace tokens: %w", err)
	}
	if after.Len() <= before.Len() {
		return out, &ConsistencyError{Asset: m.desc.ID, Before: before, After: after,
			Reason: "marketplace holds no additional token"}
	}

	id, err := m.attribute(ctx, before, after)
	if err != nil {
		return out, err
	}
	out.bind = &id
	out.record = ownership.OwnedBy(m.marketplace)
	out.docURI = hosted.URI
	return out, nil
}

// attribute picks the newly minted token that carries the asset's
// attributes. The highest new id is tried first; ids are assumed to be
// allocated in increasing order, but the match is always confirmed.
func (m *Machine) attribute(ctx context.Context, before, after domain.TokenSet) (domain.TokenID, error) {
	fresh := after.Difference(before)
	candidate, ok := fresh.Max()
	if !ok {
		return 0, &ConsistencyError{Asset: m.desc.ID, Before: before, After: after, Reason: "no new token id"}
	}

	meta, err := m.deps.Ownership.MetadataOf(ctx, candidate)
	switch {
	case err == nil && m.desc.Matches(meta):
		return candidate, nil
	case err != nil && !errors.Is(err, ownership.ErrNoMetadata):
		return 0, fmt.Errorf("read metadata of token %s: %w", candidate, err)
	}

	rest := fresh.Difference(domain.NewTokenSet(candidate))
	if rest.Len() > 0 {
		id, found, err := m.deps.Ownership.FindByAttributes(ctx, rest, m.desc)
		if err != nil {
			return 0, fmt.Errorf("scan new tokens: %w", err)
		}
		if found {
			m.logger.WarnContext(ctx, "highest new token belongs to another asset",
				"asset_id", m.desc.ID, "candidate", candidate, "token_id", id)
			return id, nil
		}
	}
	return 0, &ConsistencyError{Asset: m.desc.ID, Before: before, After: after,
		Reason: "no new token carries the asset's attributes"}
}

func (m *Machine) adopt(ctx context.Context, w write) (outcome, error) {
	txID, err := ledger.Settle(ctx, m.deps.Ledger, ledger.Transaction{
		Kind:       ledger.TxTransferToken,
		Args:       []ledger.Arg{ledger.TokenID(w.token), ledger.Address(w.identity.Address)},
		Authorizer: m.marketplace,
	})
	out := outcome{txID: txID, record: ownership.OwnedBy(w.identity.Address)}
	if err != nil {
		return out, err
	}
	return m.confirm(ctx, w.token, out), nil
}

func (m *Machine) release(ctx context.Context, w write) (outcome, error) {
	txID, err := ledger.Settle(ctx, m.deps.Ledger, ledger.Transaction{
		Kind:       ledger.TxTransferToMarketplace,
		Args:       []ledger.Arg{ledger.TokenID(w.token)},
		Authorizer: w.identity.Address,
	})
	out := outcome{txID: txID, record: ownership.OwnedBy(m.marketplace)}
	if err != nil {
		return out, err
	}
	return m.confirm(ctx, w.token, out), nil
}

// confirm re-reads the owner after a transfer. Only a definite answer
// overrides the holder the transfer implies.
func (m *Machine) confirm(ctx context.Context, token domain.TokenID, out outcome) outcome {
	rec, err := m.deps.Ownership.OwnerOf(ctx, token)
	if err != nil {
		m.logger.DebugContext(ctx, "post-transfer owner read failed", "asset_id", m.desc.ID, "error", err)
		return out
	}
	if !rec.Minted {
		return out
	}
	if rec != out.record {
		m.logger.WarnContext(ctx, "ledger reports a different owner after transfer",
			"asset_id", m.desc.ID, "expected", out.record.Owner, "actual", rec.Owner)
	}
	out.record = rec
	return out
}

// showHostedImage replaces the display image with the one referenced by the
// hosted metadata document. Failures keep the catalogue image.
func (m *Machine) showHostedImage(ctx context.Context, uri string) {
	doc, err := m.deps.Metadata.Fetch(ctx, uri)
	if err != nil {
		m.logger.WarnContext(ctx, "fetch hosted metadata failed", "asset_id", m.desc.ID, "uri", uri, "error", err)
		return
	}
	if doc.Image == "" {
		return
	}
	image, err := m.deps.Metadata.ResolveURI(doc.Image)
	if err != nil {
		m.logger.WarnContext(ctx, "resolve hosted image failed", "asset_id", m.desc.ID, "image", doc.Image, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.image = image
	m.changedLocked()
}

func (m *Machine) document() metadata.Document {
	return metadata.Document{
		Name:        m.desc.Name,
		Description: m.desc.Description,
		Image:       m.desc.Photo,
		Properties:  m.desc.Metadata(),
	}
}

// displayImage prefers the descriptor's hosted uri over its photo.
func (m *Machine) displayImage() string {
	if m.desc.URI != "" && m.deps.Metadata != nil {
		if u, err := m.deps.Metadata.ResolveURI(m.desc.URI); err == nil {
			return u
		}
	}
	return m.desc.Photo
}

func (m *Machine) stateLocked() DisplayState {
	return Derive(Inputs{
		Identity:    m.identity,
		Record:      m.record,
		Resolved:    m.resolved,
		Phase:       m.phase,
		Marketplace: m.marketplace,
	})
}

func (m *Machine) viewLocked() View {
	state := m.stateLocked()
	v := View{
		Asset:       m.desc.ID,
		Name:        m.desc.Name,
		Description: m.desc.Description,
		Image:       m.image,
		Attributes:  maps.Clone(m.desc.Attributes),
		State:       state,
		Phase:       m.phase,
		OwnerHint:   ownerHint(state),
		Actions:     Affordances(state, m.identity),
		Identity:    m.identity.Version,
	}
	if m.resolved && m.record.Minted {
		v.Owner = m.record.Owner
	}
	if m.bound {
		id := m.token
		v.TokenID = &id
	}
	if m.lastErr != nil {
		v.Error = m.lastErr.Error()
	}
	return v
}

func (m *Machine) changedLocked() {
	v := m.viewLocked()
	if v.State != m.state {
		m.state = v.State
		m.metrics.ObserveTransition(string(v.State))
	}
	if m.observer != nil {
		m.observer(v)
	}
}

func (m *Machine) journal(ctx context.Context, e journal.Entry) {
	if m.deps.Journal != nil {
		m.deps.Journal.Record(ctx, e)
	}
}

func (m *Machine) logAudit(ctx context.Context, event string, attributes ...any) {
	args := append(attributes, "event", event, "log_type", "audit")
	m.logger.InfoContext(ctx, event, args...)
}

func journalKind(op Op) journal.Kind {
	switch op {
	case OpAdopt:
		return journal.KindAdopt
	case OpRelease:
		return journal.KindRelease
	}
	return journal.KindMint
}

func auditEvent(op Op) string {
	switch op {
	case OpAdopt:
		return "asset_adopted"
	case OpRelease:
		return "asset_released"
	}
	return "asset_minted"
}
