package reconciler

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"petmarket/internal/catalogue"
	"petmarket/internal/session"
	"petmarket/pkg/domain"
)

const defaultResyncConcurrency = 16

// Board owns one machine per catalogue entry and drives them from the
// session's identity stream.
type Board struct {
	machines    []*Machine
	byID        map[domain.AssetID]*Machine
	logger      *slog.Logger
	concurrency int

	mu      sync.Mutex
	subs    map[int]*feed
	nextSub int
	closed  bool

	writes sync.WaitGroup
}

// WithResyncConcurrency bounds how many assets resync at once.
func WithResyncConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func NewBoard(cat *catalogue.Catalogue, marketplace domain.Address, deps Deps, opts ...Option) *Board {
	o := buildOptions(opts)
	b := &Board{
		byID:        make(map[domain.AssetID]*Machine, cat.Len()),
		logger:      o.logger,
		concurrency: o.concurrency,
		subs:        make(map[int]*feed),
	}
	machineOpts := append(slices.Clone(opts), WithObserver(b.publish))
	for _, d := range cat.All() {
		m := NewMachine(d, marketplace, deps, machineOpts...)
		b.machines = append(b.machines, m)
		b.byID[d.ID] = m
	}
	return b
}

// Run resyncs every asset for each identity received until ctx ends or the
// channel closes. A newer identity cancels the round still running for the
// previous one.
func (b *Board) Run(ctx context.Context, identities <-chan session.Identity) error {
	var rounds sync.WaitGroup
	cancel := context.CancelFunc(func() {})
	defer func() {
		cancel()
		rounds.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-identities:
			if !ok {
				return nil
			}
			cancel()
			rctx, rcancel := context.WithCancel(ctx)
			cancel = rcancel
			rounds.Add(1)
			go func() {
				defer rounds.Done()
				b.resyncAll(rctx, id)
			}()
		}
	}
}

func (b *Board) resyncAll(ctx context.Context, id session.Identity) {
	var g errgroup.Group
	g.SetLimit(b.concurrency)
	var (
		mu     sync.Mutex
		failed int
	)
	for _, m := range b.machines {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := m.Resync(ctx, id); err != nil && ctx.Err() == nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		b.logger.Debug("resync round superseded", "identity_version", id.Version)
		return
	}
	b.logger.Info("resync round finished",
		"identity_version", id.Version, "assets", len(b.machines), "failed", failed)
}

// Views returns a snapshot of every asset in catalogue order.
func (b *Board) Views() []View {
	out := make([]View, 0, len(b.machines))
	for _, m := range b.machines {
		out = append(out, m.View())
	}
	return out
}

func (b *Board) View(id domain.AssetID) (View, error) {
	m, ok := b.byID[id]
	if !ok {
		return View{}, ErrUnknownAsset
	}
	return m.View(), nil
}

func (b *Board) Mint(ctx context.Context, id domain.AssetID) (View, error) {
	return b.submit(ctx, id, OpMint)
}

func (b *Board) Adopt(ctx context.Context, id domain.AssetID) (View, error) {
	return b.submit(ctx, id, OpAdopt)
}

func (b *Board) Release(ctx context.Context, id domain.AssetID) (View, error) {
	return b.submit(ctx, id, OpRelease)
}

// submit returns as soon as the write is accepted; its progress is visible
// through View and Changes.
func (b *Board) submit(ctx context.Context, id domain.AssetID, op Op) (View, error) {
	m, ok := b.byID[id]
	if !ok {
		return View{}, ErrUnknownAsset
	}
	done, err := m.Submit(ctx, op)
	if err != nil {
		return m.View(), err
	}
	b.writes.Add(1)
	go func() {
		defer b.writes.Done()
		if err := <-done; err != nil {
			b.logger.Warn("asset write failed", "asset_id", id, "op", op, "error", err)
		}
	}()
	return m.View(), nil
}

// Wait blocks until every accepted write has finished.
func (b *Board) Wait() {
	b.writes.Wait()
}

// Changes streams view changes. A reader that falls behind skips
// intermediate views of an asset but always receives its latest one.
func (b *Board) Changes() (<-chan View, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan View)
		close(ch)
		return ch, func() {}
	}
	f := newFeed()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = f

	var once sync.Once
	return f.out, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				f.stop()
			}
		})
	}
}

func (b *Board) publish(v View) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.subs {
		f.push(v)
	}
}

// Close detaches every machine, so writes still settling are dropped when
// they return, and ends all change streams.
func (b *Board) Close() {
	for _, m := range b.machines {
		m.Close()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, f := range b.subs {
		f.stop()
		delete(b.subs, id)
	}
}

// feed holds one subscriber's undelivered views, latest per asset, in the
// order the assets first changed. push never blocks.
type feed struct {
	mu      sync.Mutex
	pending map[domain.AssetID]View
	order   []domain.AssetID

	notify chan struct{}
	done   chan struct{}
	out    chan View
}

func newFeed() *feed {
	f := &feed{
		pending: make(map[domain.AssetID]View),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan View),
	}
	go f.run()
	return f
}

func (f *feed) push(v View) {
	f.mu.Lock()
	if _, ok := f.pending[v.Asset]; !ok {
		f.order = append(f.order, v.Asset)
	}
	f.pending[v.Asset] = v
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *feed) take() []View {
	f.mu.Lock()
	defer f.mu.Unlock()
	views := make([]View, 0, len(f.order))
	for _, id := range f.order {
		views = append(views, f.pending[id])
	}
	clear(f.pending)
	f.order = f.order[:0]
	return views
}

func (f *feed) run() {
	defer close(f.out)
	for {
		select {
		case <-f.done:
			return
		case <-f.notify:
		}
		for _, v := range f.take() {
			select {
			case f.out <- v:
			case <-f.done:
				return
			}
		}
	}
}

// stop is called once, under the board mutex.
func (f *feed) stop() {
	close(f.done)
}
