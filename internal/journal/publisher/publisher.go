// Package publisher fans journal entries out to every configured sink.
//
// Recording never fails the operation being recorded: sink errors are logged
// and counted. In async mode entries are queued and written by a background
// worker; a full queue drops the entry rather than blocking the writer.
package publisher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"petmarket/internal/journal"
)

type namedSink struct {
	name string
	sink journal.Sink
}

type Publisher struct {
	sinks   []namedSink
	logger  *slog.Logger
	metrics *Metrics

	queue  chan journal.Entry
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type Option func(*Publisher)

// WithSink adds a destination. The name labels logs and metrics.
func WithSink(name string, sink journal.Sink) Option {
	return func(p *Publisher) {
		if sink != nil {
			p.sinks = append(p.sinks, namedSink{name: name, sink: sink})
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithAsyncBuffer queues up to size entries for a background worker.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.queue = make(chan journal.Entry, size)
		}
	}
}

func New(opts ...Option) *Publisher {
	p := &Publisher{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue != nil {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Record hands e to every sink. Safe to call on a nil Publisher.
func (p *Publisher) Record(ctx context.Context, e journal.Entry) {
	if p == nil {
		return
	}
	p.metrics.observeEntry(e)
	if p.queue == nil {
		p.write(ctx, e)
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.observeDropped()
		p.logger.WarnContext(ctx, "journal closed, entry dropped",
			"entry_id", e.ID, "kind", e.Kind, "status", e.Status)
		return
	}
	select {
	case p.queue <- e:
	default:
		p.metrics.observeDropped()
		p.logger.WarnContext(ctx, "journal queue full, entry dropped",
			"entry_id", e.ID, "kind", e.Kind, "status", e.Status)
	}
}

// Close drains queued entries. Entries recorded afterwards are dropped.
func (p *Publisher) Close() {
	if p == nil || p.queue == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for e := range p.queue {
		p.write(context.Background(), e)
	}
}

func (p *Publisher) write(ctx context.Context, e journal.Entry) {
	ctx = context.WithoutCancel(ctx)
	for _, s := range p.sinks {
		if err := s.sink.Write(ctx, e); err != nil {
			p.metrics.observeSinkError(s.name)
			p.logger.ErrorContext(ctx, "journal sink write failed",
				"sink", s.name, "entry_id", e.ID, "kind", e.Kind, "error", err)
		}
	}
}

type Metrics struct {
	Entries    *prometheus.CounterVec
	SinkErrors *prometheus.CounterVec
	Dropped    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Entries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "petmarket_journal_entries_total",
			Help: "Journal entries recorded by operation kind and status",
		}, []string{"kind", "status"}),
		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "petmarket_journal_sink_errors_total",
			Help: "Failed journal sink writes by sink",
		}, []string{"sink"}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "petmarket_journal_dropped_total",
			Help: "Journal entries dropped because the queue was full",
		}),
	}
}

func (m *Metrics) observeEntry(e journal.Entry) {
	if m == nil {
		return
	}
	m.Entries.WithLabelValues(string(e.Kind), string(e.Status)).Inc()
}

func (m *Metrics) observeSinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) observeDropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}
