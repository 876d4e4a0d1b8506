package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"petmarket/internal/journal"
	"petmarket/internal/journal/publisher"
	"petmarket/internal/journal/sink/kafka"
	"petmarket/internal/journal/store/memory"
	pgstore "petmarket/internal/journal/store/postgres"
	"petmarket/internal/platform/config"
	"petmarket/internal/platform/postgres"
	"petmarket/internal/platform/redis"
	"petmarket/internal/reconciler"
	"petmarket/internal/reconciler/guard"
	httptransport "petmarket/internal/transport/http"
)

const (
	journalBuffer     = 256
	memoryJournalSize = 1000
)

// infra holds the optional backing services. Each falls back to an
// in-process implementation when it is not configured.
type infra struct {
	guard     reconciler.Guard
	journal   journal.Store
	publisher *publisher.Publisher

	db    *sql.DB
	redis *redis.Client
	kafka *kafka.Sink
}

func openInfra(ctx context.Context, cfg config.Config, log *slog.Logger, reg prometheus.Registerer, ops *httptransport.OpsHandler) (*infra, error) {
	in := &infra{}
	ok := false
	defer func() {
		if !ok {
			in.Close()
		}
	}()

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	if rc != nil {
		in.redis = rc
		in.guard = guard.NewRedis(rc.Client, cfg.Redis.GuardTTL, guard.WithLogger(log))
		ops.AddCheck("redis", rc.Health)
		log.Info("write guard: redis", "ttl", cfg.Redis.GuardTTL)
	} else {
		in.guard = guard.NewMemory()
		log.Info("write guard: in-process")
	}

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if db != nil {
		in.db = db
		store := pgstore.New(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		in.journal = store
		ops.AddCheck("postgres", db.PingContext)
		log.Info("operation journal: postgres")
	} else {
		in.journal = memory.New(memoryJournalSize)
		log.Info("operation journal: in-memory", "capacity", memoryJournalSize)
	}

	opts := []publisher.Option{
		publisher.WithSink("store", in.journal),
		publisher.WithLogger(log),
		publisher.WithMetrics(publisher.NewMetrics(reg)),
		publisher.WithAsyncBuffer(journalBuffer),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafka.Dial(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		in.kafka = sink
		opts = append(opts, publisher.WithSink("kafka", sink))
		log.Info("operation journal: kafka sink", "topic", cfg.Kafka.Topic)
	}
	in.publisher = publisher.New(opts...)

	ok = true
	return in, nil
}

// Close drains the journal before releasing the connections its sinks use.
func (in *infra) Close() {
	in.publisher.Close()
	if in.kafka != nil {
		in.kafka.Close()
	}
	if in.db != nil {
		_ = in.db.Close()
	}
	if in.redis != nil {
		_ = in.redis.Close()
	}
}
