package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"petmarket/internal/catalogue"
	"petmarket/internal/ledger/flowrest"
	"petmarket/internal/metadata"
	"petmarket/internal/metadata/nftstorage"
	"petmarket/internal/ownership"
	"petmarket/internal/platform/config"
	"petmarket/internal/platform/httpserver"
	"petmarket/internal/platform/logger"
	platformmetrics "petmarket/internal/platform/metrics"
	"petmarket/internal/reconciler"
	recmetrics "petmarket/internal/reconciler/metrics"
	"petmarket/internal/session"
	"petmarket/internal/session/provider"
	httptransport "petmarket/internal/transport/http"
	"petmarket/pkg/domain"
	"petmarket/pkg/platform/circuit"
)

const service = "petmarket"

// main wires the adapters, the session manager and the asset board behind
// the HTTP API, and tears them down in reverse order on SIGINT/SIGTERM.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(service, cfg.Server, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	marketplace, err := domain.ParseAddress(cfg.Ledger.MarketplaceAddress)
	if err != nil {
		return fmt.Errorf("marketplace address: %w", err)
	}
	contract, err := domain.ParseAddress(cfg.Ledger.ContractAddress)
	if err != nil {
		return fmt.Errorf("contract address: %w", err)
	}
	cat, err := loadCatalogue(cfg.Catalogue)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ops := httptransport.NewOpsHandler(reg)

	infra, err := openInfra(ctx, cfg, log, reg, ops)
	if err != nil {
		return err
	}
	defer infra.Close()

	client, err := flowrest.New(cfg.Ledger.URL, flowrest.Addresses{Contract: contract, Marketplace: marketplace},
		flowrest.WithHTTPClient(&http.Client{Timeout: cfg.Ledger.RequestTimeout}),
		flowrest.WithRateLimit(cfg.Ledger.RateLimit, cfg.Ledger.Burst),
		flowrest.WithBreaker(circuit.New("ledger",
			circuit.WithFailureThreshold(cfg.Ledger.BreakerThreshold),
			circuit.WithCooldown(cfg.Ledger.BreakerCooldown),
		)),
		flowrest.WithMetrics(flowrest.NewMetrics(reg)),
		flowrest.WithLogger(log),
		flowrest.WithPollInterval(cfg.Ledger.PollInterval),
		flowrest.WithSettleTimeout(cfg.Ledger.SettleTimeout),
	)
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}

	store, err := metadataStore(cfg.Storage, log)
	if err != nil {
		return err
	}

	wallet, err := provider.New(provider.Config{
		Secret:      cfg.SessionSecret(),
		Issuer:      cfg.Session.Issuer,
		LoginURL:    cfg.Session.LoginURL,
		SignUpURL:   cfg.Session.SignUpURL,
		CallbackURL: cfg.Session.CallbackURL,
	}, provider.WithLogger(log))
	if err != nil {
		return fmt.Errorf("session provider: %w", err)
	}
	sessions := session.New(wallet, client, session.WithLogger(log), session.WithJournal(infra.publisher))

	board := reconciler.NewBoard(cat, marketplace, reconciler.Deps{
		Ownership: ownership.New(client,
			ownership.WithLogger(log),
			ownership.WithConcurrency(cfg.Ledger.ScanConcurrency),
		),
		Ledger:   client,
		Metadata: store,
		Guard:    infra.guard,
		Journal:  infra.publisher,
	},
		reconciler.WithLogger(log),
		reconciler.WithMetrics(recmetrics.New(reg)),
		reconciler.WithResyncConcurrency(cfg.Ledger.ScanConcurrency),
		reconciler.WithWriteTimeout(cfg.Server.WriteTimeout),
	)

	router := httptransport.NewRouter(log, platformmetrics.New(reg),
		ops,
		httptransport.NewSessionHandler(sessions, wallet, log),
		httptransport.NewAssetHandler(board, sessions, log,
			httptransport.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		),
		httptransport.NewOperationsHandler(infra.journal, log),
	)
	srv := httpserver.New(cfg.Server.Addr, router)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	sessions.Start(runCtx)
	identities, unsubscribe := sessions.Subscribe()
	boardDone := make(chan error, 1)
	go func() { boardDone <- board.Run(runCtx, identities) }()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.Server.Addr, "marketplace", marketplace, "assets", cat.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var failed error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case failed = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", "error", err)
	}

	stopRun()
	unsubscribe()
	sessions.Stop()
	if err := <-boardDone; err != nil {
		log.Warn("asset board stopped", "error", err)
	}
	waitForWrites(shutdownCtx, board, log)
	board.Close()
	if failed != nil {
		return fmt.Errorf("http server: %w", failed)
	}
	return nil
}

// waitForWrites lets settling transactions finish until ctx expires. Writes
// still running after that are abandoned locally; the ledger keeps them.
func waitForWrites(ctx context.Context, board *reconciler.Board, log *slog.Logger) {
	done := make(chan struct{})
	go func() {
		board.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("shutdown with asset writes still settling")
	}
}

func loadCatalogue(cfg config.Catalogue) (*catalogue.Catalogue, error) {
	if cfg.File == "" {
		return catalogue.Default()
	}
	cat, err := catalogue.LoadFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("catalogue %s: %w", cfg.File, err)
	}
	return cat, nil
}

func metadataStore(cfg config.Storage, log *slog.Logger) (metadata.Store, error) {
	if cfg.URL == "" {
		log.Warn("no storage endpoint configured, minting without hosted documents")
		return metadata.Noop{Resolver: metadata.Resolver{Gateway: cfg.Gateway}}, nil
	}
	store, err := nftstorage.New(cfg.URL, cfg.Token, cfg.Gateway, cfg.Timeout, nftstorage.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	return store, nil
}
