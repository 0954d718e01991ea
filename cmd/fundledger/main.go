package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"FundLedger/internal/config"
	"FundLedger/internal/core"
	"FundLedger/internal/ingestion"
	"FundLedger/internal/lease"
	"FundLedger/internal/observability"
	"FundLedger/internal/persistence"
	"FundLedger/internal/query"
	"FundLedger/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fundledger: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerTo(os.Stdout, "fundledger", observability.ParseLogLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("fundledger exited")
		os.Exit(1)
	}
	logger.Info().Msg("fundledger shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Str("fund", cfg.Fund.Address).Str("driver", cfg.Database.Driver).Msg("fundledger starting")

	shutdownTracing, err := observability.SetupTracing(ctx, "fundledger", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(c)
	}()

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// --- Database ---
	db, dialect, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	health.AddCheck("database", db.PingContext)

	if err := persistence.NewMigrator(db, dialect, logger).Up(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// --- Writer lease ---
	// Only one instance may append to the log. Without Redis the process
	// assumes it is the only writer.
	var l lease.Lease = lease.Local{}
	if cfg.RedisURL != "" {
		client, err := lease.Connect(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		l = lease.NewRedisLease(client, cfg.Lease.Key, cfg.Lease.TTL)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var leaseLost atomic.Bool
	keeper := lease.NewKeeper(l, cfg.Lease.Renew, func(err error) {
		leaseLost.Store(true)
		health.SetReady(false)
		cancel()
	}, metrics, logger)
	if err := keeper.Acquire(ctx); err != nil {
		return fmt.Errorf("writer lease: %w", err)
	}

	// --- Engine ---
	// Persist channel blocks (backpressure); publish channel drops when full.
	engineCfg := cfg.EngineConfig()
	persistChan := make(chan core.Output, cfg.Engine.PersistBuffer)
	var publishChan chan core.Output
	if cfg.NATSURL != "" {
		publishChan = make(chan core.Output, cfg.Engine.PublishBuffer)
	}
	store := persistence.NewIdempotencyStore(db, dialect)
	engine, err := core.NewEngine(engineCfg, persistChan, publishChan, store, metrics, logger)
	if err != nil {
		return err
	}
	health.AddCheck("engine", func(context.Context) error { return engine.Halted() })

	snapshots := persistence.NewSnapshotManager(db, dialect)
	recovery := persistence.NewRecovery(snapshots, store, metrics, logger)
	stats, err := recovery.Restore(ctx, engine)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info().
		Int64("snapshot_sequence", stats.SnapshotSequence).
		Int("replayed", stats.Replayed).
		Int64("sequence", stats.Sequence).
		Msg("state recovered")

	errChan := make(chan error, 8)

	// 1. Persistence worker
	worker := persistence.NewWorker(db, dialect, persistChan, persistence.WorkerConfig{
		BatchSize:    cfg.Persistence.BatchSize,
		FlushTimeout: cfg.Persistence.FlushInterval,
	}, metrics, logger)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Lease renewal
	go func() {
		if err := keeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("writer lease: %w", err)
		}
	}()

	// 3. NATS ingestion and outbound events
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}

		rawChan := make(chan ingestion.RawCommand, cfg.Engine.IngestBuffer)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, logger)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		processor := ingestion.NewProcessor(engine, rawChan, metrics, logger)
		go func() { errChan <- ignoreCanceled(processor.Run(ctx)) }()

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, logger)
		go func() { errChan <- ignoreCanceled(publisher.Run(ctx)) }()
	}

	// 4. Periodic snapshots
	verify := func(s *core.SnapshotState) error { return core.VerifySnapshot(engineCfg, s) }
	go runSnapshots(ctx, cfg.Persistence.SnapshotInterval, func(c context.Context) error {
		return recovery.Snapshot(c, engine, verify)
	}, logger)

	// 5. gRPC and HTTP
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Service:  server.NewService(engine, time.Now),
		Log:      query.NewService(db, dialect),
		Auth:     server.NewAuthenticator(cfg.JWTSecret),
		Health:   health,
		Metrics:  metrics,
		Gatherer: reg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	go func() { errChan <- ignoreCanceled(srv.ServeGRPC(ctx)) }()
	go func() { errChan <- ignoreCanceled(srv.ServeHTTP(ctx)) }()

	health.SetReady(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Bool("nats", cfg.NATSURL != "").
		Msg("fundledger ready")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-waitErr(errChan):
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	health.SetReady(false)
	srv.SetServing(false)
	cancel()
	if subscriber != nil {
		subscriber.Stop()
	}

	// The worker drains the persist channel before exiting; the final
	// snapshot must not run ahead of the log.
	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("persistence worker did not drain in time")
	}

	if leaseLost.Load() {
		return runErr
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := recovery.Snapshot(shutdownCtx, engine, verify); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	return runErr
}

// waitErr forwards the first non-nil error.
func waitErr(errChan <-chan error) <-chan error {
	out := make(chan error, 1)
	go func() {
		for err := range errChan {
			if err != nil {
				out <- err
				return
			}
		}
	}()
	return out
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSnapshots(ctx context.Context, every time.Duration, take func(context.Context) error, logger zerolog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := take(ctx); err != nil {
				logger.Error().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}
