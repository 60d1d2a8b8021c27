package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"RentEscrow/internal/api"
	"RentEscrow/internal/auth"
	"RentEscrow/internal/config"
	"RentEscrow/internal/events"
	"RentEscrow/internal/lease"
	"RentEscrow/internal/observability/metrics"
	"RentEscrow/internal/registry"
	"RentEscrow/pkg/logger"
)

// main 是 RentEscrow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("rentescrowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("RENTESCROW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "rentescrow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.Named("rentescrowd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	m := metrics.New()
	alerts := buildAlerts(cfg)

	ledgers, err := buildLedgers(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledgers.close()

	stores, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭事件队列失败", slog.Any("error", err))
		}
	}()

	outbox := events.NewOutbox(cfg.Events.OutboxSize)
	outbox.OnDrop(m.ObserveDrop)
	initial, maxInterval, elapsed := cfg.Events.Retry.Backoff()
	dispatcher := events.NewDispatcher(outbox, queue, events.DispatcherConfig{
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		MaxElapsedTime:  elapsed,
	})
	dispatcher.OnFailure(m.ObservePublishFailure)

	registryAddr, err := registryAddress(cfg)
	if err != nil {
		return err
	}
	reg, err := registry.New(registryAddr, ledgers.directory,
		registry.WithIndex(stores.index),
		registry.WithStore(stores.agreements),
		registry.WithAllocator(ledgers.allocator(registryAddr, cfg.Registry.StartNonce)),
		registry.WithEventSink(outbox),
		registry.WithRentPeriod(cfg.Lease.RentPeriod()),
		registry.WithAgreementOptions(lease.WithObserver(m)),
	)
	if err != nil {
		return err
	}
	restored, err := reg.Restore(ctx)
	if err != nil {
		return err
	}
	if err := ledgers.recover(ctx, stores.agreements); err != nil {
		return err
	}

	replay, closeReplay, err := buildReplayCache(cfg)
	if err != nil {
		return err
	}
	defer closeReplay()
	verifier, err := auth.NewVerifier(auth.Mode(cfg.Auth.Mode), cfg.Auth.MaxSkew(),
		auth.WithReplayCache(replay))
	if err != nil {
		return err
	}
	capital, err := buildLending(cfg.Lending, ledgers)
	if err != nil {
		return err
	}
	opts := []api.Option{
		api.WithVerifier(verifier),
		api.WithMetrics(m),
		api.WithAlerts(alerts),
	}
	if capital != nil {
		opts = append(opts, api.WithLending(capital))
	}
	server := api.NewServer(cfg.Server.Address, reg, opts...)

	lg.Info("RentEscrow 启动",
		slog.String("registry", registryAddr.Hex()),
		slog.Int("restored", restored),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.Bool("lending", capital != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return queue.Consume(gctx, 1, events.Archive(stores.eventLog)) })
	g.Go(func() error {
		read, write := cfg.Server.Timeouts()
		return server.StartWithTimeouts(gctx, 5*time.Second, read, write)
	})
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return m.StartServer(gctx, cfg.Server.MetricsAddress) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("RentEscrow 已退出", slog.Uint64("dropped_events", outbox.Dropped()))
	return nil
}
