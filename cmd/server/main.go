// Package main runs the curve market service: the HTTP API and WebSocket
// push, the 24h rollup worker, the optional ClickHouse trade mirror, and the
// Prometheus metrics listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"curve-market/internal/api"
	"curve-market/internal/config"
	"curve-market/internal/domain"
	"curve-market/internal/events"
	"curve-market/internal/lifecycle"
	"curve-market/internal/logging"
	"curve-market/internal/observability"
	"curve-market/internal/push"
	"curve-market/internal/settlement"
	"curve-market/internal/storage"
	chstore "curve-market/internal/storage/clickhouse"
	"curve-market/internal/storage/memory"
	pgstore "curve-market/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file (default: ./curve-market.* if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// backend holds the storage layer and the closers to run on shutdown.
type backend struct {
	ledger storage.Ledger
	trades *chstore.TradeStore // nil unless clickhouse.dsn is set
	close  []func()
}

func (b *backend) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.close = append(b.close, pool.Close)

		if cfg.Postgres.Migrate {
			if err := pool.Migrate(ctx); err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		b.ledger = pgstore.NewLedger(pool, pgstore.WithLockTimeout(cfg.Postgres.LockTimeout))
		logger.Info("Using PostgreSQL ledger")
	default:
		b.ledger = memory.NewLedger(domain.NowMs)
		logger.Warn("Using in-memory ledger: transactions are serialized and state is lost on restart")
	}

	if cfg.Clickhouse.DSN != "" {
		conn, err := chstore.OpenAndMigrate(ctx, cfg.Clickhouse.DSN)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		b.close = append(b.close, func() { _ = conn.Close() })
		b.trades = chstore.NewTradeStore(conn)
		logger.Info("ClickHouse trade mirror enabled")
	}

	return b, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus(logger, cfg.Events.BufferSize)
	publisher := events.MultiPublisher{bus}

	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = append(publisher, events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, logger))
		logger.Info("Publishing events to NATS", zap.String("url", cfg.NATS.URL))
	}

	hub := push.NewHub(logger)
	bus.SubscribeAll(hub)

	var mirror *events.TradeMirror
	if store.trades != nil {
		mirror = events.NewTradeMirror(store.trades, logger, events.TradeMirrorOptions{
			BufferSize:    cfg.Events.MirrorBufferSize,
			BatchSize:     cfg.Events.MirrorBatchSize,
			FlushInterval: cfg.Events.MirrorFlush,
			MaxTries:      cfg.Events.MirrorMaxTries,
		})
		bus.Subscribe(events.TypeTrade, mirror)
	}

	engine := settlement.NewEngine(settlement.Options{
		Ledger:    store.ledger,
		Publisher: publisher,
		Logger:    logger,
		ProgramID: cfg.ProgramID,
		DefaultCurve: domain.CurveParams{
			BasePrice: cfg.Curve.DefaultBasePrice,
			Slope:     cfg.Curve.DefaultSlope,
		},
		MaxAttempts:  cfg.Settlement.MaxAttempts,
		RetryInitial: cfg.Settlement.RetryInitial,
		RetryMax:     cfg.Settlement.RetryMax,
	})

	rollerOpts := lifecycle.RollerOptions{
		Ledger:    store.ledger,
		Publisher: publisher,
		Logger:    logger,
		Interval:  cfg.Rollup.Interval,
		Period:    cfg.Rollup.Window,
	}
	if cfg.Rollup.Source == config.RollupSourceClickhouse {
		rollerOpts.Window = store.trades
	}
	roller := lifecycle.NewRoller(rollerOpts)

	handler := api.NewHandler(api.Options{
		Engine:    engine,
		Ledger:    store.ledger,
		WebSocket: hub,
		Logger:    logger,
	})
	apiServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP API listening", zap.String("addr", apiServer.Addr))
		return serve(apiServer)
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("Metrics listening", zap.String("addr", metricsServer.Addr))
			return serve(metricsServer)
		})
	}
	g.Go(func() error {
		return roller.Run(gctx)
	})
	// The mirror outlives gctx so it can take the trades the bus drains
	// during shutdown.
	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	defer stopMirror()
	if mirror != nil {
		g.Go(func() error {
			return mirror.Run(mirrorCtx)
		})
	}
	g.Go(func() error {
		return tickUptime(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		// Stop intake first so no new trades settle, then drain the bus
		// into the hub and the mirror before they exit.
		var errs []error
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
		hub.Close()
		if err := bus.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		stopMirror()
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}

func tickUptime(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			observability.DefaultMetrics.UptimeSeconds.Inc()
		}
	}
}
