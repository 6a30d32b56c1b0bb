package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"TroveWatch/internal/chain"
	"TroveWatch/internal/config"
	"TroveWatch/internal/core"
	"TroveWatch/internal/ingestion"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/persistence"
	"TroveWatch/internal/projection"
	"TroveWatch/internal/query"
	"TroveWatch/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := observability.NewLogger("trovewatch")
	if err := run(logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("trovewatch stopped")
	}
	logger.Info().Msg("shutdown complete")
}

func run(logger zerolog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger.Info().Int("stores", len(cfg.Deployments)).Str("heads", cfg.Heads.Source).Msg("trovewatch starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()

	// --- Chain ---
	client, err := chain.Dial(ctx, cfg.RPC.URL)
	if err != nil {
		return err
	}
	defer client.Close()
	if cfg.RPC.ChainID != 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("chain id: %w", err)
		}
		if id.Int64() != cfg.RPC.ChainID {
			return fmt.Errorf("rpc serves chain %d, configured for %d", id, cfg.RPC.ChainID)
		}
	}
	reader := chain.NewReader(client, cfg.AccountAddress(), logger, cfg.ChainDeployments()...)
	heads := chain.NewHeadFeed(client, logger, metrics)

	// --- Stores ---
	params, err := cfg.ParamsRegistry()
	if err != nil {
		return err
	}
	stores := make([]*core.Store, 0, len(cfg.Deployments))
	for _, d := range cfg.Deployments {
		stores = append(stores, core.NewStore(core.StoreConfig{
			Key:          d.Key(),
			Params:       params.Get(d.Collateral),
			Source:       reader,
			PollInterval: cfg.RPC.RefreshInterval,
			Debounce:     cfg.RPC.BlockDebounce,
			MaxInFlight:  cfg.RPC.MaxInFlight,
			Logger:       logger,
			Metrics:      metrics,
		}))
	}
	provider := core.NewProvider(logger, metrics, stores...)
	defer provider.Close()

	g, gctx := errgroup.WithContext(ctx)

	// --- Postgres ---
	var (
		db           *sql.DB
		snapshotters []*persistence.Snapshotter
	)
	if cfg.Postgres.Enabled() {
		db, err = openPostgres(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		snapMgr := persistence.NewSnapshotManager(db, metrics)
		if err := persistence.SeedStores(ctx, snapMgr, stores, logger); err != nil {
			logger.Warn().Err(err).Msg("seeding from snapshots failed, cold start")
		}

		for _, s := range stores {
			snap := persistence.NewSnapshotter(s, snapMgr, cfg.Postgres.SnapshotInterval, logger)
			snapshotters = append(snapshotters, snap)
			g.Go(func() error { return ignoreCanceled(snap.Run(gctx)) })
		}
		g.Go(func() error {
			runSnapshotPruning(gctx, snapMgr, cfg.Postgres.SnapshotInterval, cfg.Postgres.SnapshotKeep, logger)
			return nil
		})
	} else {
		logger.Info().Msg("no postgres DSN, snapshots and projections disabled")
	}

	// Without a database the worker keeps the in-memory price history only.
	history := projection.NewPriceHistory(cfg.Projection.HistorySize)
	projWorker := projection.NewProjectionWorker(db, history, cfg.Projection.Buffer, logger, metrics)
	for _, s := range stores {
		s.Subscribe(projWorker.Listener())
	}
	g.Go(func() error { return ignoreCanceled(projWorker.Run(gctx)) })

	// --- NATS ---
	if cfg.NATS.Enabled() {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return err
		}

		pub := ingestion.NewOutboundPublisher(js, cfg.NATS.PublishBuffer, logger, metrics)
		for _, s := range stores {
			s.Subscribe(pub.StoreListener(s))
		}
		g.Go(func() error { return ignoreCanceled(pub.Run(gctx)) })

		if cfg.Heads.Source == config.HeadSourceNATS {
			sub := ingestion.NewHeadSubscriber(js, heads, logger, metrics)
			if err := sub.Subscribe(ctx); err != nil {
				return err
			}
			defer sub.Stop()
		}
	}
	if cfg.Heads.Source == config.HeadSourceRPC {
		g.Go(func() error {
			heads.Run(gctx)
			return nil
		})
	}

	for _, s := range stores {
		ch, unsubscribe := heads.Subscribe()
		g.Go(func() error {
			defer unsubscribe()
			s.Run(gctx, ch)
			return nil
		})
	}

	// --- Servers ---
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Store: server.NewStoreServer(query.NewQueryService(provider, history, db, metrics), provider, logger),
		Admin: server.NewAdminServer(
			ingestion.NewAdminIngestService(heads, provider),
			db,
			snapshotters,
			logger,
		),
		AdminToken:    cfg.Server.AdminToken,
		HealthChecker: healthChecker,
		Logger:        logger,
	})
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, registry, logger) })

	// --- Readiness ---
	g.Go(func() error {
		waitReady(gctx, stores, healthChecker, logger)
		if gctx.Err() == nil {
			grpcServer.SetServing(true)
			logger.Info().
				Str("grpc", cfg.Server.GRPCAddr).
				Str("http", cfg.Server.HTTPAddr).
				Str("metrics", cfg.Server.MetricsAddr).
				Msg("trovewatch ready")
		}
		return nil
	})

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info().Msg("received signal, shutting down")
	}
	grpcServer.SetServing(false)

	// Snapshotters save their final state as they return.
	return g.Wait()
}

func openPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	applied, err := persistence.NewMigrator(db, persistence.Migrations(), logger).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("postgres connected, migrations applied")
	return db, nil
}

// waitReady marks each store ready once it has loaded and returns when
// all have.
func waitReady(ctx context.Context, stores []*core.Store, hc *observability.HealthChecker, logger zerolog.Logger) {
	var wg sync.WaitGroup
	for _, s := range stores {
		name := s.Key().String()
		hc.Expect(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := s.WaitLoaded(ctx)
			if err != nil {
				return
			}
			hc.MarkReady(name)
			logger.Info().Str("store", name).Uint64("block", st.BlockNumber).Msg("store loaded")
		}()
	}
	wg.Wait()
}

func runSnapshotPruning(ctx context.Context, sm *persistence.SnapshotManager, every time.Duration, keep int, logger zerolog.Logger) {
	if keep <= 0 {
		return
	}
	ticker := time.NewTicker(every * 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sm.Prune(ctx, keep)
			if err != nil {
				logger.Warn().Err(err).Msg("snapshot pruning failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("deleted", n).Msg("old snapshots pruned")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
