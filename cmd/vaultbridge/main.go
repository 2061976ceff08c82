package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"VaultBridge/internal/audit"
	"VaultBridge/internal/bridge"
	"VaultBridge/internal/config"
	"VaultBridge/internal/notify"
	"VaultBridge/internal/observability"
	"VaultBridge/internal/ownership"
	"VaultBridge/internal/persistence"
	"VaultBridge/internal/positionledger"
	"VaultBridge/internal/requestledger"
	"VaultBridge/internal/scheduler"
	"VaultBridge/internal/server"
	"VaultBridge/internal/worker"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := observability.NewLogger("main")
	logger.Info().Msg("VaultBridge starting")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Msg("migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Bridge account identity ---
	bridgeID := uuid.New()
	if cfg.BridgeAccountID != "" {
		bridgeID, err = uuid.Parse(cfg.BridgeAccountID)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse bridge account id")
		}
	}
	logger.Info().Stringer("bridge_id", bridgeID).Msg("bridge account configured")

	// --- Request ledger (Postgres) ---
	store := requestledger.NewStore(db, bridgeID, cfg.LeaseDuration)
	for _, a := range cfg.Assets {
		if err := store.RegisterAsset(ctx, requestledger.AssetConfig{
			Code:         a.Code,
			PositionKind: a.PositionKind,
		}); err != nil {
			logger.Fatal().Err(err).Str("asset", a.Code).Msg("register asset")
		}
	}

	// --- Position ledger ---
	strategies := make([]positionledger.Strategy, 0, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		strategies = append(strategies, positionledger.Strategy{Kind: s.Kind, Asset: s.Asset})
	}
	positions := positionledger.NewMemory(strategies)

	// --- Ownership index, warmed from the ledger mirror ---
	index := ownership.NewIndex()
	ledgerSide, err := store.ListOwnership(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load ownership mirror")
	}
	for user, ids := range ledgerSide {
		for _, id := range ids {
			index.Register(user, id)
		}
	}
	logger.Info().Int("users", len(ledgerSide)).Msg("ownership index warmed")

	reconciler := ownership.NewReconciler(
		index, store, cfg.ReconcileInterval,
		observability.NewLogger("reconciler"), metrics,
	)

	// --- NATS ---
	nc, js, err := notify.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Msg("NATS connected")

	if err := notify.EnsureStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS stream")
	}
	publisher := notify.NewPublisher(js, cfg.NotifyBufferSize, metrics)

	// --- Audit trail ---
	auditWriter := audit.NewWriter(db, cfg.AuditBufferSize, cfg.AuditBatchSize, cfg.AuditFlushTimeout, metrics)

	// --- Bridge + worker ---
	ledgerBridge := bridge.NewLedgerBridge(bridgeID, store, cfg.BridgeCallsPerSec, cfg.BridgeBurst)
	settleWorker := worker.New(store, positions, ledgerBridge, index, auditWriter, publisher, metrics)

	// --- Scheduler ---
	entries := make([]scheduler.Entry, 0, len(cfg.DelayTable))
	for _, e := range cfg.DelayTable {
		entries = append(entries, scheduler.Entry{Threshold: e.Threshold, Delay: e.Delay})
	}
	table, err := scheduler.NewThresholdTable(entries, cfg.DefaultDelay)
	if err != nil {
		logger.Fatal().Err(err).Msg("build delay table")
	}
	fees := scheduler.NewPrepaidFees(cfg.PrepaidRuns)
	sched := scheduler.New(store, settleWorker, fees, table, cfg.BatchCap, cfg.MaxParallel, metrics)

	// --- Submission listener: new request -> immediate run ---
	listener := notify.NewSubmissionListener(js, sched)
	if err := listener.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- API server ---
	apiServer := server.New(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		Ledger:        store,
		Scheduler:     sched,
		Fees:          fees,
		Reconciler:    reconciler,
		BridgeID:      bridgeID,
		JS:            js,
		HealthChecker: healthChecker,
		Metrics:       metrics,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Audit writer
	go func() {
		errChan <- auditWriter.Run(ctx)
	}()

	// 2. Outbound publisher
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// 3. Scheduler loop
	go func() {
		errChan <- sched.Run(ctx)
	}()

	// 4. Lease sweeper
	go func() {
		errChan <- settleWorker.RunSweeper(ctx, cfg.SweepInterval)
	}()

	// 5. Ownership reconciler
	go func() {
		errChan <- reconciler.Run(ctx)
	}()

	// 6. gRPC server
	go func() {
		errChan <- apiServer.StartGRPC(ctx)
	}()

	// 7. HTTP gateway
	go func() {
		errChan <- apiServer.StartHTTP(ctx)
	}()

	// 8. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("VaultBridge ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("goroutine failed, shutting down")
		}
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	listener.Stop()
	cancel()

	// Give the audit writer time to flush its final batch
	time.Sleep(time.Second)
	logger.Info().Msg("VaultBridge shutdown complete")
}
