package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/vaultkernel/internal/config"
	"github.com/wisbric/vaultkernel/internal/platform"
	"github.com/wisbric/vaultkernel/internal/telemetry"
	"github.com/wisbric/vaultkernel/internal/vaultcore"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, wires vaultcore, and runs until ctx is canceled.
//
// There is no HTTP/WebSocket transport here (that boundary is explicitly
// someone else's concern) — the metrics endpoint is the one HTTP surface
// this process exposes, for scraping.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting vaultkernel", "mode", cfg.Mode)

	db, err := platform.NewPostgresPool(ctx, cfg.StorageURL)
	if err != nil {
		return fmt.Errorf("connecting to storage: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.StorageURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	core, err := vaultcore.New(ctx, db, rdb, cfg)
	if err != nil {
		return fmt.Errorf("wiring vault core: %w", err)
	}
	defer core.Close()

	status, err := core.Seal.Status(ctx)
	if err != nil {
		return fmt.Errorf("checking seal status: %w", err)
	}
	logger.Info("seal status at startup", "state", status.String())

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":9090", Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", metricsSrv.Addr, "path", cfg.MetricsPath)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	logger.Info("background workers starting",
		"sweep_interval", cfg.SweepInterval,
		"rotation_interval", cfg.RotationInterval,
	)
	core.Run(ctx, cfg.SweepInterval, cfg.RotationInterval)

	shutdownCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
