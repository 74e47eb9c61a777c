package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stocktester/internal/api"
	"stocktester/internal/cache"
	"stocktester/internal/database"
	"stocktester/internal/orchestrator"
)

// serveCmd starts the HTTP API and the optional scheduler
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run API, Prometheus metrics and scheduled re-validation",
	Long: `Start the HTTP server. Runs submitted through the API execute in the
background and are stored in Postgres when the database is reachable,
otherwise in memory. With scheduler.enabled the walk-forward is repeated on
the configured cron spec.

Examples:
  stocktester serve
  stocktester serve --port 9090 --max-runs 2`,
	RunE: runServe,
}

var (
	servePort    int
	serveMaxRuns int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
	serveCmd.Flags().IntVar(&serveMaxRuns, "max-runs", 1, "Maximum concurrent background runs")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	a, err := newApp(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := api.Dependencies{Metrics: a.metrics, Log: log}
	if rc, ok := a.cache.(*cache.RedisCache); ok {
		deps.Cache = rc
	}

	// 数据库不可用时仍然启动，结果只保存在内存中
	var store orchestrator.Store
	if db, err := a.connectDB(ctx); err != nil {
		log.Warn("Database unavailable, runs are kept in memory", "error", err)
		store = orchestrator.NewMemoryStore()
	} else {
		store = database.NewRunStoreFromDB(db)
		deps.DB = db
	}

	runner, err := a.runner(store, runOverrides{maxConcurrent: serveMaxRuns})
	if err != nil {
		return err
	}
	defer runner.Shutdown()
	deps.Runner = runner

	if cfg.Scheduler.Enabled {
		scheduler := orchestrator.NewScheduler(0, log)
		scheduler.RegisterHandler(orchestrator.TaskTypeWalkForward, orchestrator.WalkForwardHandler(runner))
		if _, err := scheduler.AddTask(orchestrator.TaskTypeWalkForward, cfg.Scheduler.Spec); err != nil {
			return fmt.Errorf("failed to schedule walk-forward: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
		deps.Scheduler = scheduler
	}

	server, err := api.NewServer(cfg, deps)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
