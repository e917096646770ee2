package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/i2y/mcpgate/internal/adapter/outbound/redisqueue"
	"github.com/i2y/mcpgate/internal/usecase"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute queued tool calls from the dispatch queue",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 1, "number of calls executed in parallel")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.RedisURL == "" {
		return fmt.Errorf("worker requires MCPGATE_REDIS_URL")
	}
	if workerConcurrency < 1 {
		workerConcurrency = 1
	}

	logger, closeLog := newLogger(cfg, false)
	defer closeLog()

	shutdownOtel, err := initOtelProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		if err := shutdownOtel(context.Background()); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry providers.", slog.Any("error", err))
		}
	}()

	c, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	broker, err := redisqueue.New(redisqueue.Options{URL: cfg.RedisURL}, logger)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, broker.Close)

	gw := newGateway(c)
	if err := gw.start(ctx); err != nil {
		return err
	}

	tasks := usecase.NewTaskRunner(ctx, logger)
	tasks.Go("health-checks", func(ctx context.Context) error { return gw.registry.RunHealthChecks(ctx, cfg.HealthInterval) })
	opts := usecase.DispatchOptions{Queue: cfg.RequestQueue, Channel: cfg.ResponseChannel, Timeout: cfg.DispatchTimeout}
	for i := 0; i < workerConcurrency; i++ {
		w := usecase.NewDispatchWorker(broker, gw.registry, opts, logger)
		tasks.Go("worker-"+w.ID(), w.Run)
	}
	logger.Info("Workers running.", slog.Int("concurrency", workerConcurrency), slog.String("queue", cfg.RequestQueue))

	<-tasks.Context().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	gw.registry.Shutdown(shutdownCtx)
	return tasks.Wait()
}
