package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "tenderhub/configs"
	"tenderhub/pkg/bootstrap"
	"tenderhub/pkg/executor"
	"tenderhub/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	log, err := bootstrap.Logger(cfg, "tenderhub-executor")
	if err != nil {
		logger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := bootstrap.Tracing(ctx, cfg, "tenderhub-executor")
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	catalog, err := bootstrap.Catalog(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize workers", zap.Error(err))
	}

	// The executor has nothing to consume without Redis.
	queue, err := bootstrap.Queue(cfg)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	if queue == nil {
		log.Fatal("REDIS_ADDR is required for the executor")
	}
	defer queue.Close()

	exe := executor.NewExecutor(executor.Config{Concurrency: cfg.ExecutorConcurrency}, catalog, queue, queue)
	if err := exe.Start(ctx); err != nil {
		log.Error("executor stopped", zap.Error(err))
		return
	}
	log.Info("shutdown complete")
}
