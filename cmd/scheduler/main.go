package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	config "tenderhub/configs"
	"tenderhub/pkg/bootstrap"
	"tenderhub/pkg/logger"
	"tenderhub/pkg/models"
	"tenderhub/pkg/scheduler"
)

func main() {
	cfg := config.LoadConfig()

	log, err := bootstrap.Logger(cfg, "tenderhub-scheduler")
	if err != nil {
		logger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	// Create cancellable context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := bootstrap.Queue(cfg)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	if queue == nil {
		log.Fatal("REDIS_ADDR is required for the scheduler")
	}
	defer queue.Close()

	core, err := scheduler.NewCore(queue, scheduler.Entry{
		Schedule: cfg.BatchSchedule,
		Kind:     models.JobKindBatch,
	})
	if err != nil {
		log.Fatal("failed to create scheduler", zap.Error(err))
	}

	log.Info("scheduler started", zap.String("batch_schedule", cfg.BatchSchedule))
	core.Run(ctx)
	log.Info("shutdown complete")
}
