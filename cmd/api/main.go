package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "tenderhub/configs"
	"tenderhub/pkg/api"
	"tenderhub/pkg/bootstrap"
	"tenderhub/pkg/invoices"
	"tenderhub/pkg/logger"
	"tenderhub/pkg/metrics"
	"tenderhub/pkg/models"
	"tenderhub/pkg/workers"
)

func main() {
	cfg := config.LoadConfig()

	log, err := bootstrap.Logger(cfg, "tenderhub-api")
	if err != nil {
		logger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	// Create cancellable context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := bootstrap.Tracing(ctx, cfg, "tenderhub-api")
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	catalog, err := bootstrap.Catalog(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize workers", zap.Error(err))
	}

	store, err := invoices.NewStore(cfg.InvoicesDir)
	if err != nil {
		log.Fatal("failed to initialize invoices", zap.Error(err))
	}

	srvCfg := api.Config{
		Port:      cfg.APIPort,
		Logger:    log,
		Catalog:   catalog,
		Invoices:  store,
		PublicDir: cfg.PublicDir,
	}

	// Redis is optional; without it async dispatch is unavailable.
	queue, err := bootstrap.Queue(cfg)
	switch {
	case err != nil:
		log.Fatal("failed to connect to redis", zap.Error(err))
	case queue != nil:
		defer queue.Close()
		srvCfg.Queue = queue
		srvCfg.Results = queue
		log.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	default:
		log.Info("redis not configured, async dispatch disabled")
	}

	if cfg.AutoProcess {
		go autoProcess(ctx, log, store, catalog, cfg.AutoProcessDebounce)
	}

	server := api.NewServer(srvCfg)

	// Run API server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", zap.Error(err))
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error("tracer shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// autoProcess reruns the invoice batch after each burst of uploads.
func autoProcess(ctx context.Context, log *zap.Logger, store *invoices.Store, catalog *workers.Catalog, debounce time.Duration) {
	err := store.Watch(ctx, debounce, func(ctx context.Context) {
		metrics.RecordDispatch(string(models.JobKindBatch), string(models.SourceWatcher))
		res := catalog.Batch(ctx)
		if !res.Succeeded() {
			log.Warn("auto-process batch failed",
				zap.String("outcome", string(res.Outcome)),
				zap.String("error", res.Diagnostic()),
			)
			return
		}
		log.Info("auto-process batch finished", zap.Duration("duration", res.Duration))
	})
	if err != nil {
		log.Error("invoice watcher stopped", zap.Error(err))
	}
}
