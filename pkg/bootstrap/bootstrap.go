// Package bootstrap wires the shared runtime of the tenderhub binaries from
// the service config.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	config "tenderhub/configs"
	"tenderhub/pkg/gateway"
	"tenderhub/pkg/logger"
	tracing "tenderhub/pkg/observability"
	"tenderhub/pkg/storage"
	"tenderhub/pkg/storage/redis"
	"tenderhub/pkg/workers"
)

// Logger installs the global logger for service.
func Logger(cfg *config.Config, service string) (*zap.Logger, error) {
	lc := logger.DefaultConfig(service)
	lc.Level = cfg.LogLevel
	lc.Encoding = cfg.LogEncoding
	return logger.Init(lc)
}

// Tracing installs the global tracer provider for service.
func Tracing(ctx context.Context, cfg *config.Config, service string) (*tracing.Provider, error) {
	tc := tracing.DefaultConfig(service)
	tc.Enabled = cfg.OTelEnabled
	tc.Endpoint = cfg.OTelEndpoint
	tc.SamplingRate = cfg.OTelSamplingRate
	return tracing.Init(ctx, tc)
}

// Transcripts opens the transcript archive: local files, mirrored to S3 when
// a bucket is configured.
func Transcripts(ctx context.Context, cfg *config.Config) (storage.TranscriptStore, error) {
	local, err := storage.NewLocalTranscriptStore(cfg.TranscriptDir)
	if err != nil {
		return nil, err
	}
	if cfg.S3Bucket == "" {
		return local, nil
	}

	remote, err := storage.NewS3TranscriptStore(ctx, storage.S3TranscriptStoreConfig{
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript mirror: %w", err)
	}
	return storage.NewMirroredTranscriptStore(local, remote, nil), nil
}

// Catalog builds the worker catalog over a fresh gateway.
func Catalog(ctx context.Context, cfg *config.Config, log *zap.Logger) (*workers.Catalog, error) {
	transcripts, err := Transcripts(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(gateway.Options{Logger: log, KillGrace: cfg.KillGrace})
	return workers.NewCatalog(workers.ConfigFrom(cfg), gw, transcripts), nil
}

// Queue connects to Redis. It returns nil without error when no address is
// configured.
func Queue(cfg *config.Config) (*redis.RedisQueue, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	return redis.NewRedisQueue(cfg.RedisAddr)
}
