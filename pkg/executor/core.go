// Package executor consumes queued dispatches and runs them through the
// worker catalog.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tenderhub/pkg/gateway"
	"tenderhub/pkg/logger"
	"tenderhub/pkg/metrics"
	"tenderhub/pkg/models"
	tracing "tenderhub/pkg/observability"
	"tenderhub/pkg/storage"
	"tenderhub/pkg/workers"
)

const (
	DefaultGroup = "tenderhub-executors"

	// OutcomeRejected marks dispatches that never reached the gateway because
	// no job spec could be built for them.
	OutcomeRejected = "REJECTED"

	// workerMemoryMB is the memory budget assumed per concurrent worker.
	workerMemoryMB = 512
)

// Config tunes an executor.
type Config struct {
	Group string
	// Concurrency caps parallel jobs. Zero sizes the pool from host resources.
	Concurrency int
	// ErrorBackoff is the pause after a failed queue read.
	ErrorBackoff time.Duration
}

type Executor struct {
	ID       string
	Hostname string

	// Resources
	TotalCPU    int
	TotalMem    uint64 // In MB
	Concurrency int

	catalog *workers.Catalog
	queue   storage.Queue
	results storage.ResultPublisher
	group   string
	backoff time.Duration
	tracer  trace.Tracer
	log     *zap.Logger
}

// NewExecutor creates an executor. results may be nil when nobody listens
// for run summaries.
func NewExecutor(cfg Config, catalog *workers.Catalog, queue storage.Queue, results storage.ResultPublisher) *Executor {
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	e := &Executor{
		ID:       id,
		Hostname: hostname,
		TotalCPU: detectCPUs(),
		TotalMem: detectTotalMemory(),
		catalog:  catalog,
		queue:    queue,
		results:  results,
		group:    cfg.Group,
		backoff:  cfg.ErrorBackoff,
		tracer:   otel.Tracer("tenderhub/executor"),
		log:      logger.Named("executor").With(zap.String("executor_id", id)),
	}
	if e.group == "" {
		e.group = DefaultGroup
	}
	if e.backoff == 0 {
		e.backoff = time.Second
	}
	e.Concurrency = cfg.Concurrency
	if e.Concurrency <= 0 {
		e.Concurrency = poolSize(e.TotalCPU, e.TotalMem)
	}
	return e
}

func detectCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		logger.Warn("failed to detect cpu count, using runtime value", zap.Error(err))
		return runtime.NumCPU()
	}
	return n
}

func detectTotalMemory() uint64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("failed to detect memory, defaulting to 1GB", zap.Error(err))
		return 1024
	}
	return v.Total / 1024 / 1024
}

// poolSize allows one worker per CPU, bounded by the memory budget.
func poolSize(cpus int, memMB uint64) int {
	byMem := int(memMB / workerMemoryMB)
	return max(1, min(cpus, byMem))
}

// Start consumes dispatches until ctx is cancelled, then waits for in-flight
// jobs. Cancelling ctx also cancels running jobs; they resolve as timed out
// and are still reported and acknowledged.
func (e *Executor) Start(ctx context.Context) error {
	if err := e.queue.EnsureGroup(ctx, e.group); err != nil {
		return fmt.Errorf("failed to ensure consumer group: %w", err)
	}

	e.log.Info("executor started",
		zap.Int("cpus", e.TotalCPU),
		zap.Uint64("memory_mb", e.TotalMem),
		zap.Int("concurrency", e.Concurrency),
	)

	// Worker Pool Semaphore
	sem := make(chan struct{}, e.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("executor stopping, waiting for running jobs")
			return nil
		case sem <- struct{}{}:
		}

		msgID, d, err := e.queue.Pop(ctx, e.group, e.ID)
		if err != nil && msgID == "" {
			<-sem
			if ctx.Err() != nil {
				continue
			}
			e.log.Warn("failed to pop dispatch", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(e.backoff):
			}
			continue
		}
		if msgID == "" {
			<-sem
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.handle(ctx, msgID, d, err)
		}()
	}
}

// handle runs one delivered message to completion. Every delivered message is
// acknowledged, including ones that cannot be decoded or dispatched.
func (e *Executor) handle(ctx context.Context, msgID string, d *models.Dispatch, popErr error) {
	defer e.ack(ctx, msgID)

	if popErr != nil {
		e.log.Error("dropping undecodable dispatch", zap.String("msg_id", msgID), zap.Error(popErr))
		metrics.ExecutorJobsConsumed.WithLabelValues("unknown", OutcomeRejected).Inc()
		return
	}

	summary := e.Execute(ctx, d)
	e.publish(ctx, summary)
}

// Execute runs one dispatch and summarizes its resolution.
func (e *Executor) Execute(ctx context.Context, d *models.Dispatch) *models.RunSummary {
	ctx, span := e.tracer.Start(ctx, "executor.dispatch",
		trace.WithAttributes(
			attribute.String("dispatch.id", d.ID.String()),
			attribute.String("dispatch.kind", string(d.Kind)),
			attribute.String("dispatch.source", string(d.Source)),
		),
	)
	defer span.End()

	log := e.log.With(zap.Stringer("dispatch_id", d.ID), zap.String("kind", string(d.Kind)))

	summary := &models.RunSummary{
		DispatchID: d.ID,
		Kind:       d.Kind,
		Executor:   e.ID,
		StartedAt:  time.Now().UTC(),
	}

	spec, err := e.catalog.ForDispatch(d)
	if err != nil {
		log.Warn("rejecting dispatch", zap.Error(err))
		summary.Outcome = OutcomeRejected
		summary.Error = err.Error()
		metrics.ExecutorJobsConsumed.WithLabelValues(string(d.Kind), OutcomeRejected).Inc()
		return summary
	}

	metrics.ExecutorJobsRunning.Inc()
	defer metrics.ExecutorJobsRunning.Dec()

	log.Info("running dispatch", zap.Duration("queued_for", time.Since(d.RequestedAt)))
	res, ref := e.catalog.Run(ctx, spec)

	summary.RunID = res.ID
	summary.Outcome = string(res.Outcome)
	summary.ExitCode = res.ExitCode
	summary.Signal = res.Signal
	summary.TranscriptRef = ref
	summary.StartedAt = res.StartedAt
	summary.DurationMs = res.Duration.Milliseconds()
	if !res.Succeeded() {
		summary.Error = res.Diagnostic()
	}

	metrics.ExecutorJobsConsumed.WithLabelValues(string(d.Kind), string(res.Outcome)).Inc()
	tracing.AddEvent(ctx, "dispatch.resolved",
		attribute.String("run.id", res.ID),
		attribute.String("run.outcome", string(res.Outcome)),
	)

	fields := []zap.Field{
		zap.String("run_id", res.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", res.Duration),
	}
	if res.Outcome == gateway.OutcomeSuccess {
		log.Info("dispatch finished", fields...)
	} else {
		log.Warn("dispatch failed", append(fields, zap.String("error", summary.Error))...)
	}
	return summary
}

func (e *Executor) publish(ctx context.Context, summary *models.RunSummary) {
	if e.results == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.results.PublishResult(ctx, summary); err != nil {
		e.log.Error("failed to publish run summary",
			zap.Stringer("dispatch_id", summary.DispatchID),
			zap.Error(err),
		)
	}
}

func (e *Executor) ack(ctx context.Context, msgID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.queue.Ack(ctx, e.group, msgID); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("failed to ack dispatch", zap.String("msg_id", msgID), zap.Error(err))
	}
}
