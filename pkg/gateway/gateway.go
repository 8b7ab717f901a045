// Package gateway runs external worker programs as child processes and turns
// their raw process outcome into a classified JobResult.
package gateway

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tenderhub/pkg/logger"
	"tenderhub/pkg/metrics"
)

// DefaultKillGrace bounds how long a timed-out job waits for its killed
// worker to be reaped before resolving anyway.
const DefaultKillGrace = 5 * time.Second

// Options configures a Gateway.
type Options struct {
	Logger    *zap.Logger
	KillGrace time.Duration
}

// Gateway launches workers and resolves their results. A Gateway holds no
// per-job state, so one instance serves any number of concurrent jobs.
type Gateway struct {
	log       *zap.Logger
	killGrace time.Duration
	tracer    trace.Tracer
}

var _ Runner = (*Gateway)(nil)

// New creates a Gateway.
func New(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	return &Gateway{
		log:       log.Named("gateway"),
		killGrace: grace,
		tracer:    otel.Tracer("tenderhub/gateway"),
	}
}

// Run executes spec and blocks until its result is resolved.
//
// Cancelling ctx terminates the worker the same way an expired deadline
// does; the job then resolves as OutcomeTimedOut with Err set to the
// context's cause.
func (g *Gateway) Run(ctx context.Context, spec JobSpec) JobResult {
	name := jobName(spec)
	ctx, span := g.tracer.Start(ctx, "gateway.run",
		trace.WithAttributes(
			attribute.String("job.name", name),
			attribute.String("job.command", spec.Command),
			attribute.Int64("job.deadline_ms", spec.Deadline.Milliseconds()),
			attribute.Bool("job.structured", spec.ExpectStructuredOutput),
		),
	)
	defer span.End()

	res := JobResult{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: time.Now(),
	}
	log := g.log.With(zap.String("job", name), zap.String("run_id", res.ID))

	proc, err := launch(spec)
	if err != nil {
		res.Outcome = OutcomeLaunchFailed
		res.Err = err
		return g.finish(span, log, res)
	}
	res.PID = proc.pid()
	log.Debug("worker launched",
		zap.String("command", spec.Command),
		zap.Strings("args", spec.Args),
		zap.Int("pid", res.PID),
	)

	metrics.GatewayJobsRunning.WithLabelValues(name).Inc()
	defer metrics.GatewayJobsRunning.WithLabelValues(name).Dec()

	// The countdown starts at launch.
	runCtx, cancel := context.WithCancel(ctx)
	if spec.Deadline > 0 {
		cancel()
		runCtx, cancel = context.WithTimeout(ctx, spec.Deadline)
	}

	e := newExecution(name, proc, log)
	e.col.start()
	go e.wait()
	stopSupervisor := context.AfterFunc(runCtx, e.onDeadline)

	if ferr := feed(proc.stdin, spec.Input); ferr != nil && e.claimInputFailure() {
		// Resolve now. The worker may still exit cleanly on its own, so it is
		// not killed; the countdown stays armed until it does.
		go func() {
			<-e.exited
			<-e.col.done
			stopSupervisor()
			cancel()
		}()
		res.Outcome = OutcomeInputWriteFailed
		res.Err = ferr
		res.Stdout = trimLog(e.col.stdout.snapshot())
		res.Stderr = trimLog(e.col.stderr.snapshot())
		return g.finish(span, log, res)
	}

	select {
	case <-e.exited:
	case <-e.terminated:
		e.awaitTermination(ctx, g.killGrace)
	}
	<-e.col.done

	if e.state.Load() == stateTimedOut {
		<-e.terminated
		res.Outcome = OutcomeTimedOut
		res.Err = context.Cause(runCtx)
		stopSupervisor()
		cancel()
		res.Stdout = trimLog(e.col.stdout.snapshot())
		res.Stderr = trimLog(e.col.stderr.snapshot())
		return g.finish(span, log, res)
	}

	stopSupervisor()
	cancel()
	if e.col.err != nil {
		log.Warn("worker stream collection failed", zap.Error(e.col.err))
	}

	stdout := e.col.stdout.snapshot()
	res.Stdout = trimLog(stdout)
	res.Stderr = trimLog(e.col.stderr.snapshot())
	res = resolveExit(res, e, spec, stdout)
	return g.finish(span, log, res)
}

// finish stamps duration and error text, and records logs, metrics and
// span attributes for a resolved job.
func (g *Gateway) finish(span trace.Span, log *zap.Logger, res JobResult) JobResult {
	res.Duration = time.Since(res.StartedAt)
	if res.Err != nil {
		res.Error = res.Err.Error()
	}

	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", res.Duration),
		zap.Int("stdout_bytes", len(res.Stdout)),
		zap.Int("stderr_bytes", len(res.Stderr)),
	}
	if res.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *res.ExitCode))
	}
	if res.Signal != "" {
		fields = append(fields, zap.String("signal", res.Signal))
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	if res.Succeeded() {
		log.Info("job resolved", fields...)
	} else {
		log.Warn("job resolved", fields...)
	}

	metrics.RecordJob(res.Name, string(res.Outcome), res.Duration.Seconds(), len(res.Stdout), len(res.Stderr))

	span.SetAttributes(attribute.String("job.outcome", string(res.Outcome)))
	if res.ExitCode != nil {
		span.SetAttributes(attribute.Int("job.exit_code", *res.ExitCode))
	}
	if !res.Succeeded() {
		span.SetStatus(codes.Error, string(res.Outcome))
		if res.Err != nil {
			span.RecordError(res.Err)
		}
	}
	return res
}

func jobName(spec JobSpec) string {
	if spec.Name != "" {
		return spec.Name
	}
	return filepath.Base(spec.Command)
}
