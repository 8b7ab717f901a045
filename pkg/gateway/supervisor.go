package gateway

import (
	"context"
	"sync/atomic"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"tenderhub/pkg/metrics"
)

// Resolution states. The first transition out of stateRunning is final,
// except that an input failure may still override a natural exit.
const (
	stateRunning int32 = iota
	stateExited
	stateTimedOut
	stateInputFailed
)

// execution is the per-job bookkeeping shared by the collector, the exit
// waiter and the deadline supervisor. Nothing in it is shared across jobs.
type execution struct {
	name string
	proc *process
	col  *collector
	log  *zap.Logger

	state atomic.Int32

	exited     chan struct{} // closed once Wait has returned
	waitErr    error         // valid after exited is closed
	terminated chan struct{} // closed once a deadline kill has been issued
}

func newExecution(name string, p *process, log *zap.Logger) *execution {
	return &execution{
		name:       name,
		proc:       p,
		col:        newCollector(p),
		log:        log,
		exited:     make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// wait reaps the worker and records the exit as observed, unless a deadline
// has already claimed the job.
func (e *execution) wait() {
	e.waitErr = e.proc.cmd.Wait()
	e.state.CompareAndSwap(stateRunning, stateExited)
	close(e.exited)
}

// onDeadline runs when the countdown (or the caller's context) fires.
func (e *execution) onDeadline() {
	if e.state.CompareAndSwap(stateRunning, stateTimedOut) {
		// Seal first: nothing may be appended once the kill is issued.
		e.col.stop()
		e.kill()
		metrics.GatewayDeadlineKills.WithLabelValues(e.name).Inc()
		close(e.terminated)
		return
	}

	// The job already resolved. Reap whatever is still running or still
	// holding the pipes open, without touching the outcome.
	select {
	case <-e.exited:
		select {
		case <-e.col.done:
			return
		default:
		}
	default:
	}
	e.col.stop()
	e.kill()
}

// claimInputFailure marks the job as failed by its input. It loses only to
// a deadline that was observed first.
func (e *execution) claimInputFailure() bool {
	for {
		s := e.state.Load()
		if s == stateTimedOut {
			return false
		}
		if e.state.CompareAndSwap(s, stateInputFailed) {
			return true
		}
	}
}

func (e *execution) kill() {
	if err := killGroup(e.proc); err != nil {
		e.log.Warn("failed to kill worker process group",
			zap.String("job", e.name),
			zap.Int("pid", e.proc.pid()),
			zap.Error(err),
		)
	}
}

// awaitTermination waits up to grace for a killed worker to be reaped. If it
// is not, the PID is probed so the log says whether it is really gone.
func (e *execution) awaitTermination(ctx context.Context, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-e.exited:
		return true
	case <-timer.C:
	}

	pid := e.proc.pid()
	alive, err := gopsprocess.PidExistsWithContext(context.WithoutCancel(ctx), int32(pid))
	e.log.Warn("worker not reaped within kill grace",
		zap.String("job", e.name),
		zap.Int("pid", pid),
		zap.Duration("grace", grace),
		zap.Bool("pid_exists", alive),
		zap.Error(err),
	)
	return false
}
