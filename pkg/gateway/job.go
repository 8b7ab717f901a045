package gateway

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// Outcome classifies how a single job execution ended.
type Outcome string

const (
	OutcomeSuccess            Outcome = "SUCCESS"
	OutcomeProcessError       Outcome = "PROCESS_ERROR"
	OutcomeTimedOut           Outcome = "TIMED_OUT"
	OutcomeLaunchFailed       Outcome = "LAUNCH_FAILED"
	OutcomeInputWriteFailed   Outcome = "INPUT_WRITE_FAILED"
	OutcomeOutputDecodeFailed Outcome = "OUTPUT_DECODE_FAILED"
)

// JobSpec describes one unit of work for a worker process.
// A JobSpec is consumed by exactly one Run; retries build a new one.
type JobSpec struct {
	// Name labels the job kind in logs, metrics and traces (e.g. "batch").
	Name string

	Command    string
	Args       []string
	WorkingDir string

	// Env is appended to the inherited environment.
	Env []string

	// Input is written to stdin when non-nil. A nil Input closes stdin
	// immediately without writing.
	Input []byte

	// Deadline bounds wall-clock execution. Zero means unbounded.
	Deadline time.Duration

	// ExpectStructuredOutput requires stdout of a successful run to decode
	// as exactly one JSON value.
	ExpectStructuredOutput bool
}

// JobResult is the fully classified outcome of one JobSpec execution.
type JobResult struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`

	// ExitCode is set only when the process actually exited.
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	PID      int    `json:"pid,omitempty"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// Decoded is set only for OutcomeSuccess with ExpectStructuredOutput.
	Decoded any `json:"decoded,omitempty"`

	// RawOutputOnDecodeFailure holds the exact stdout bytes when decoding failed.
	RawOutputOnDecodeFailure string `json:"raw_output,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Err is the underlying error for launch, input and cancellation failures.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Runner executes job specs. *Gateway is the production implementation.
type Runner interface {
	// Run executes spec and blocks until its JobResult is resolved.
	Run(ctx context.Context, spec JobSpec) JobResult
}

// Succeeded reports whether the job resolved as OutcomeSuccess.
func (r JobResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Diagnostic returns the most useful failure text: stderr, then stdout,
// then the underlying error.
func (r JobResult) Diagnostic() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	if r.Stdout != "" {
		return r.Stdout
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Error
}

func trimLog(b []byte) string {
	return strings.TrimRightFunc(string(b), unicode.IsSpace)
}

func intPtr(v int) *int {
	return &v
}
