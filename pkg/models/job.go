package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind names a worker the backend knows how to run.
type JobKind string

const (
	JobKindBatch      JobKind = "batch"
	JobKindSimulation JobKind = "simulation"
	JobKindSpeech     JobKind = "speech"
	JobKindPlan       JobKind = "plan"
)

// Valid reports whether k is one of the known worker kinds.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindBatch, JobKindSimulation, JobKindSpeech, JobKindPlan:
		return true
	}
	return false
}

// DispatchSource records who asked for a job.
type DispatchSource string

const (
	SourceAPI       DispatchSource = "api"
	SourceScheduler DispatchSource = "scheduler"
	SourceWatcher   DispatchSource = "watcher"
	SourceCLI       DispatchSource = "cli"
)

// Dispatch is a request to run one worker asynchronously. It travels through
// the queue as JSON and is consumed exactly once by an executor.
type Dispatch struct {
	ID          uuid.UUID       `json:"id"`
	Kind        JobKind         `json:"kind"`
	Source      DispatchSource  `json:"source"`
	Payload     json.RawMessage `json:"payload,omitempty"` // simulation request body
	PlanID      string          `json:"plan_id,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// NewDispatch creates a dispatch with a fresh ID.
func NewDispatch(kind JobKind, source DispatchSource) *Dispatch {
	return &Dispatch{
		ID:          uuid.New(),
		Kind:        kind,
		Source:      source,
		RequestedAt: time.Now().UTC(),
	}
}

// RunSummary is what an executor publishes once a dispatched job resolves.
type RunSummary struct {
	DispatchID    uuid.UUID `json:"dispatch_id"`
	RunID         string    `json:"run_id"`
	Kind          JobKind   `json:"kind"`
	Outcome       string    `json:"outcome"`
	ExitCode      *int      `json:"exit_code"`
	Signal        string    `json:"signal,omitempty"`
	Error         string    `json:"error,omitempty"`
	Executor      string    `json:"executor"`
	TranscriptRef string    `json:"transcript_ref,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	DurationMs    int64     `json:"duration_ms"`
}
