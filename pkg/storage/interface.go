package storage

import (
	"context"
	"errors"

	"tenderhub/pkg/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrQueueDisabled = errors.New("job queue is not configured")
)

// Queue defines the mechanism for dispatching jobs to executors.
type Queue interface {
	// Push adds a dispatch to the pending queue.
	Push(ctx context.Context, d *models.Dispatch) error

	// Pop retrieves a dispatch for a specific consumer group. A nil dispatch
	// with a nil error means nothing arrived before the read timed out.
	Pop(ctx context.Context, group string, consumer string) (string, *models.Dispatch, error)

	// Ack acknowledges a dispatch as processed.
	Ack(ctx context.Context, group string, msgID string) error

	// EnsureGroup ensures the consumer group exists.
	EnsureGroup(ctx context.Context, group string) error
}

// ResultPublisher announces resolved runs to whoever is listening.
type ResultPublisher interface {
	PublishResult(ctx context.Context, summary *models.RunSummary) error
}

// TranscriptStore archives the captured output of a run.
type TranscriptStore interface {
	// Store saves a transcript and returns a reference path/URL.
	Store(ctx context.Context, runID string, transcript []byte) (string, error)
	// Retrieve fetches a transcript by run ID. Missing runs yield ErrNotFound.
	Retrieve(ctx context.Context, runID string) ([]byte, error)
}
