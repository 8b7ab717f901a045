// Package scheduler enqueues recurring invoice batches on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tenderhub/pkg/logger"
	"tenderhub/pkg/metrics"
	"tenderhub/pkg/models"
	"tenderhub/pkg/storage"
)

// pushTimeout bounds a single enqueue.
const pushTimeout = 5 * time.Second

// Entry is one recurring dispatch.
type Entry struct {
	Schedule string
	Kind     models.JobKind
	PlanID   string
}

type Core struct {
	queue   storage.Queue
	cron    *cron.Cron
	entries []Entry
	log     *zap.Logger
}

// NewCore parses every entry up front; an invalid schedule or kind fails
// construction. Schedules use the standard five fields or descriptors such
// as "@every 1h".
func NewCore(queue storage.Queue, entries ...Entry) (*Core, error) {
	c := &Core{
		queue:   queue,
		entries: entries,
		log:     logger.Named("scheduler"),
	}
	c.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	for _, e := range entries {
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("invalid job kind %q for schedule %q", e.Kind, e.Schedule)
		}
		if _, err := c.cron.AddFunc(e.Schedule, func() { c.Dispatch(context.Background(), e) }); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", e.Schedule, err)
		}
	}
	return c, nil
}

// Run starts the cron loop and blocks until ctx is cancelled. A dispatch in
// progress is allowed to finish before Run returns.
func (c *Core) Run(ctx context.Context) {
	c.cron.Start()
	for _, e := range c.cron.Entries() {
		c.log.Info("schedule registered", zap.Time("next_run", e.Next))
	}

	<-ctx.Done()
	c.log.Info("shutting down")
	<-c.cron.Stop().Done()
}

// Dispatch enqueues one run of entry.
func (c *Core) Dispatch(ctx context.Context, entry Entry) {
	d := models.NewDispatch(entry.Kind, models.SourceScheduler)
	d.PlanID = entry.PlanID

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	if err := c.queue.Push(ctx, d); err != nil {
		c.log.Error("failed to enqueue scheduled dispatch",
			zap.String("kind", string(d.Kind)),
			zap.String("schedule", entry.Schedule),
			zap.Error(err),
		)
		return
	}

	metrics.RecordDispatch(string(d.Kind), string(d.Source))
	c.log.Info("dispatched",
		zap.String("kind", string(d.Kind)),
		zap.Stringer("dispatch_id", d.ID),
	)
}
