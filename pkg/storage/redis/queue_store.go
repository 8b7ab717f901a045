package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tenderhub/pkg/models"
	"tenderhub/pkg/storage"
)

const (
	StreamKeyPending = "jobs:queue:pending"
	StreamKeyResults = "jobs:results"

	// resultsMaxLen caps the results stream; older summaries are trimmed.
	resultsMaxLen = 1000
)

var (
	_ storage.Queue           = (*RedisQueue)(nil)
	_ storage.ResultPublisher = (*RedisQueue)(nil)
)

type RedisQueue struct {
	client   *redis.Client
	popBlock time.Duration
}

// RedisQueueConfig holds Redis connection configuration
type RedisQueueConfig struct {
	Addr         string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	// PopBlock is how long Pop waits for a message before returning empty.
	PopBlock     time.Duration
}

// DefaultRedisQueueConfig returns defaults sized for a handful of API and
// executor processes.
func DefaultRedisQueueConfig(addr string) RedisQueueConfig {
	return RedisQueueConfig{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		PopBlock:     2 * time.Second,
	}
}

// NewRedisQueue initializes a new Redis client with default config.
func NewRedisQueue(addr string) (*RedisQueue, error) {
	return NewRedisQueueWithConfig(DefaultRedisQueueConfig(addr))
}

// NewRedisQueueWithConfig initializes a new Redis client with custom config.
func NewRedisQueueWithConfig(cfg RedisQueueConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		// Blocking reads must outlive the XREADGROUP block.
		ReadTimeout:  cfg.ReadTimeout + cfg.PopBlock,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	block := cfg.PopBlock
	if block <= 0 {
		block = 2 * time.Second
	}
	return &RedisQueue{client: client, popBlock: block}, nil
}

func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Ping checks the connection, for health reporting.
func (r *RedisQueue) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Push adds a dispatch to the pending stream.
func (r *RedisQueue) Push(ctx context.Context, d *models.Dispatch) error {
	values, err := dispatchValues(d)
	if err != nil {
		return err
	}

	// XADD jobs:queue:pending * payload {json} kind ... dispatch_id ...
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKeyPending,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push to queue: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (r *RedisQueue) EnsureGroup(ctx context.Context, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, StreamKeyPending, group, "$").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Pop retrieves a dispatch from the queue for a specific consumer group.
func (r *RedisQueue) Pop(ctx context.Context, group string, consumer string) (string, *models.Dispatch, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamKeyPending, ">"},
		Count:    1,
		Block:    r.popBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil // Timeout, no jobs
		}
		return "", nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", nil, nil
	}

	msg := streams[0].Messages[0]
	d, err := decodeDispatch(msg.Values)
	return msg.ID, d, err
}

// Ack acknowledges a dispatch as processed.
func (r *RedisQueue) Ack(ctx context.Context, group string, msgID string) error {
	if err := r.client.XAck(ctx, StreamKeyPending, group, msgID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", msgID, err)
	}
	return nil
}

// PublishResult appends a run summary to the capped results stream.
func (r *RedisQueue) PublishResult(ctx context.Context, summary *models.RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKeyResults,
		MaxLen: resultsMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload":     payload,
			"dispatch_id": summary.DispatchID.String(),
			"outcome":     summary.Outcome,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// RecentResults returns up to n of the newest run summaries, newest first.
func (r *RedisQueue) RecentResults(ctx context.Context, n int64) ([]models.RunSummary, error) {
	msgs, err := r.client.XRevRangeN(ctx, StreamKeyResults, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}

	out := make([]models.RunSummary, 0, len(msgs))
	for _, msg := range msgs {
		payload, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var s models.RunSummary
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func dispatchValues(d *models.Dispatch) (map[string]interface{}, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dispatch: %w", err)
	}
	return map[string]interface{}{
		"payload":     payload,
		"kind":        string(d.Kind),
		"dispatch_id": d.ID.String(),
	}, nil
}

func decodeDispatch(values map[string]interface{}) (*models.Dispatch, error) {
	payloadStr, ok := values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid payload format")
	}

	var d models.Dispatch
	if err := json.Unmarshal([]byte(payloadStr), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dispatch: %w", err)
	}
	if !d.Kind.Valid() {
		return nil, fmt.Errorf("unknown job kind %q", d.Kind)
	}
	return &d, nil
}
