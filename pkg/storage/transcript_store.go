package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tenderhub/pkg/logger"
	"tenderhub/pkg/metrics"
	"tenderhub/pkg/resilience"
)

// ErrInvalidRunID is returned for run IDs that are not UUIDs. Run IDs end up
// in file names and object keys, so nothing else is accepted.
var ErrInvalidRunID = errors.New("invalid run id")

func checkRunID(runID string) error {
	if _, err := uuid.Parse(runID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return nil
}

// s3API is the part of *s3.Client the transcript store needs.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3TranscriptStore stores transcripts in S3-compatible storage
type S3TranscriptStore struct {
	client s3API
	bucket string
	prefix string
}

// S3TranscriptStoreConfig holds S3 configuration
type S3TranscriptStoreConfig struct {
	Bucket          string
	Prefix          string // e.g., "transcripts"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3TranscriptStore creates a new S3-backed transcript store
func NewS3TranscriptStore(ctx context.Context, cfg S3TranscriptStoreConfig) (*S3TranscriptStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return newS3TranscriptStore(s3.NewFromConfig(awsCfg, clientOpts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3TranscriptStore(client s3API, bucket, prefix string) *S3TranscriptStore {
	return &S3TranscriptStore{client: client, bucket: bucket, prefix: prefix}
}

// Store uploads a transcript to S3
func (s *S3TranscriptStore) Store(ctx context.Context, runID string, transcript []byte) (string, error) {
	if err := checkRunID(runID); err != nil {
		return "", err
	}
	key := s.key(runID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(transcript),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload transcript to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches a transcript from S3
func (s *S3TranscriptStore) Retrieve(ctx context.Context, runID string) ([]byte, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(runID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transcript from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return data, nil
}

func (s *S3TranscriptStore) key(runID string) string {
	return path.Join(s.prefix, runID+".log")
}

// LocalTranscriptStore stores transcripts on the local filesystem
type LocalTranscriptStore struct {
	basePath string
}

// NewLocalTranscriptStore creates a local filesystem transcript store
func NewLocalTranscriptStore(basePath string) (*LocalTranscriptStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &LocalTranscriptStore{basePath: basePath}, nil
}

// Store saves a transcript to the local filesystem
func (l *LocalTranscriptStore) Store(_ context.Context, runID string, transcript []byte) (string, error) {
	if err := checkRunID(runID); err != nil {
		return "", err
	}
	p := l.path(runID)
	if err := os.WriteFile(p, transcript, 0644); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}
	return p, nil
}

// Retrieve reads a transcript from the local filesystem
func (l *LocalTranscriptStore) Retrieve(_ context.Context, runID string) ([]byte, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return data, nil
}

func (l *LocalTranscriptStore) path(runID string) string {
	return filepath.Join(l.basePath, runID+".log")
}

// MirroredTranscriptStore writes to a primary store and copies each
// transcript to a remote mirror. The mirror sits behind a circuit breaker;
// its failures are logged and counted but never fail Store.
type MirroredTranscriptStore struct {
	primary TranscriptStore
	mirror  TranscriptStore
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewMirroredTranscriptStore wraps primary with a mirror. A nil breaker gets
// the default configuration.
func NewMirroredTranscriptStore(primary, mirror TranscriptStore, breaker *resilience.CircuitBreaker) *MirroredTranscriptStore {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("transcript-mirror", resilience.DefaultCircuitBreakerConfig())
	}
	return &MirroredTranscriptStore{
		primary: primary,
		mirror:  mirror,
		breaker: breaker,
		log:     logger.Named("transcripts"),
	}
}

// Store saves to the primary store, then mirrors. The returned reference is
// the mirror's when the upload succeeded.
func (m *MirroredTranscriptStore) Store(ctx context.Context, runID string, transcript []byte) (string, error) {
	ref, err := m.primary.Store(ctx, runID, transcript)
	if err != nil {
		metrics.TranscriptWrites.WithLabelValues("primary", "error").Inc()
		return "", err
	}
	metrics.TranscriptWrites.WithLabelValues("primary", "ok").Inc()

	var remote string
	err = m.breaker.Execute(ctx, func() error {
		var serr error
		remote, serr = m.mirror.Store(ctx, runID, transcript)
		return serr
	})
	if err != nil {
		metrics.TranscriptWrites.WithLabelValues("mirror", "error").Inc()
		m.log.Warn("transcript mirror failed",
			zap.String("run_id", runID),
			zap.String("breaker", m.breaker.State().String()),
			zap.Error(err),
		)
		return ref, nil
	}
	metrics.TranscriptWrites.WithLabelValues("mirror", "ok").Inc()
	return remote, nil
}

// Retrieve reads from the primary store and falls back to the mirror.
func (m *MirroredTranscriptStore) Retrieve(ctx context.Context, runID string) ([]byte, error) {
	data, err := m.primary.Retrieve(ctx, runID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return data, err
	}
	missing := false
	err = m.breaker.Execute(ctx, func() error {
		var rerr error
		data, rerr = m.mirror.Retrieve(ctx, runID)
		if errors.Is(rerr, ErrNotFound) {
			// Absent objects do not count as mirror failures.
			missing = true
			return nil
		}
		return rerr
	})
	if missing {
		return nil, ErrNotFound
	}
	return data, err
}
