package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenderhub/pkg/resilience"
)

// fakeS3 keeps objects in memory and can be told to fail uploads.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestLocalTranscriptStore(t *testing.T) {
	store, err := NewLocalTranscriptStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	runID := uuid.NewString()

	ref, err := store.Store(ctx, runID, []byte("STDOUT:\nok\nSTDERR:\n"))
	require.NoError(t, err)
	assert.Contains(t, ref, runID+".log")

	data, err := store.Retrieve(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "STDOUT:\nok\nSTDERR:\n", string(data))

	_, err = store.Retrieve(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalTranscriptStore_RejectsPathLikeIDs(t *testing.T) {
	store, err := NewLocalTranscriptStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"../../etc/passwd", "", "abc"} {
		_, err := store.Store(context.Background(), id, []byte("x"))
		require.ErrorIs(t, err, ErrInvalidRunID)
		_, err = store.Retrieve(context.Background(), id)
		require.ErrorIs(t, err, ErrInvalidRunID)
	}
}

func TestS3TranscriptStore(t *testing.T) {
	fake := newFakeS3()
	store := newS3TranscriptStore(fake, "bucket", "transcripts")
	ctx := context.Background()
	runID := uuid.NewString()

	ref, err := store.Store(ctx, runID, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/transcripts/"+runID+".log", ref)

	data, err := store.Retrieve(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = store.Retrieve(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMirroredTranscriptStore_MirrorsAndFallsBack(t *testing.T) {
	local, err := NewLocalTranscriptStore(t.TempDir())
	require.NoError(t, err)
	fake := newFakeS3()
	mirror := newS3TranscriptStore(fake, "bucket", "t")
	store := NewMirroredTranscriptStore(local, mirror, nil)
	ctx := context.Background()

	runID := uuid.NewString()
	ref, err := store.Store(ctx, runID, []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/t/"+runID+".log", ref)

	// Only the mirror has this one.
	onlyRemote := uuid.NewString()
	_, err = mirror.Store(ctx, onlyRemote, []byte("remote"))
	require.NoError(t, err)

	data, err := store.Retrieve(ctx, onlyRemote)
	require.NoError(t, err)
	assert.Equal(t, "remote", string(data))

	_, err = store.Retrieve(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMirroredTranscriptStore_MirrorFailureKeepsLocalCopy(t *testing.T) {
	local, err := NewLocalTranscriptStore(t.TempDir())
	require.NoError(t, err)
	fake := newFakeS3()
	fake.putErr = errors.New("bucket unreachable")
	breaker := resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		MaxRequests:      1,
	})
	store := NewMirroredTranscriptStore(local, newS3TranscriptStore(fake, "bucket", "t"), breaker)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		runID := uuid.NewString()
		ref, err := store.Store(ctx, runID, []byte("body"))
		require.NoError(t, err)
		assert.Contains(t, ref, runID+".log")
		assert.NotContains(t, ref, "s3://")

		data, err := store.Retrieve(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, "body", string(data))
	}

	assert.Equal(t, resilience.CircuitOpen, breaker.State())
	assert.Equal(t, 2, fake.puts, "open breaker should stop further uploads")
}
