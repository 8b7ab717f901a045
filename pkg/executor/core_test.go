package executor_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"tenderhub/pkg/executor"
	"tenderhub/pkg/gateway"
	"tenderhub/pkg/logger"
	"tenderhub/pkg/models"
	"tenderhub/pkg/storage"
	"tenderhub/pkg/workers"
)

func TestMain(m *testing.M) {
	logger.Set(zap.NewNop())
	goleak.VerifyTestMain(m)
}

type delivery struct {
	id  string
	d   *models.Dispatch
	err error
}

type fakeQueue struct {
	deliveries chan delivery
	groupErr   error

	mu    sync.Mutex
	acked []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{deliveries: make(chan delivery, 16)}
}

func (q *fakeQueue) Push(context.Context, *models.Dispatch) error { return nil }

func (q *fakeQueue) Pop(ctx context.Context, _, _ string) (string, *models.Dispatch, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case m := <-q.deliveries:
		return m.id, m.d, m.err
	case <-time.After(10 * time.Millisecond):
		return "", nil, nil
	}
}

func (q *fakeQueue) Ack(_ context.Context, _ string, msgID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msgID)
	return nil
}

func (q *fakeQueue) EnsureGroup(context.Context, string) error { return q.groupErr }

func (q *fakeQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

type fakePublisher struct {
	mu        sync.Mutex
	summaries map[string]*models.RunSummary
}

func (p *fakePublisher) PublishResult(_ context.Context, s *models.RunSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.summaries == nil {
		p.summaries = make(map[string]*models.RunSummary)
	}
	p.summaries[s.DispatchID.String()] = s
	return nil
}

func (p *fakePublisher) get(d *models.Dispatch) *models.RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summaries[d.ID.String()]
}

func newCatalog(t *testing.T) *workers.Catalog {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	root := t.TempDir()
	write := func(rel, body string) string {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		return p
	}

	cfg := workers.Config{
		ProjectRoot:      root,
		PythonBin:        sh,
		BatchScript:      write("src/invoiceDashboard.py", "echo batch done"),
		SimulateScript:   write("scenario/generate.py", "cat"),
		SpeechScript:     write("scenario/speech.py", "echo no audio device >&2; exit 1"),
		PlanScript:       write("server/plan_generator_service.py", "echo '{}'"),
		PlanPDFDir:       filepath.Join(root, "plan_generator", "pdfs"),
		SimulateDeadline: 5 * time.Second,
	}

	transcripts, err := storage.NewLocalTranscriptStore(filepath.Join(root, "logs"))
	require.NoError(t, err)

	gw := gateway.New(gateway.Options{Logger: zap.NewNop(), KillGrace: time.Second})
	return workers.NewCatalog(cfg, gw, transcripts)
}

func TestExecutor_ConsumesAndAcksEveryDelivery(t *testing.T) {
	catalog := newCatalog(t)
	queue := newFakeQueue()
	results := &fakePublisher{}
	exe := executor.NewExecutor(executor.Config{Concurrency: 2}, catalog, queue, results)

	batch := models.NewDispatch(models.JobKindBatch, models.SourceScheduler)
	speech := models.NewDispatch(models.JobKindSpeech, models.SourceAPI)
	plan := models.NewDispatch(models.JobKindPlan, models.SourceAPI)
	plan.PlanID = "nowhere"

	queue.deliveries <- delivery{id: "1-0", d: batch}
	queue.deliveries <- delivery{id: "2-0", d: speech}
	queue.deliveries <- delivery{id: "3-0", d: plan}
	queue.deliveries <- delivery{id: "4-0", err: errors.New("invalid dispatch payload")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exe.Start(ctx) }()

	require.Eventually(t, func() bool { return len(queue.ackedIDs()) == 4 }, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"1-0", "2-0", "3-0", "4-0"}, queue.ackedIDs())

	got := results.get(batch)
	require.NotNil(t, got)
	assert.Equal(t, string(gateway.OutcomeSuccess), got.Outcome)
	assert.Equal(t, exe.ID, got.Executor)
	assert.NotEmpty(t, got.RunID)
	assert.FileExists(t, got.TranscriptRef)

	got = results.get(speech)
	require.NotNil(t, got)
	assert.Equal(t, string(gateway.OutcomeProcessError), got.Outcome)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)
	assert.Equal(t, "no audio device", got.Error)

	got = results.get(plan)
	require.NotNil(t, got)
	assert.Equal(t, executor.OutcomeRejected, got.Outcome)
	assert.Empty(t, got.RunID)
}

func TestExecute_SimulationPayload(t *testing.T) {
	exe := executor.NewExecutor(executor.Config{Concurrency: 1}, newCatalog(t), newFakeQueue(), nil)

	d := models.NewDispatch(models.JobKindSimulation, models.SourceAPI)
	d.Payload = []byte(`{"scenario":"storm"}`)

	summary := exe.Execute(context.Background(), d)

	assert.Equal(t, string(gateway.OutcomeSuccess), summary.Outcome)
	assert.Equal(t, models.JobKindSimulation, summary.Kind)
	assert.Empty(t, summary.Error)
}

func TestExecutor_GroupFailureStopsStart(t *testing.T) {
	queue := newFakeQueue()
	queue.groupErr = errors.New("NOAUTH")
	exe := executor.NewExecutor(executor.Config{}, newCatalog(t), queue, nil)

	err := exe.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOAUTH")
}

func TestNewExecutor_Defaults(t *testing.T) {
	exe := executor.NewExecutor(executor.Config{}, nil, newFakeQueue(), nil)

	assert.GreaterOrEqual(t, exe.Concurrency, 1)
	assert.LessOrEqual(t, exe.Concurrency, exe.TotalCPU)
	assert.NotEmpty(t, exe.ID)
}
