// Package workers knows the concrete worker programs the backend runs and
// builds gateway job specs for them.
package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	config "tenderhub/configs"
	"tenderhub/pkg/gateway"
	"tenderhub/pkg/logger"
	"tenderhub/pkg/models"
	"tenderhub/pkg/storage"
)

var (
	ErrInvalidInput = errors.New("invalid worker input")
	ErrUnknownPlan  = errors.New("unknown plan id")
	ErrPlanNotFound = errors.New("plan document not found")
)

// archiveTimeout bounds transcript archiving after a run resolved.
const archiveTimeout = 30 * time.Second

// Config locates the worker programs.
type Config struct {
	ProjectRoot    string
	PythonBin      string
	BatchScript    string
	SimulateScript string
	SpeechScript   string
	PlanScript     string
	PlanPDFDir     string

	SimulateDeadline time.Duration
	PlanDeadline     time.Duration
	SpeechDeadline   time.Duration
}

// ConfigFrom picks the worker settings out of the service config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ProjectRoot:      cfg.ProjectRoot,
		PythonBin:        cfg.PythonBin,
		BatchScript:      cfg.BatchScript,
		SimulateScript:   cfg.SimulateScript,
		SpeechScript:     cfg.SpeechScript,
		PlanScript:       cfg.PlanScript,
		PlanPDFDir:       cfg.PlanPDFDir,
		SimulateDeadline: cfg.SimulateDeadline,
		PlanDeadline:     cfg.PlanDeadline,
		SpeechDeadline:   cfg.SpeechDeadline,
	}
}

// Catalog builds job specs for each worker kind and runs them through a
// gateway, archiving every transcript.
type Catalog struct {
	cfg         Config
	runner      gateway.Runner
	transcripts storage.TranscriptStore
	log         *zap.Logger
}

// NewCatalog creates a catalog. transcripts may be nil to skip archiving.
func NewCatalog(cfg Config, runner gateway.Runner, transcripts storage.TranscriptStore) *Catalog {
	return &Catalog{
		cfg:         cfg,
		runner:      runner,
		transcripts: transcripts,
		log:         logger.Named("workers"),
	}
}

// BatchSpec describes the invoice OCR and analytics batch. It takes no
// input, prints a log, and has no deadline.
func (c *Catalog) BatchSpec() gateway.JobSpec {
	return gateway.JobSpec{
		Name:       string(models.JobKindBatch),
		Command:    c.cfg.PythonBin,
		Args:       []string{c.cfg.BatchScript},
		WorkingDir: c.cfg.ProjectRoot,
	}
}

// SimulationSpec describes a scenario simulation for the given request body,
// which must be a JSON object. An empty body is sent as {}.
func (c *Catalog) SimulationSpec(body []byte) (gateway.JobSpec, error) {
	input, err := objectInput(body)
	if err != nil {
		return gateway.JobSpec{}, err
	}
	return gateway.JobSpec{
		Name:                   string(models.JobKindSimulation),
		Command:                c.cfg.PythonBin,
		Args:                   []string{c.cfg.SimulateScript},
		WorkingDir:             c.cfg.ProjectRoot,
		Input:                  input,
		Deadline:               c.cfg.SimulateDeadline,
		ExpectStructuredOutput: true,
	}, nil
}

// SpeechSpec describes the speech worker.
func (c *Catalog) SpeechSpec() gateway.JobSpec {
	return gateway.JobSpec{
		Name:       string(models.JobKindSpeech),
		Command:    c.cfg.PythonBin,
		Args:       []string{c.cfg.SpeechScript},
		WorkingDir: c.cfg.ProjectRoot,
		Deadline:   c.cfg.SpeechDeadline,
	}
}

// PlanSpec describes a project plan generation for one catalog document.
func (c *Catalog) PlanSpec(pdfID string) (gateway.JobSpec, Plan, error) {
	plan, err := LookupPlan(pdfID)
	if err != nil {
		return gateway.JobSpec{}, Plan{}, err
	}

	pdfPath := filepath.Join(c.cfg.PlanPDFDir, plan.Filename)
	if _, err := os.Stat(pdfPath); err != nil {
		return gateway.JobSpec{}, plan, fmt.Errorf("%w: %s", ErrPlanNotFound, plan.Filename)
	}

	return gateway.JobSpec{
		Name:                   string(models.JobKindPlan),
		Command:                c.cfg.PythonBin,
		Args:                   []string{c.cfg.PlanScript, pdfPath},
		WorkingDir:             filepath.Dir(c.cfg.PlanScript),
		Deadline:               c.cfg.PlanDeadline,
		ExpectStructuredOutput: true,
	}, plan, nil
}

// ForDispatch rebuilds the job spec for a queued dispatch.
func (c *Catalog) ForDispatch(d *models.Dispatch) (gateway.JobSpec, error) {
	switch d.Kind {
	case models.JobKindBatch:
		return c.BatchSpec(), nil
	case models.JobKindSimulation:
		return c.SimulationSpec(d.Payload)
	case models.JobKindSpeech:
		return c.SpeechSpec(), nil
	case models.JobKindPlan:
		spec, _, err := c.PlanSpec(d.PlanID)
		return spec, err
	default:
		return gateway.JobSpec{}, fmt.Errorf("%w: unknown job kind %q", ErrInvalidInput, d.Kind)
	}
}

// Run executes spec and archives its transcript. The returned reference is
// empty when no transcript was stored.
func (c *Catalog) Run(ctx context.Context, spec gateway.JobSpec) (gateway.JobResult, string) {
	res := c.runner.Run(ctx, spec)
	return res, c.archive(ctx, res)
}

// Batch runs the invoice batch.
func (c *Catalog) Batch(ctx context.Context) gateway.JobResult {
	res, _ := c.Run(ctx, c.BatchSpec())
	return res
}

// Simulation runs a scenario simulation for body.
func (c *Catalog) Simulation(ctx context.Context, body []byte) (gateway.JobResult, error) {
	spec, err := c.SimulationSpec(body)
	if err != nil {
		return gateway.JobResult{}, err
	}
	res, _ := c.Run(ctx, spec)
	return res, nil
}

// Speech runs the speech worker.
func (c *Catalog) Speech(ctx context.Context) gateway.JobResult {
	res, _ := c.Run(ctx, c.SpeechSpec())
	return res
}

// Plan generates a project plan for the catalog document pdfID.
func (c *Catalog) Plan(ctx context.Context, pdfID string) (gateway.JobResult, Plan, error) {
	spec, plan, err := c.PlanSpec(pdfID)
	if err != nil {
		return gateway.JobResult{}, plan, err
	}
	res, _ := c.Run(ctx, spec)
	return res, plan, nil
}

// Transcripts exposes the archive, nil when archiving is off.
func (c *Catalog) Transcripts() storage.TranscriptStore {
	return c.transcripts
}

func (c *Catalog) archive(ctx context.Context, res gateway.JobResult) string {
	if c.transcripts == nil || res.ID == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	ref, err := c.transcripts.Store(ctx, res.ID, Transcript(res))
	if err != nil {
		c.log.Warn("failed to archive transcript",
			zap.String("job", res.Name),
			zap.String("run_id", res.ID),
			zap.Error(err),
		)
		return ""
	}
	return ref
}

// objectInput validates a simulation body and compacts it.
func objectInput(body []byte) ([]byte, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []byte("{}"), nil
	}
	if body[0] != '{' || !json.Valid(body) {
		return nil, fmt.Errorf("%w: request body must be a JSON object", ErrInvalidInput)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return buf.Bytes(), nil
}
