package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tenderhub/pkg/gateway"
	"tenderhub/pkg/metrics"
	"tenderhub/pkg/models"
	tracing "tenderhub/pkg/observability"
	"tenderhub/pkg/storage"
	"tenderhub/pkg/workers"

	"go.opentelemetry.io/otel/attribute"
)

const dashboardFile = "invoice-dashboard.json"

// --- Request/Response DTOs ---

// PlanRequest is the payload for generating a project plan.
type PlanRequest struct {
	PDFID string `json:"pdf_id"`
}

// jobFailure is the body for worker failures that carry no decode problem.
func jobFailure(res gateway.JobResult) gin.H {
	return gin.H{
		"ok":    false,
		"code":  res.ExitCode,
		"error": res.Diagnostic(),
	}
}

// jobContext detaches the job from the client connection: a worker started
// by a request runs to its own resolution even if the client goes away.
func jobContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// --- Job Handlers ---

// processInvoices handles POST /api/process. With ?async=true the batch is
// queued for an executor instead of running in the request.
func (s *Server) processInvoices(c *gin.Context) {
	if c.Query("async") == "true" {
		s.enqueue(c, models.NewDispatch(models.JobKindBatch, models.SourceAPI))
		return
	}

	res := s.catalog.Batch(jobContext(c))
	if !res.Succeeded() {
		c.JSON(http.StatusInternalServerError, jobFailure(res))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "log": res.Stdout})
}

// simulate handles POST /api/simulate
func (s *Server) simulate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid request body"})
		return
	}

	if c.Query("async") == "true" {
		if _, err := s.catalog.SimulationSpec(body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid request body"})
			return
		}
		d := models.NewDispatch(models.JobKindSimulation, models.SourceAPI)
		d.Payload = body
		s.enqueue(c, d)
		return
	}

	res, err := s.catalog.Simulation(jobContext(c), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid request body"})
		return
	}

	switch res.Outcome {
	case gateway.OutcomeSuccess:
		c.JSON(http.StatusOK, res.Decoded)
	case gateway.OutcomeInputWriteFailed:
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid request body"})
	case gateway.OutcomeOutputDecodeFailed:
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":    false,
			"error": "Failed to parse Python output",
			"raw":   res.Stdout,
		})
	default:
		c.JSON(http.StatusInternalServerError, jobFailure(res))
	}
}

// speech handles POST /api/speech
func (s *Server) speech(c *gin.Context) {
	res := s.catalog.Speech(jobContext(c))
	if !res.Succeeded() {
		c.JSON(http.StatusInternalServerError, jobFailure(res))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "Speech executed successfully"})
}

// generatePlan handles POST /api/generate-plan
func (s *Server) generatePlan(c *gin.Context) {
	var req PlanRequest
	// A malformed body is treated like a missing pdf_id.
	_ = c.ShouldBindJSON(&req)

	res, plan, err := s.catalog.Plan(jobContext(c), req.PDFID)
	switch {
	case errors.Is(err, workers.ErrUnknownPlan):
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid PDF ID. Must be one of: " + strings.Join(workers.PlanIDs(), ", "),
		})
		return
	case errors.Is(err, workers.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "PDF file not found: " + plan.Filename,
		})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	switch res.Outcome {
	case gateway.OutcomeSuccess:
		var data any
		if obj, ok := res.Decoded.(map[string]any); ok {
			data = obj["data"]
		}
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"data":         data,
			"pdf_id":       plan.ID,
			"pdf_filename": plan.Filename,
		})
	case gateway.OutcomeOutputDecodeFailed:
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to parse Python output",
			"raw":     res.Stdout,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"code":    res.ExitCode,
			"error":   res.Diagnostic(),
		})
	}
}

// availablePDFs handles GET /api/available-pdfs
func (s *Server) availablePDFs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "pdfs": workers.AvailablePlans()})
}

// dashboard handles GET /api/dashboard. The artifact is served as written by
// the batch worker.
func (s *Server) dashboard(c *gin.Context) {
	path := filepath.Join(s.publicDir, dashboardFile)
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "dashboard not found"})
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.File(path)
}

// getTranscript handles GET /api/transcripts/:id
func (s *Server) getTranscript(c *gin.Context) {
	store := s.catalog.Transcripts()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "transcripts are not archived"})
		return
	}

	data, err := store.Retrieve(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, storage.ErrInvalidRunID):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid run id"})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "Not found"})
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to read transcript"})
	default:
		c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
	}
}

// listRuns handles GET /api/runs
func (s *Server) listRuns(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": storage.ErrQueueDisabled.Error()})
		return
	}

	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "20"), 10, 64)
	if err != nil || limit < 1 || limit > 200 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "limit must be between 1 and 200"})
		return
	}

	runs, err := s.results.RecentResults(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "runs": runs})
}

// enqueue pushes d onto the queue and answers 202 with its ID.
func (s *Server) enqueue(c *gin.Context, d *models.Dispatch) {
	if s.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": storage.ErrQueueDisabled.Error()})
		return
	}

	if err := s.queue.Push(c.Request.Context(), d); err != nil {
		s.log.Error("failed to enqueue dispatch",
			zap.String("kind", string(d.Kind)),
			zap.Stringer("dispatch_id", d.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "failed to enqueue job"})
		return
	}

	metrics.RecordDispatch(string(d.Kind), string(d.Source))
	tracing.AddEvent(c.Request.Context(), "dispatch.enqueued",
		attribute.String("dispatch.id", d.ID.String()),
		attribute.String("dispatch.kind", string(d.Kind)),
	)
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "dispatch_id": d.ID})
}
