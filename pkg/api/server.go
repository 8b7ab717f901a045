package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tenderhub/pkg/api/middleware"
	"tenderhub/pkg/invoices"
	"tenderhub/pkg/logger"
	"tenderhub/pkg/models"
	"tenderhub/pkg/storage"
	"tenderhub/pkg/workers"
)

const (
	defaultMaxBodyBytes   = 1 << 20  // 1MB for JSON requests
	defaultMaxUploadBytes = 64 << 20 // 64MB per upload request
	maxUploadFiles        = 50
)

// ResultReader lists recently resolved asynchronous runs.
type ResultReader interface {
	RecentResults(ctx context.Context, n int64) ([]models.RunSummary, error)
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	log        *zap.Logger

	catalog   *workers.Catalog
	invoices  *invoices.Store
	publicDir string
	queue     storage.Queue
	results   ResultReader
	started   time.Time
}

// Config holds API server configuration.
type Config struct {
	Port        string
	ServiceName string
	Logger      *zap.Logger

	Catalog   *workers.Catalog
	Invoices  *invoices.Store
	PublicDir string

	// Queue and Results are optional; without them asynchronous dispatch
	// and run listings answer 503.
	Queue   storage.Queue
	Results ResultReader

	RateLimit      middleware.RateLimiterConfig
	MaxBodyBytes   int64
	MaxUploadBytes int64
}

// workerRoutes names the worker behind each job route.
var workerRoutes = map[string]models.JobKind{
	"/api/process":       models.JobKindBatch,
	"/api/simulate":      models.JobKindSimulation,
	"/api/speech":        models.JobKindSpeech,
	"/api/generate-plan": models.JobKindPlan,
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	log = log.Named("api")
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tenderhub-api"
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware(workerRoutes))
	router.Use(middleware.LoggingMiddleware(log))

	s := &Server{
		router:    router,
		limiter:   middleware.NewRateLimiter(cfg.RateLimit),
		log:       log,
		catalog:   cfg.Catalog,
		invoices:  cfg.Invoices,
		publicDir: cfg.PublicDir,
		queue:     cfg.Queue,
		results:   cfg.Results,
		started:   time.Now(),
	}

	s.registerRoutes(cfg)

	// WriteTimeout is left unset: worker-backed requests last as long as
	// their job, which may have no deadline.
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server. In-flight worker requests are
// waited for until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	defer s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Close releases background resources without serving.
func (s *Server) Close() {
	s.limiter.Stop()
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes(cfg Config) {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jsonBody := middleware.BodySizeLimitMiddleware(cfg.MaxBodyBytes)
	limited := s.limiter.Middleware()

	api := s.router.Group("/api")
	{
		api.GET("/health", s.healthCheck)

		// Worker-backed routes
		api.POST("/process", limited, jsonBody, s.processInvoices)
		api.POST("/simulate", limited, jsonBody, s.simulate)
		api.POST("/speech", limited, jsonBody, s.speech)
		api.POST("/generate-plan", limited, jsonBody, s.generatePlan)
		api.GET("/available-pdfs", s.availablePDFs)

		api.GET("/dashboard", s.dashboard)
		api.GET("/transcripts/:id", s.getTranscript)
		api.GET("/runs", s.listRuns)

		// Invoices
		api.POST("/upload", middleware.BodySizeLimitMiddleware(cfg.MaxUploadBytes), s.uploadInvoices)
		api.GET("/invoices", s.listInvoices)
		api.DELETE("/invoices/:file", s.deleteInvoice)
	}
}

// healthCheck reports liveness and process uptime in seconds.
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"uptime": time.Since(s.started).Seconds(),
	})
}
