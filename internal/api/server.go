package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sitemigrate/internal/app"
	"sitemigrate/internal/progress"
)

// DefaultShutdownTimeout bounds how long in-flight requests may finish
const DefaultShutdownTimeout = 30 * time.Second

// Service is the job orchestrator as seen by the HTTP surface
type Service interface {
	Start(ctx context.Context, req app.StartRequest) (progress.Report, error)
	Continue(ctx context.Context, id string) (progress.Report, error)
	Status(ctx context.Context, id string) (progress.Report, error)
	Cancel(ctx context.Context, id string) (progress.Report, error)
	List(ctx context.Context, limit int) ([]progress.Report, error)
}

// Driver continues jobs in the background
type Driver interface {
	Submit(jobID string) bool
}

// Server exposes job control over HTTP
type Server struct {
	service Service
	driver  Driver
	router  *gin.Engine
	logger  *zap.Logger
}

// NewServer creates the router. driver and metrics may be nil.
func NewServer(service Service, driver Driver, metrics http.Handler, logger *zap.Logger) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(LoggerMiddleware(logger))
	router.Use(RecoveryMiddleware(logger))

	s := &Server{
		service: service,
		driver:  driver,
		router:  router,
		logger:  logger,
	}
	s.setupRoutes(metrics)
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	api := s.router.Group("/api/v1")
	{
		api.POST("/jobs", s.StartJobHandler)
		api.GET("/jobs", s.ListJobsHandler)
		api.GET("/jobs/:job_id", s.GetJobStatusHandler)
		api.POST("/jobs/:job_id/continue", s.ContinueJobHandler)
		api.POST("/jobs/:job_id/cancel", s.CancelJobHandler)
	}

	s.router.GET("/health", s.HealthHandler)
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting job API server", zap.String("listen", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down job API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
