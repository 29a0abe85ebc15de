package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sitemigrate/internal/app"
	"sitemigrate/internal/errs"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// StartJobHandler handles POST /api/v1/jobs
func (s *Server) StartJobHandler(c *gin.Context) {
	var req StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:  ErrCodeInvalidRequest,
			Error: "Invalid request body: " + err.Error(),
		})
		return
	}

	report, err := s.service.Start(c.Request.Context(), app.StartRequest{
		Direction: req.Direction,
		Selection: req.Selection,
		Options:   req.Options,
		Archive:   req.Archive,
		JobID:     req.JobID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	driven := false
	if s.driver != nil && !report.Done() {
		driven = s.driver.Submit(report.JobID)
	}
	c.JSON(http.StatusCreated, StartJobResponse{
		JobID:  report.JobID,
		Status: report.Status,
		Driven: driven,
	})
}

// ContinueJobHandler handles POST /api/v1/jobs/:job_id/continue
func (s *Server) ContinueJobHandler(c *gin.Context) {
	// A dropped connection must not abort the unit in flight
	report, err := s.service.Continue(context.WithoutCancel(c.Request.Context()), c.Param("job_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetJobStatusHandler handles GET /api/v1/jobs/:job_id
func (s *Server) GetJobStatusHandler(c *gin.Context) {
	report, err := s.service.Status(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// CancelJobHandler handles POST /api/v1/jobs/:job_id/cancel
func (s *Server) CancelJobHandler(c *gin.Context) {
	report, err := s.service.Cancel(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListJobsHandler handles GET /api/v1/jobs
func (s *Server) ListJobsHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	jobs, err := s.service.List(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, JobListResponse{Jobs: jobs, Total: len(jobs)})
}

// HealthHandler handles GET /health
func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) writeError(c *gin.Context, err error) {
	var running *errs.JobRunningError
	switch {
	case errors.As(err, &running):
		c.JSON(http.StatusConflict, ErrorResponse{
			Code:  ErrCodeConflict,
			Error: "A job is already running for this site",
			JobID: running.JobID,
		})
	case errors.Is(err, errs.ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeInvalidRequest, Error: err.Error()})
	case errors.Is(err, errs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Code: ErrCodeNotFound, Error: "Job not found"})
	case errors.Is(err, errs.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: ErrCodeUnavailable, Error: err.Error()})
	default:
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: ErrCodeInternal, Error: err.Error()})
	}
}
