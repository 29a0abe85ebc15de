package api

import (
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/progress"
)

// StartJobRequest is the body of POST /api/v1/jobs
type StartJobRequest struct {
	Direction checkpoint.Direction `json:"direction" binding:"required"`
	// Selection is passed through as the raw mapping; omitted means the whole site
	Selection any                `json:"selection"`
	Options   checkpoint.Options `json:"options"`
	Archive   string             `json:"archive"`
	JobID     string             `json:"job_id"`
}

// StartJobResponse is returned when a job is created
type StartJobResponse struct {
	JobID  string               `json:"job_id"`
	Status checkpoint.JobStatus `json:"status"`
	Driven bool                 `json:"driven"`
}

// JobListResponse holds recent jobs, newest first
type JobListResponse struct {
	Jobs  []progress.Report `json:"jobs"`
	Total int               `json:"total"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// JobID names the running job when Code is CONFLICT
	JobID string `json:"job_id,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeUnavailable    = "STORAGE_UNAVAILABLE"
	ErrCodeInternal       = "INTERNAL_ERROR"
)
