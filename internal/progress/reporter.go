package progress

import (
	"context"
	"time"

	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/errs"
)

// Report is what a caller learns about a job
type Report struct {
	JobID      string               `json:"job_id"`
	Direction  checkpoint.Direction `json:"direction"`
	Status     checkpoint.JobStatus `json:"status"`
	Percent    float64              `json:"percent"`
	Message    string               `json:"message"`
	UnitsDone  int                  `json:"units_done"`
	UnitsTotal int                  `json:"units_total"`
	Bytes      int64                `json:"bytes"`
	ErrorKind  errs.Kind            `json:"error_kind,omitempty"`
	Error      string               `json:"error,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
	Archive    string               `json:"archive,omitempty"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// Done reports whether the job reached a terminal status
func (r Report) Done() bool {
	return r.Status.Terminal()
}

// FromJob summarises a job record
func FromJob(job *checkpoint.Job) Report {
	archive := job.Archive
	if job.Remote != "" {
		archive = job.Remote
	}
	return Report{
		JobID:      job.ID,
		Direction:  job.Direction,
		Status:     job.Status,
		Percent:    job.Percent,
		Message:    job.Message,
		UnitsDone:  job.Cursor,
		UnitsTotal: len(job.Queue),
		Bytes:      job.Counts.Bytes,
		ErrorKind:  job.ErrorKind,
		Error:      job.Error,
		Warnings:   job.Warnings,
		Archive:    archive,
		UpdatedAt:  job.UpdatedAt,
	}
}

// Reporter answers status queries from the job store alone, so polling never
// waits on a running invocation
type Reporter struct {
	store checkpoint.Store
}

// NewReporter creates a reporter over store
func NewReporter(store checkpoint.Store) *Reporter {
	return &Reporter{store: store}
}

// Status returns the persisted state of job id
func (r *Reporter) Status(ctx context.Context, id string) (Report, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return Report{}, err
	}
	return FromJob(job), nil
}
