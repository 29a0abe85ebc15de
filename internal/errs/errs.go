package errs

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the migration engine. Callers classify with errors.Is.
var (
	ErrValidation            = errors.New("validation error")
	ErrJobAlreadyRunning     = errors.New("job already running")
	ErrJobNotFound           = errors.New("job not found")
	ErrArchiveCorrupt        = errors.New("archive corrupt")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrCancellationRequested = errors.New("cancellation requested")
	ErrUnitTimeout           = errors.New("unit timed out")
	ErrVersionConflict       = errors.New("job record was modified concurrently")
)

// Kind is the stable string recorded with a failed job.
type Kind string

const (
	KindNone               Kind = ""
	KindValidation         Kind = "validation"
	KindAlreadyRunning     Kind = "already_running"
	KindNotFound           Kind = "not_found"
	KindUnitFailed         Kind = "unit_failed"
	KindArchiveCorrupt     Kind = "archive_corrupt"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindCancelled          Kind = "cancelled"
	KindTimeout            Kind = "timeout"
)

// KindOf maps an error onto its Kind. Order matters: a unit error wrapping a
// storage failure is reported as storage_unavailable.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancellationRequested):
		return KindCancelled
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrUnitTimeout):
		return KindTimeout
	case errors.Is(err, ErrArchiveCorrupt):
		return KindArchiveCorrupt
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrJobAlreadyRunning):
		return KindAlreadyRunning
	case errors.Is(err, ErrJobNotFound):
		return KindNotFound
	default:
		return KindUnitFailed
	}
}

// UnitError carries the failing work unit and the underlying cause.
type UnitError struct {
	Index  int
	Kind   string
	Target string
	Err    error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %d (%s %s): %s", e.Index, e.Kind, e.Target, e.Err.Error())
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// NewUnitError wraps err with the context of the unit that produced it.
func NewUnitError(index int, kind, target string, err error) *UnitError {
	return &UnitError{Index: index, Kind: kind, Target: target, Err: err}
}

// Corrupt returns an ErrArchiveCorrupt carrying detail.
func Corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArchiveCorrupt, fmt.Sprintf(format, args...))
}

// Unavailable wraps err as ErrStorageUnavailable.
func Unavailable(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, what, err)
}

// JobRunningError reports the job that blocks a new start
type JobRunningError struct {
	JobID string
}

func (e *JobRunningError) Error() string {
	return fmt.Sprintf("%s: %s", ErrJobAlreadyRunning.Error(), e.JobID)
}

func (e *JobRunningError) Unwrap() error {
	return ErrJobAlreadyRunning
}

// AlreadyRunning returns a JobRunningError for jobID
func AlreadyRunning(jobID string) error {
	return &JobRunningError{JobID: jobID}
}
