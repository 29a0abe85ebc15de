package checkpoint

import (
	"context"
	"time"

	"sitemigrate/internal/dump"
	"sitemigrate/internal/errs"
	"sitemigrate/internal/selection"
	"sitemigrate/internal/sitefs"
)

// JobStatus represents the status of a migration job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further unit will run
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Direction of a migration
type Direction string

const (
	DirectionExport Direction = "export"
	DirectionImport Direction = "import"
)

// Options pick the categories a job carries
type Options struct {
	Database bool `json:"database"`
	Media    bool `json:"media"`
	Plugins  bool `json:"plugins"`
	Themes   bool `json:"themes"`
}

// Has reports whether a file category is enabled
func (o Options) Has(category sitefs.Category) bool {
	switch category {
	case sitefs.CategoryMedia:
		return o.Media
	case sitefs.CategoryPlugins:
		return o.Plugins
	case sitefs.CategoryThemes:
		return o.Themes
	}
	return false
}

// UnitKind identifies what a work unit does
type UnitKind string

const (
	UnitExportTable     UnitKind = "export-table"
	UnitExportFileBatch UnitKind = "export-file-batch"
	UnitImportTable     UnitKind = "import-table"
	UnitImportFileBatch UnitKind = "import-file-batch"
	UnitFinalize        UnitKind = "finalize"
)

// WorkUnit is the smallest resumable step of a job. It carries everything it
// needs besides the archive materialised so far.
type WorkUnit struct {
	Kind     UnitKind        `json:"kind"`
	Table    string          `json:"table,omitempty"`
	Category sitefs.Category `json:"category,omitempty"`
	Paths    []string        `json:"paths,omitempty"`
	// Offsets of the archive records an import unit reads
	Offsets []int64 `json:"offsets,omitempty"`
	Bytes   int64   `json:"bytes,omitempty"`
	// OpensSection marks the first export unit of a database or file section
	OpensSection bool `json:"opens_section,omitempty"`
}

// Target names what the unit acts on, for messages and errors
func (u WorkUnit) Target() string {
	switch {
	case u.Table != "":
		return u.Table
	case u.Category != "":
		return string(u.Category)
	}
	return "archive"
}

// Counts tally what an export has written
type Counts struct {
	Tables int                     `json:"tables"`
	Files  map[sitefs.Category]int `json:"files,omitempty"`
	Bytes  int64                   `json:"bytes"`
}

// Job is the persisted, resumable state of one migration
type Job struct {
	ID        string                      `json:"id"`
	Site      string                      `json:"site"`
	Direction Direction                   `json:"direction"`
	Selection *selection.ContentSelection `json:"selection,omitempty"`
	Options   Options                     `json:"options"`
	Archive   string                      `json:"archive"`
	Remote    string                      `json:"remote,omitempty"`

	Queue  []WorkUnit `json:"queue"`
	Cursor int        `json:"cursor"`
	// ArchiveOffset is the committed length of an export container
	ArchiveOffset int64 `json:"archive_offset"`
	Counts        Counts `json:"counts"`
	// Source is the origin recorded in an imported container
	Source *dump.Origin `json:"source,omitempty"`

	Status    JobStatus `json:"status"`
	ErrorKind errs.Kind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message"`
	Warnings  []string  `json:"warnings,omitempty"`

	CancelRequested bool      `json:"-"`
	Version         int64     `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store defines the interface for job persistence. Single-record reads and
// writes are atomic; SaveJob is a compare-and-swap on Version.
type Store interface {
	// Job operations
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	SaveJob(ctx context.Context, job *Job) error
	ActiveJob(ctx context.Context, site string) (*Job, error)
	ListJobs(ctx context.Context, site string, limit int) ([]*Job, error)
	RequestCancel(ctx context.Context, id string) error

	// Cleanup
	Close() error
}
