package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sitemigrate/internal/errs"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite job store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL lets status polls read while the orchestrator writes
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db:     db,
		closed: false,
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	// The partial unique index admits one non-terminal job per site
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		site TEXT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		active INTEGER,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_site ON jobs(site) WHERE active = 1;
	CREATE INDEX IF NOT EXISTS idx_jobs_site_created ON jobs(site, created_at);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) available(ctx context.Context) error {
	if s.closed {
		return errs.Unavailable("job store", fmt.Errorf("database store is closed"))
	}
	if err := s.db.PingContext(ctx); err != nil {
		return errs.Unavailable("job store", err)
	}
	return nil
}

// CreateJob inserts a new job. It fails with a JobRunningError when the site
// already has a non-terminal job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	if err := s.available(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Version = 1
	state, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	err = s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, site, direction, status, active, cancel_requested, version, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		`, job.ID, job.Site, job.Direction, job.Status, activeFlag(job.Status), job.Version, string(state), now, now)
		return err
	})
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		active, getErr := s.ActiveJob(ctx, job.Site)
		if getErr == nil && active != nil {
			return errs.AlreadyRunning(active.ID)
		}
		return fmt.Errorf("%w: %v", errs.ErrJobAlreadyRunning, err)
	}
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job record with retry mechanism
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := s.available(ctx); err != nil {
		return nil, err
	}

	var result *Job
	err := s.retryOnBusy(func() error {
		var err error
		result, err = s.scanJob(s.db.QueryRowContext(ctx, selectJob+" WHERE id = ?", id))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", errs.ErrJobNotFound, id)
	}
	return result, err
}

// ActiveJob returns the site's non-terminal job, or nil
func (s *SQLiteStore) ActiveJob(ctx context.Context, site string) (*Job, error) {
	if err := s.available(ctx); err != nil {
		return nil, err
	}

	var result *Job
	err := s.retryOnBusy(func() error {
		var err error
		result, err = s.scanJob(s.db.QueryRowContext(ctx, selectJob+" WHERE site = ? AND active = 1", site))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return result, err
}

// ListJobs returns the site's most recent jobs first
func (s *SQLiteStore) ListJobs(ctx context.Context, site string, limit int) ([]*Job, error) {
	if err := s.available(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, selectJob+" WHERE site = ? ORDER BY created_at DESC LIMIT ?", site, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SaveJob writes job if nobody else saved it since it was read, then bumps
// job.Version. A stale job yields errs.ErrVersionConflict.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *Job) error {
	if err := s.available(ctx); err != nil {
		return err
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	job.UpdatedAt = time.Now().UTC()
	state, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	var affected int64
	err = s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, active = ?, version = version + 1, state = ?, updated_at = ?
		WHERE id = ? AND version = ?
		`, job.Status, activeFlag(job.Status), string(state), job.UpdatedAt, job.ID, job.Version)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetJob(ctx, job.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", errs.ErrVersionConflict, job.ID)
	}

	job.Version++
	return nil
}

// RequestCancel flags a job for cancellation without touching its version
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	if err := s.available(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, "UPDATE jobs SET cancel_requested = 1 WHERE id = ?", id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to flag cancellation: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", errs.ErrJobNotFound, id)
	}
	return nil
}

const selectJob = `SELECT state, cancel_requested, version FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanJob(row rowScanner) (*Job, error) {
	var (
		state   string
		cancel  int
		version int64
	)
	if err := row.Scan(&state, &cancel, &version); err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(state), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	job.CancelRequested = cancel != 0
	job.Version = version
	return &job, nil
}

func activeFlag(status JobStatus) any {
	if status.Terminal() {
		return nil
	}
	return 1
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		// Check if this is a busy error
		if isSQLiteBusyError(err) {
			if attempt < maxRetries-1 {
				// Wait with exponential backoff + jitter
				delay := baseDelay * time.Duration(1<<uint(attempt))
				jitter := time.Duration(attempt*10) * time.Millisecond
				time.Sleep(delay + jitter)
				continue
			}
		}

		// Return the error if it's not a busy error or we've exhausted retries
		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
