package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"sitemigrate/internal/archive"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/dump"
	"sitemigrate/internal/errs"
	"sitemigrate/internal/metrics"
	"sitemigrate/internal/sitefs"
	"sitemigrate/internal/storage"
)

// UnitProcessor executes work units against the site and the job's archive
type UnitProcessor struct {
	config   Config
	codec    *dump.Codec
	fsys     sitefs.FileSystem
	archives storage.Client
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewUnitProcessor creates a processor. archives may be nil when exports stay
// local.
func NewUnitProcessor(
	config Config,
	codec *dump.Codec,
	fsys sitefs.FileSystem,
	archives storage.Client,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *UnitProcessor {
	return &UnitProcessor{
		config:   config,
		codec:    codec,
		fsys:     fsys,
		archives: archives,
		metrics:  metricsCollector,
		logger:   logger,
	}
}

// BeginArchive starts an export container holding only its manifest
func (p *UnitProcessor) BeginArchive(job *checkpoint.Job, m archive.Manifest) error {
	if err := os.MkdirAll(filepath.Dir(job.Archive), 0o755); err != nil {
		return errs.Unavailable("archive directory", err)
	}
	return p.appendArchive(job, func(w *archive.Writer) error {
		return w.WriteManifest(m)
	})
}

// Process executes the unit at the job's cursor. On success the job's archive
// offset, counts and warnings reflect the unit; advancing the cursor is left
// to the caller. Failures come back as *errs.UnitError.
func (p *UnitProcessor) Process(ctx context.Context, job *checkpoint.Job, check CancelCheck) error {
	if check == nil {
		check = noCancel
	}
	index := job.Cursor
	unit := job.Queue[index]
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.Int("unit", index),
		zap.String("kind", string(unit.Kind)),
		zap.String("target", unit.Target()),
	)

	startTime := time.Now()
	bytesBefore := job.Counts.Bytes

	ctx, cancel := context.WithTimeout(ctx, p.config.UnitTimeout)
	defer cancel()

	logger.Debug("Unit started")
	err := check(ctx)
	if err == nil {
		err = p.run(ctx, job, unit, check, logger)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, errs.ErrUnitTimeout) {
		err = fmt.Errorf("%w after %s: %v", errs.ErrUnitTimeout, p.config.UnitTimeout, err)
	}

	p.metrics.ObserveDuration(string(unit.Kind), time.Since(startTime))
	p.metrics.IncUnit(string(job.Direction), string(unit.Kind), err == nil)
	if err != nil {
		logger.Error("Unit failed", zap.Error(err))
		return errs.NewUnitError(index, string(unit.Kind), unit.Target(), err)
	}

	p.metrics.AddBytes(job.Counts.Bytes - bytesBefore)
	logger.Info("Unit completed", zap.Duration("duration", time.Since(startTime)))
	return nil
}

func (p *UnitProcessor) run(ctx context.Context, job *checkpoint.Job, unit checkpoint.WorkUnit, check CancelCheck, logger *zap.Logger) error {
	switch unit.Kind {
	case checkpoint.UnitExportTable:
		return p.exportTable(ctx, job, unit, logger)
	case checkpoint.UnitExportFileBatch:
		return p.exportFiles(ctx, job, unit, check, logger)
	case checkpoint.UnitImportTable:
		return p.importTable(ctx, job, unit, logger)
	case checkpoint.UnitImportFileBatch:
		return p.importFiles(ctx, job, unit, check)
	case checkpoint.UnitFinalize:
		if job.Direction == checkpoint.DirectionExport {
			return p.finalizeExport(ctx, job, logger)
		}
		return nil
	}
	return fmt.Errorf("unknown unit kind %q", unit.Kind)
}

func (p *UnitProcessor) scope(job *checkpoint.Job) *dump.Scope {
	return dump.NewScope(job.Selection, p.codec.Origin().TablePrefix)
}

func (p *UnitProcessor) exportTable(ctx context.Context, job *checkpoint.Job, unit checkpoint.WorkUnit, logger *zap.Logger) error {
	td, err := p.codec.DumpTable(ctx, unit.Table, p.scope(job))
	if err != nil {
		if !dump.IsSkippable(err) {
			return err
		}
		logger.Warn("Skipping table with unreadable rows", zap.Error(err))
		job.Warnings = append(job.Warnings, fmt.Sprintf("%s: skipped, %v", unit.Table, err))
		td = nil
	}

	err = p.appendArchive(job, func(w *archive.Writer) error {
		if unit.OpensSection {
			if err := w.BeginDatabase(p.codec.Origin()); err != nil {
				return err
			}
		}
		if td == nil {
			return nil
		}
		return w.WriteTable(td)
	})
	if err != nil {
		return err
	}
	if td != nil {
		job.Counts.Tables++
	}
	return nil
}

func (p *UnitProcessor) exportFiles(ctx context.Context, job *checkpoint.Job, unit checkpoint.WorkUnit, check CancelCheck, logger *zap.Logger) error {
	root, err := p.fsys.Root(unit.Category)
	if err != nil {
		return err
	}

	var (
		written  int
		warnings []string
	)
	err = p.appendArchive(job, func(w *archive.Writer) error {
		if unit.OpensSection {
			if err := w.BeginSection(unit.Category); err != nil {
				return err
			}
		}
		for _, rel := range unit.Paths {
			if err := check(ctx); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			full, err := sitefs.SafeJoin(root, rel)
			if err != nil {
				return err
			}
			rc, size, err := p.fsys.Open(full)
			if os.IsNotExist(err) {
				logger.Warn("File vanished before export", zap.String("path", rel))
				warnings = append(warnings, fmt.Sprintf("%s/%s: vanished before export", unit.Category, rel))
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", rel, err)
			}
			err = w.WriteFile(unit.Category, rel, size, rc)
			rc.Close()
			if err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if job.Counts.Files == nil {
		job.Counts.Files = map[sitefs.Category]int{}
	}
	job.Counts.Files[unit.Category] += written
	job.Warnings = append(job.Warnings, warnings...)
	return nil
}

func (p *UnitProcessor) finalizeExport(ctx context.Context, job *checkpoint.Job, logger *zap.Logger) error {
	err := p.appendArchive(job, func(w *archive.Writer) error {
		return w.Finish(archive.Trailer{Tables: job.Counts.Tables, Files: job.Counts.Files})
	})
	if err != nil {
		return err
	}
	if p.archives == nil || p.config.Bucket == "" {
		return nil
	}

	key := p.config.Prefix + job.ID + ".sitemig"
	metadata := map[string]string{"site": job.Site, "job": job.ID}

	var lastErr error
	for attempt := 1; attempt <= max(p.config.Retries, 1); attempt++ {
		_, err := storage.UploadFile(ctx, p.archives, p.config.Bucket, key, job.Archive, metadata)
		if err == nil {
			job.Remote = storage.Location(p.config.Bucket, key)
			logger.Info("Archive uploaded", zap.String("location", job.Remote))
			return nil
		}

		lastErr = err
		logger.Warn("Archive upload attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if !p.isRetriableError(err) || ctx.Err() != nil {
			break
		}
		if attempt < p.config.Retries {
			select {
			case <-time.After(p.calculateBackoff(attempt)):
			case <-ctx.Done():
				return lastErr
			}
		}
	}
	return lastErr
}

func (p *UnitProcessor) importTable(ctx context.Context, job *checkpoint.Job, unit checkpoint.WorkUnit, logger *zap.Logger) error {
	if len(unit.Offsets) != 1 || job.Source == nil {
		return errs.Corrupt("table unit %s has no archive record", unit.Table)
	}

	f, err := os.Open(job.Archive)
	if err != nil {
		return errs.Unavailable("archive", err)
	}
	defer f.Close()

	td, err := archive.ReadTableAt(f, unit.Offsets[0])
	if err != nil {
		return err
	}
	if td.Name != unit.Table {
		return errs.Corrupt("record at %d holds %s, expected %s", unit.Offsets[0], td.Name, unit.Table)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := p.codec.RestoreTable(ctx, td, *job.Source, p.scope(job))
	if err != nil {
		return err
	}
	switch {
	case res.Skipped:
		logger.Debug("Table left untouched", zap.String("table", res.Table))
	case res.Failure != nil:
		logger.Warn("Table schema could not be recreated", zap.String("table", res.Table), zap.Error(res.Failure))
		job.Warnings = append(job.Warnings, fmt.Sprintf("%s: schema not recreated, %v", res.Table, res.Failure))
	default:
		job.Counts.Tables++
	}
	return nil
}

func (p *UnitProcessor) importFiles(ctx context.Context, job *checkpoint.Job, unit checkpoint.WorkUnit, check CancelCheck) error {
	root, err := p.fsys.Root(unit.Category)
	if err != nil {
		return err
	}

	f, err := os.Open(job.Archive)
	if err != nil {
		return errs.Unavailable("archive", err)
	}
	defer f.Close()

	restored := 0
	for _, offset := range unit.Offsets {
		if err := check(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := p.restoreFile(f, offset, unit.Category, root)
		if err != nil {
			return err
		}
		job.Counts.Bytes += n
		restored++
	}

	if job.Counts.Files == nil {
		job.Counts.Files = map[sitefs.Category]int{}
	}
	job.Counts.Files[unit.Category] += restored
	return nil
}

func (p *UnitProcessor) restoreFile(ra io.ReaderAt, offset int64, category sitefs.Category, root string) (int64, error) {
	rd, e, err := archive.ReadRecordAt(ra, offset)
	if err != nil {
		return 0, err
	}
	defer rd.Close()

	if e.Kind != archive.KindFile || e.Category != category {
		return 0, errs.Corrupt("record at %d is not a %s file", offset, category)
	}
	dst, err := sitefs.SafeJoin(root, e.Path)
	if err != nil {
		return 0, errs.Corrupt("file entry: %v", err)
	}

	wc, err := p.fsys.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(wc, e.Body)
	if closeErr := wc.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("failed to restore %s: %w", e.Path, err)
	}
	if n != e.Size {
		return n, errs.Corrupt("file %s is truncated", e.Path)
	}
	return n, nil
}

// appendArchive reopens the export container at its committed offset, runs
// fn, and commits the new offset once the bytes are on disk
func (p *UnitProcessor) appendArchive(job *checkpoint.Job, fn func(w *archive.Writer) error) error {
	w, err := archive.OpenAt(job.Archive, job.ArchiveOffset)
	if err != nil {
		return errs.Unavailable("archive", err)
	}
	if err := fn(w); err != nil {
		w.Close()
		return err
	}
	if err := w.Sync(); err != nil {
		w.Close()
		return errs.Unavailable("archive", err)
	}
	offset := w.Offset()
	if err := w.Close(); err != nil {
		return errs.Unavailable("archive", err)
	}

	job.Counts.Bytes += offset - job.ArchiveOffset
	job.ArchiveOffset = offset
	return nil
}

func (p *UnitProcessor) isRetriableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	// Check for network-related errors
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		// HTTP 5xx server errors
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}

func (p *UnitProcessor) calculateBackoff(attempt int) time.Duration {
	base := time.Duration(p.config.RetryBackoffMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}
