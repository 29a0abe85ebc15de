package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"sitemigrate/internal/archive"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/dump"
	"sitemigrate/internal/errs"
	"sitemigrate/internal/sitefs"
	"sitemigrate/internal/storage"
)

// plan builds the job's work queue on its first invocation. An export also
// starts its container with the manifest.
func (m *Migrator) plan(ctx context.Context, job *checkpoint.Job) error {
	switch job.Direction {
	case checkpoint.DirectionExport:
		return m.planExport(ctx, job)
	case checkpoint.DirectionImport:
		return m.planImport(ctx, job)
	}
	return fmt.Errorf("%w: unknown direction %q", errs.ErrValidation, job.Direction)
}

func (m *Migrator) planExport(ctx context.Context, job *checkpoint.Job) error {
	var (
		queue []checkpoint.WorkUnit
		flags archive.Flags
	)

	if job.Options.Database {
		scope := dump.NewScope(job.Selection, m.codec.Origin().TablePrefix)
		tables, err := m.codec.Tables(ctx, scope.Includes)
		if err != nil {
			return err
		}
		for i, table := range tables {
			queue = append(queue, checkpoint.WorkUnit{
				Kind:         checkpoint.UnitExportTable,
				Table:        table,
				OpensSection: i == 0,
			})
		}
		flags.Database = len(tables) > 0
	}

	for _, category := range sitefs.Categories {
		if !job.Options.Has(category) {
			continue
		}
		units, err := m.listFiles(ctx, category)
		if err != nil {
			return err
		}
		queue = append(queue, units...)
		setFlag(&flags, category)
	}

	queue = append(queue, checkpoint.WorkUnit{Kind: checkpoint.UnitFinalize})

	origin := m.codec.Origin()
	manifest := archive.NewManifest(origin.SiteURL, origin.HomeURL, flags, m.now())
	job.ArchiveOffset = 0
	if err := m.processor.BeginArchive(job, manifest); err != nil {
		return err
	}
	job.Queue = queue
	return nil
}

// listFiles batches a category's files. The first batch opens the section and
// exists even when the category is empty.
func (m *Migrator) listFiles(ctx context.Context, category sitefs.Category) ([]checkpoint.WorkUnit, error) {
	root, err := m.fsys.Root(category)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	paths, err := m.fsys.ListTree(ctx, root)
	if err != nil {
		return nil, err
	}

	b := newBatcher(checkpoint.UnitExportFileBatch, category, m.settings.BatchFiles, m.settings.BatchBytes)
	for _, rel := range paths {
		full, err := sitefs.SafeJoin(root, rel)
		if err != nil {
			return nil, err
		}
		size, err := m.fsys.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
		}
		b.add(rel, 0, size)
	}
	return b.units(), nil
}

func (m *Migrator) planImport(ctx context.Context, job *checkpoint.Job) error {
	logger := m.logger.With(zap.String("job_id", job.ID))

	if job.Remote != "" {
		if err := m.fetchRemote(ctx, job); err != nil {
			return err
		}
	}

	idx, err := archive.ScanFile(job.Archive)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: archive %s does not exist", errs.ErrValidation, job.Archive)
		}
		if archive.IsCorrupt(err) {
			logger.Warn("Archive failed validation", zap.String("archive", job.Archive), zap.Error(err))
		}
		return fmt.Errorf("failed to scan archive %s: %w", job.Archive, err)
	}
	logger.Info("Archive scanned",
		zap.String("site_url", idx.Manifest.SiteURL),
		zap.Int("tables", len(idx.Tables)),
		zap.Int("files", len(idx.Files)),
	)

	var queue []checkpoint.WorkUnit
	if job.Options.Database {
		if idx.Manifest.Flags.Database {
			origin := idx.Origin
			job.Source = &origin
			for _, ref := range idx.Tables {
				queue = append(queue, checkpoint.WorkUnit{
					Kind:    checkpoint.UnitImportTable,
					Table:   ref.Name,
					Offsets: []int64{ref.Offset},
				})
			}
		} else {
			job.Warnings = append(job.Warnings, "archive carries no database section")
		}
	}

	for _, category := range sitefs.Categories {
		if !job.Options.Has(category) {
			continue
		}
		if !idx.Manifest.Flags.Has(category) {
			job.Warnings = append(job.Warnings, fmt.Sprintf("archive carries no %s section", category))
			continue
		}
		if _, err := m.fsys.Root(category); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		b := newBatcher(checkpoint.UnitImportFileBatch, category, m.settings.BatchFiles, m.settings.BatchBytes)
		for _, ref := range idx.Files {
			if ref.Category == category {
				b.add(ref.Path, ref.Offset, ref.Size)
			}
		}
		if units := b.units(); len(units[0].Paths) > 0 {
			queue = append(queue, units...)
		}
	}

	job.Queue = append(queue, checkpoint.WorkUnit{Kind: checkpoint.UnitFinalize})
	return nil
}

func (m *Migrator) fetchRemote(ctx context.Context, job *checkpoint.Job) error {
	bucket, key, _, err := storage.ParseLocation(job.Remote)
	if err != nil {
		return err
	}
	if m.archives == nil {
		return fmt.Errorf("%w: remote archive storage is not configured", errs.ErrValidation)
	}
	n, err := storage.DownloadFile(ctx, m.archives, bucket, key, job.Archive)
	if err != nil {
		return err
	}
	m.logger.Info("Archive downloaded",
		zap.String("job_id", job.ID),
		zap.String("location", job.Remote),
		zap.String("size", humanize.IBytes(uint64(n))),
	)
	return nil
}

// batcher groups files into units bounded by count and bytes. A file larger
// than the byte bound gets a unit of its own.
type batcher struct {
	kind     checkpoint.UnitKind
	category sitefs.Category
	maxFiles int
	maxBytes int64
	out      []checkpoint.WorkUnit
	cur      *checkpoint.WorkUnit
}

func newBatcher(kind checkpoint.UnitKind, category sitefs.Category, maxFiles int, maxBytes int64) *batcher {
	return &batcher{kind: kind, category: category, maxFiles: maxFiles, maxBytes: maxBytes}
}

func (b *batcher) add(rel string, offset, size int64) {
	if b.cur != nil && (len(b.cur.Paths) >= b.maxFiles || b.cur.Bytes+size > b.maxBytes) {
		b.flush()
	}
	if b.cur == nil {
		b.cur = &checkpoint.WorkUnit{Kind: b.kind, Category: b.category}
	}
	b.cur.Paths = append(b.cur.Paths, rel)
	if b.kind == checkpoint.UnitImportFileBatch {
		b.cur.Offsets = append(b.cur.Offsets, offset)
	}
	b.cur.Bytes += size
}

func (b *batcher) flush() {
	if b.cur != nil {
		b.out = append(b.out, *b.cur)
		b.cur = nil
	}
}

func (b *batcher) units() []checkpoint.WorkUnit {
	b.flush()
	if len(b.out) == 0 {
		b.out = append(b.out, checkpoint.WorkUnit{Kind: b.kind, Category: b.category})
	}
	b.out[0].OpensSection = true
	return b.out
}

func setFlag(flags *archive.Flags, category sitefs.Category) {
	switch category {
	case sitefs.CategoryMedia:
		flags.Media = true
	case sitefs.CategoryPlugins:
		flags.Plugins = true
	case sitefs.CategoryThemes:
		flags.Themes = true
	}
}

func percentOf(job *checkpoint.Job) float64 {
	if len(job.Queue) == 0 {
		return 0
	}
	return float64(job.Cursor) / float64(len(job.Queue)) * 100
}

func title(d checkpoint.Direction) string {
	if d == checkpoint.DirectionImport {
		return "Import"
	}
	return "Export"
}

// describe is the status message while unit is pending
func describe(job *checkpoint.Job, unit checkpoint.WorkUnit) string {
	switch unit.Kind {
	case checkpoint.UnitExportTable:
		return fmt.Sprintf("Exporting table %s…", unit.Table)
	case checkpoint.UnitImportTable:
		return fmt.Sprintf("Importing table %s…", unit.Table)
	case checkpoint.UnitExportFileBatch, checkpoint.UnitImportFileBatch:
		verb := "Exporting"
		if unit.Kind == checkpoint.UnitImportFileBatch {
			verb = "Importing"
		}
		return fmt.Sprintf("%s %s files (%d files, %s)…", verb, unit.Category, len(unit.Paths), humanize.IBytes(uint64(unit.Bytes)))
	case checkpoint.UnitFinalize:
		if job.Direction == checkpoint.DirectionImport {
			return "Finalizing import…"
		}
		return "Finalizing archive…"
	}
	return "Working…"
}

func summary(job *checkpoint.Job) string {
	files := 0
	for _, n := range job.Counts.Files {
		files += n
	}
	msg := fmt.Sprintf("%s complete: %d tables, %d files, %s",
		title(job.Direction), job.Counts.Tables, files, humanize.IBytes(uint64(job.Counts.Bytes)))
	if len(job.Warnings) > 0 {
		msg += fmt.Sprintf(" (%d warnings)", len(job.Warnings))
	}
	return msg
}
