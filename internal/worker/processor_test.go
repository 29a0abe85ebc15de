package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitemigrate/internal/archive"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/dump"
	"sitemigrate/internal/errs"
	"sitemigrate/internal/metrics"
	"sitemigrate/internal/sitedb"
	"sitemigrate/internal/sitefs"
	"sitemigrate/internal/storage"
)

type fixture struct {
	db      *sitedb.SQLDB
	uploads string
	codec   *dump.Codec
	fsys    *sitefs.Local
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	db, err := sitedb.Open(ctx, sitedb.DialectSQLite, filepath.Join(dir, "site.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, stmt := range []string{
		"CREATE TABLE wp_options (option_id INTEGER PRIMARY KEY, option_name TEXT UNIQUE, option_value TEXT)",
		"INSERT INTO wp_options VALUES (1, 'siteurl', 'http://old.test'), (2, 'blogname', 'Old')",
	} {
		require.NoError(t, db.ExecDDL(ctx, stmt))
	}

	uploads := filepath.Join(dir, "uploads")
	fsys := sitefs.NewLocal(uploads, "", "")
	require.NoError(t, fsys.WriteFile(filepath.Join(uploads, "a.txt"), []byte("alpha")))

	origin := dump.Origin{SiteURL: "http://old.test", HomeURL: "http://old.test", TablePrefix: "wp_"}
	return &fixture{
		db:      db,
		uploads: uploads,
		codec:   dump.NewCodec(db, origin, nil, zap.NewNop()),
		fsys:    fsys,
	}
}

func (f *fixture) processor(cfg Config, archives storage.Client) *UnitProcessor {
	if cfg.UnitTimeout == 0 {
		cfg.UnitTimeout = 30 * time.Second
	}
	return NewUnitProcessor(cfg, f.codec, f.fsys, archives, metrics.New(nil), zap.NewNop())
}

func exportJob(t *testing.T, units ...checkpoint.WorkUnit) *checkpoint.Job {
	return &checkpoint.Job{
		ID:        "job-1",
		Site:      "blog",
		Direction: checkpoint.DirectionExport,
		Status:    checkpoint.StatusRunning,
		Archive:   filepath.Join(t.TempDir(), "out", "job-1.sitemig"),
		Queue:     units,
	}
}

func runAll(t *testing.T, p *UnitProcessor, job *checkpoint.Job) {
	t.Helper()
	for job.Cursor < len(job.Queue) {
		require.NoError(t, p.Process(context.Background(), job, nil))
		job.Cursor++
	}
}

func TestExportUnitsBuildValidArchive(t *testing.T) {
	f := newFixture(t)
	p := f.processor(Config{}, nil)
	job := exportJob(t,
		checkpoint.WorkUnit{Kind: checkpoint.UnitExportTable, Table: "wp_options", OpensSection: true},
		checkpoint.WorkUnit{Kind: checkpoint.UnitExportFileBatch, Category: sitefs.CategoryMedia, Paths: []string{"a.txt", "gone.txt"}, OpensSection: true},
		checkpoint.WorkUnit{Kind: checkpoint.UnitFinalize},
	)

	manifest := archive.NewManifest("http://old.test", "http://old.test", archive.Flags{Database: true, Media: true}, time.Now())
	require.NoError(t, p.BeginArchive(job, manifest))
	runAll(t, p, job)

	assert.Equal(t, 1, job.Counts.Tables)
	assert.Equal(t, 1, job.Counts.Files[sitefs.CategoryMedia])
	require.Len(t, job.Warnings, 1)
	assert.Contains(t, job.Warnings[0], "gone.txt")

	info, err := os.Stat(job.Archive)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), job.ArchiveOffset)
	assert.Equal(t, job.ArchiveOffset, job.Counts.Bytes)

	idx, err := archive.ScanFile(job.Archive)
	require.NoError(t, err)
	require.Len(t, idx.Tables, 1)
	assert.Equal(t, "wp_options", idx.Tables[0].Name)
	require.Len(t, idx.Files, 1)
	assert.Equal(t, "a.txt", idx.Files[0].Path)
	assert.Equal(t, 1, idx.Trailer.Tables)
}

func TestFailedUnitLeavesArchiveAtCommittedOffset(t *testing.T) {
	f := newFixture(t)
	p := f.processor(Config{}, nil)
	job := exportJob(t,
		checkpoint.WorkUnit{Kind: checkpoint.UnitExportTable, Table: "wp_options", OpensSection: true},
		checkpoint.WorkUnit{Kind: checkpoint.UnitExportTable, Table: "wp_missing"},
	)
	require.NoError(t, p.BeginArchive(job, archive.NewManifest("http://old.test", "", archive.Flags{Database: true}, time.Now())))
	require.NoError(t, p.Process(context.Background(), job, nil))
	job.Cursor++
	committed := job.ArchiveOffset

	err := p.Process(context.Background(), job, nil)
	require.Error(t, err)
	var unitErr *errs.UnitError
	require.True(t, errors.As(err, &unitErr))
	assert.Equal(t, 1, unitErr.Index)
	assert.Equal(t, "wp_missing", unitErr.Target)
	assert.Equal(t, committed, job.ArchiveOffset)
	assert.Equal(t, 1, job.Cursor)
}

func TestCancelCheckStopsUnit(t *testing.T) {
	f := newFixture(t)
	p := f.processor(Config{}, nil)
	job := exportJob(t,
		checkpoint.WorkUnit{Kind: checkpoint.UnitExportFileBatch, Category: sitefs.CategoryMedia, Paths: []string{"a.txt"}, OpensSection: true},
	)
	require.NoError(t, p.BeginArchive(job, archive.NewManifest("http://old.test", "", archive.Flags{Media: true}, time.Now())))

	cancelled := func(context.Context) error { return errs.ErrCancellationRequested }
	err := p.Process(context.Background(), job, cancelled)
	require.Error(t, err)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
	assert.Empty(t, job.Counts.Files)
}

func TestUnitTimeout(t *testing.T) {
	f := newFixture(t)
	p := f.processor(Config{UnitTimeout: time.Nanosecond}, nil)
	job := exportJob(t, checkpoint.WorkUnit{Kind: checkpoint.UnitExportTable, Table: "wp_options", OpensSection: true})
	job.Archive = filepath.Join(t.TempDir(), "job-1.sitemig")

	err := p.Process(context.Background(), job, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUnitTimeout)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
}

type flakyArchives struct {
	failures int
	err      error
	puts     int
	stored   map[string][]byte
	types    map[string]string
}

func (c *flakyArchives) GetObject(ctx context.Context, bucket, key string) (storage.Object, error) {
	return nil, errors.New("not implemented")
}

func (c *flakyArchives) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts storage.PutOptions) error {
	c.puts++
	if c.puts <= c.failures {
		return c.err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	c.stored[bucket+"/"+key] = buf.Bytes()
	c.types[bucket+"/"+key] = opts.ContentType
	return nil
}

func (c *flakyArchives) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, errors.New("not implemented")
}

func TestFinalizeUploadsWithRetry(t *testing.T) {
	f := newFixture(t)
	remote := &flakyArchives{failures: 2, err: errors.New("503 Service Unavailable"), stored: map[string][]byte{}, types: map[string]string{}}
	p := f.processor(Config{Retries: 3, RetryBackoffMs: 1, Bucket: "bk", Prefix: "exports/"}, remote)
	job := exportJob(t,
		checkpoint.WorkUnit{Kind: checkpoint.UnitExportTable, Table: "wp_options", OpensSection: true},
		checkpoint.WorkUnit{Kind: checkpoint.UnitFinalize},
	)
	require.NoError(t, p.BeginArchive(job, archive.NewManifest("http://old.test", "", archive.Flags{Database: true}, time.Now())))
	runAll(t, p, job)

	assert.Equal(t, 3, remote.puts)
	assert.Equal(t, "s3://bk/exports/job-1.sitemig", job.Remote)
	local, err := os.ReadFile(job.Archive)
	require.NoError(t, err)
	assert.Equal(t, local, remote.stored["bk/exports/job-1.sitemig"])
	assert.Equal(t, storage.ArchiveContentType, remote.types["bk/exports/job-1.sitemig"])
}

func TestFinalizeDoesNotRetryPermanentErrors(t *testing.T) {
	f := newFixture(t)
	remote := &flakyArchives{failures: 5, err: errors.New("Access Denied"), stored: map[string][]byte{}, types: map[string]string{}}
	p := f.processor(Config{Retries: 3, RetryBackoffMs: 1, Bucket: "bk"}, remote)
	job := exportJob(t, checkpoint.WorkUnit{Kind: checkpoint.UnitFinalize})
	require.NoError(t, p.BeginArchive(job, archive.NewManifest("http://old.test", "", archive.Flags{}, time.Now())))

	err := p.Process(context.Background(), job, nil)
	require.Error(t, err)
	assert.Equal(t, 1, remote.puts)
	assert.Equal(t, errs.KindStorageUnavailable, errs.KindOf(err))
	assert.Empty(t, job.Remote)
}

func TestImportUnitsRestoreTablesAndFiles(t *testing.T) {
	src := newFixture(t)
	exporter := src.processor(Config{}, nil)
	job := exportJob(t,
		checkpoint.WorkUnit{Kind: checkpoint.UnitExportTable, Table: "wp_options", OpensSection: true},
		checkpoint.WorkUnit{Kind: checkpoint.UnitExportFileBatch, Category: sitefs.CategoryMedia, Paths: []string{"a.txt"}, OpensSection: true},
		checkpoint.WorkUnit{Kind: checkpoint.UnitFinalize},
	)
	require.NoError(t, exporter.BeginArchive(job, archive.NewManifest("http://old.test", "http://old.test", archive.Flags{Database: true, Media: true}, time.Now())))
	runAll(t, exporter, job)

	idx, err := archive.ScanFile(job.Archive)
	require.NoError(t, err)

	dir := t.TempDir()
	db, err := sitedb.Open(context.Background(), sitedb.DialectSQLite, filepath.Join(dir, "target.db"))
	require.NoError(t, err)
	defer db.Close()
	uploads := filepath.Join(dir, "uploads")
	target := &fixture{
		db:      db,
		uploads: uploads,
		codec:   dump.NewCodec(db, dump.Origin{SiteURL: "http://new.test", HomeURL: "http://new.test", TablePrefix: "wp_"}, nil, zap.NewNop()),
		fsys:    sitefs.NewLocal(uploads, "", ""),
	}
	importer := target.processor(Config{}, nil)
	source := idx.Origin
	imp := &checkpoint.Job{
		ID:        "job-2",
		Direction: checkpoint.DirectionImport,
		Archive:   job.Archive,
		Source:    &source,
		Queue: []checkpoint.WorkUnit{
			{Kind: checkpoint.UnitImportTable, Table: "wp_options", Offsets: []int64{idx.Tables[0].Offset}},
			{Kind: checkpoint.UnitImportFileBatch, Category: sitefs.CategoryMedia, Paths: []string{"a.txt"}, Offsets: []int64{idx.Files[0].Offset}},
			{Kind: checkpoint.UnitFinalize},
		},
	}
	runAll(t, importer, imp)

	assert.Equal(t, 1, imp.Counts.Tables)
	assert.Equal(t, 1, imp.Counts.Files[sitefs.CategoryMedia])
	_, rows, err := db.SelectAll(context.Background(), "wp_options")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	got, err := os.ReadFile(filepath.Join(uploads, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))
}

func TestImportRejectsMismatchedRecord(t *testing.T) {
	f := newFixture(t)
	exporter := f.processor(Config{}, nil)
	job := exportJob(t,
		checkpoint.WorkUnit{Kind: checkpoint.UnitExportTable, Table: "wp_options", OpensSection: true},
		checkpoint.WorkUnit{Kind: checkpoint.UnitFinalize},
	)
	require.NoError(t, exporter.BeginArchive(job, archive.NewManifest("http://old.test", "", archive.Flags{Database: true}, time.Now())))
	runAll(t, exporter, job)
	idx, err := archive.ScanFile(job.Archive)
	require.NoError(t, err)

	source := idx.Origin
	imp := &checkpoint.Job{
		ID:        "job-2",
		Direction: checkpoint.DirectionImport,
		Archive:   job.Archive,
		Source:    &source,
		Queue:     []checkpoint.WorkUnit{{Kind: checkpoint.UnitImportTable, Table: "wp_posts", Offsets: []int64{idx.Tables[0].Offset}}},
	}
	err = exporter.Process(context.Background(), imp, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindArchiveCorrupt, errs.KindOf(err))
}

func TestRetriableErrors(t *testing.T) {
	p := &UnitProcessor{config: Config{RetryBackoffMs: 100}}
	assert.True(t, p.isRetriableError(errors.New("dial tcp: connection refused")))
	assert.True(t, p.isRetriableError(errors.New("502 Bad Gateway")))
	assert.False(t, p.isRetriableError(errors.New("Access Denied")))
	assert.False(t, p.isRetriableError(nil))

	assert.Equal(t, 100*time.Millisecond, p.calculateBackoff(1))
	assert.Equal(t, 400*time.Millisecond, p.calculateBackoff(3))
}
