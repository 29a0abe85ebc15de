package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/config"
	"sitemigrate/internal/dump"
	"sitemigrate/internal/errs"
	"sitemigrate/internal/metrics"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/selection"
	"sitemigrate/internal/sitedb"
	"sitemigrate/internal/sitefs"
	"sitemigrate/internal/storage"
	"sitemigrate/internal/worker"
)

// Settings bound how the orchestrator plans and paces a job
type Settings struct {
	SiteID       string
	Workdir      string
	UnitsPerCall int
	BatchFiles   int
	BatchBytes   int64
	ContentTypes []string
}

// Deps are the collaborators a Migrator drives
type Deps struct {
	Store     checkpoint.Store
	Codec     *dump.Codec
	FS        sitefs.FileSystem
	Processor *worker.UnitProcessor
	Archives  storage.Client
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Migrator is the job state machine. Each Continue call loads the job,
// executes a bounded number of units and persists the result.
type Migrator struct {
	settings  Settings
	logger    *zap.Logger
	store     checkpoint.Store
	codec     *dump.Codec
	fsys      sitefs.FileSystem
	processor *worker.UnitProcessor
	archives  storage.Client
	metrics   *metrics.Collector
	reporter  *progress.Reporter
	locks     *jobLocks
	now       func() time.Time
	closers   []func() error
}

// NewMigrator wires a migrator from ready collaborators
func NewMigrator(settings Settings, deps Deps) *Migrator {
	if settings.UnitsPerCall < 1 {
		settings.UnitsPerCall = 1
	}
	return &Migrator{
		settings:  settings,
		logger:    deps.Logger,
		store:     deps.Store,
		codec:     deps.Codec,
		fsys:      deps.FS,
		processor: deps.Processor,
		archives:  deps.Archives,
		metrics:   deps.Metrics,
		reporter:  progress.NewReporter(deps.Store),
		locks:     newJobLocks(),
		now:       time.Now,
	}
}

// New creates a migrator from configuration, connecting to the site
// database, the job store and, when configured, remote archive storage
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry) (*Migrator, error) {
	db, err := sitedb.Open(ctx, sitedb.Dialect(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to site database: %w", err)
	}

	// Create checkpoint store
	store, err := checkpoint.NewSQLiteStore(cfg.Jobs.Store)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create job store: %w", err)
	}

	var archives storage.Client
	if cfg.Archive.Enabled() {
		client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Secure:    cfg.Archive.Secure,
		}, cfg.Archive.PartSize)
		if err != nil {
			store.Close()
			db.Close()
			return nil, fmt.Errorf("failed to create archive storage client: %w", err)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := client.EnsureBucket(bucketCtx, cfg.Archive.Bucket); err != nil {
			logger.Warn("Archive bucket is not reachable yet", zap.String("bucket", cfg.Archive.Bucket), zap.Error(err))
		}
		cancel()
		archives = client
	}

	origin := dump.Origin{
		SiteURL:     cfg.Site.URL,
		HomeURL:     cfg.Site.HomeURL,
		TablePrefix: cfg.Site.TablePrefix,
		Paths: dump.PathRoots{
			Root:    cfg.Site.RootDir,
			Content: cfg.Site.ContentDir,
			Uploads: cfg.Site.UploadsDir,
		},
	}
	codec := dump.NewCodec(db, origin, cfg.Jobs.ProtectedTables, logger)
	fsys := sitefs.NewLocal(cfg.Site.UploadsDir, cfg.Site.PluginsDir, cfg.Site.ThemesDir)
	metricsCollector := metrics.New(reg)

	processor := worker.NewUnitProcessor(worker.Config{
		UnitTimeout:    cfg.Jobs.UnitTimeout,
		Retries:        cfg.Jobs.Retries,
		RetryBackoffMs: cfg.Jobs.RetryBackoffMs,
		Bucket:         cfg.Archive.Bucket,
		Prefix:         cfg.Archive.Prefix,
	}, codec, fsys, archives, metricsCollector, logger)

	m := NewMigrator(Settings{
		SiteID:       cfg.Site.ID,
		Workdir:      cfg.Jobs.Workdir,
		UnitsPerCall: cfg.Jobs.UnitsPerCall,
		BatchFiles:   cfg.Jobs.BatchFiles,
		BatchBytes:   cfg.Jobs.BatchBytes,
		ContentTypes: cfg.Jobs.ContentTypes,
	}, Deps{
		Store:     store,
		Codec:     codec,
		FS:        fsys,
		Processor: processor,
		Archives:  archives,
		Metrics:   metricsCollector,
		Logger:    logger,
	})
	m.closers = []func() error{store.Close, db.Close}
	return m, nil
}

// Metrics returns the migrator's collector
func (m *Migrator) Metrics() *metrics.Collector {
	return m.metrics
}

// StartRequest asks for a new job
type StartRequest struct {
	Direction checkpoint.Direction
	// Selection is the raw request mapping; nil migrates the whole site
	Selection any
	Options   checkpoint.Options
	// Archive is the import source (local path or s3://bucket/key), or an
	// optional output path for an export
	Archive string
	// JobID makes Start idempotent: a known id returns that job
	JobID string
}

// Start creates a job. At most one non-terminal job exists per site; a second
// start fails with a *errs.JobRunningError naming the running job.
func (m *Migrator) Start(ctx context.Context, req StartRequest) (progress.Report, error) {
	if req.JobID != "" {
		job, err := m.store.GetJob(ctx, req.JobID)
		if err == nil {
			return progress.FromJob(job), nil
		}
		if !errors.Is(err, errs.ErrJobNotFound) {
			return progress.Report{}, err
		}
	}

	job, err := m.newJob(req)
	if err != nil {
		return progress.Report{}, err
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return progress.Report{}, err
	}

	m.logger.Info("Job created",
		zap.String("job_id", job.ID),
		zap.String("site", job.Site),
		zap.String("direction", string(job.Direction)),
		zap.Bool("scoped", job.Selection != nil),
		zap.String("archive", job.Archive),
	)
	return progress.FromJob(job), nil
}

func (m *Migrator) newJob(req StartRequest) (*checkpoint.Job, error) {
	opts := req.Options
	if !opts.Database && !opts.Media && !opts.Plugins && !opts.Themes {
		return nil, fmt.Errorf("%w: no database or file category selected", errs.ErrValidation)
	}

	var sel *selection.ContentSelection
	if req.Selection != nil {
		var err error
		if sel, err = selection.Parse(req.Selection, m.settings.ContentTypes); err != nil {
			return nil, err
		}
	}

	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}
	job := &checkpoint.Job{
		ID:        id,
		Site:      m.settings.SiteID,
		Direction: req.Direction,
		Selection: sel,
		Options:   opts,
		Status:    checkpoint.StatusPending,
		Message:   "Queued",
	}

	local := filepath.Join(m.settings.Workdir, id+".sitemig")
	switch req.Direction {
	case checkpoint.DirectionExport:
		job.Archive = local
		if req.Archive != "" {
			job.Archive = req.Archive
		}
	case checkpoint.DirectionImport:
		if req.Archive == "" {
			return nil, fmt.Errorf("%w: import needs an archive", errs.ErrValidation)
		}
		_, _, remote, err := storage.ParseLocation(req.Archive)
		if err != nil {
			return nil, err
		}
		job.Archive = req.Archive
		if remote {
			if m.archives == nil {
				return nil, fmt.Errorf("%w: remote archive storage is not configured", errs.ErrValidation)
			}
			job.Remote = req.Archive
			job.Archive = local
		}
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", errs.ErrValidation, req.Direction)
	}
	return job, nil
}

// Continue advances a job by at most UnitsPerCall units. The job is persisted
// before returning whatever happens. A terminal job is returned untouched.
func (m *Migrator) Continue(ctx context.Context, id string) (progress.Report, error) {
	unlock, err := m.locks.lock(ctx, id)
	if err != nil {
		return progress.Report{}, err
	}
	defer unlock()

	m.metrics.InvocationStarted()
	defer m.metrics.InvocationFinished()

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return progress.Report{}, err
	}
	if job.Status.Terminal() {
		return progress.FromJob(job), nil
	}

	m.step(ctx, job)

	// The record is written even when ctx was cancelled mid-unit
	if err := m.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		return progress.Report{}, fmt.Errorf("failed to persist job %s: %w", id, err)
	}
	if job.Status.Terminal() {
		m.metrics.IncJob(string(job.Direction), string(job.Status))
		m.logger.Info("Job finished",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.String("error_kind", string(job.ErrorKind)),
		)
	}
	return progress.FromJob(job), nil
}

func (m *Migrator) step(ctx context.Context, job *checkpoint.Job) {
	logger := m.logger.With(zap.String("job_id", job.ID))

	if job.Status == checkpoint.StatusPending {
		job.Status = checkpoint.StatusRunning
	}
	if job.CancelRequested {
		m.fail(job, errs.ErrCancellationRequested)
		return
	}

	if len(job.Queue) == 0 {
		if err := m.plan(ctx, job); err != nil {
			logger.Error("Failed to plan job", zap.Error(err))
			m.fail(job, err)
			return
		}
		logger.Info("Job planned", zap.Int("units", len(job.Queue)))
		job.Message = describe(job, job.Queue[0])
	}

	check := m.cancelCheck(job.ID)
	for n := 0; n < m.settings.UnitsPerCall && job.Cursor < len(job.Queue); n++ {
		if err := m.processor.Process(ctx, job, check); err != nil {
			m.fail(job, err)
			return
		}
		job.Cursor++
		job.Percent = percentOf(job)
		if job.Cursor < len(job.Queue) {
			job.Message = describe(job, job.Queue[job.Cursor])
		}
	}

	if job.Cursor >= len(job.Queue) {
		job.Status = checkpoint.StatusCompleted
		job.Percent = 100
		job.Message = summary(job)
	}
}

func (m *Migrator) fail(job *checkpoint.Job, err error) {
	job.Status = checkpoint.StatusFailed
	job.ErrorKind = errs.KindOf(err)
	job.Error = err.Error()
	if job.ErrorKind == errs.KindCancelled {
		job.Message = fmt.Sprintf("%s cancelled", title(job.Direction))
		return
	}
	job.Message = fmt.Sprintf("%s failed: %v", title(job.Direction), err)
}

func (m *Migrator) cancelCheck(id string) worker.CancelCheck {
	return func(ctx context.Context) error {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job.CancelRequested {
			return errs.ErrCancellationRequested
		}
		return nil
	}
}

// Status reads the persisted state of a job
func (m *Migrator) Status(ctx context.Context, id string) (progress.Report, error) {
	return m.reporter.Status(ctx, id)
}

// List returns the site's recent jobs
func (m *Migrator) List(ctx context.Context, limit int) ([]progress.Report, error) {
	jobs, err := m.store.ListJobs(ctx, m.settings.SiteID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]progress.Report, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, progress.FromJob(job))
	}
	return out, nil
}

// Active returns the site's non-terminal job, or nil when the site is idle
func (m *Migrator) Active(ctx context.Context) (*progress.Report, error) {
	job, err := m.store.ActiveJob(ctx, m.settings.SiteID)
	if err != nil || job == nil {
		return nil, err
	}
	report := progress.FromJob(job)
	return &report, nil
}

// Cancel requests cancellation. An idle job fails right away; a job with an
// invocation in flight fails once that invocation reaches its next check.
func (m *Migrator) Cancel(ctx context.Context, id string) (progress.Report, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return progress.Report{}, err
	}
	if job.Status.Terminal() {
		return progress.FromJob(job), nil
	}
	if err := m.store.RequestCancel(ctx, id); err != nil {
		return progress.Report{}, err
	}
	m.logger.Info("Cancellation requested", zap.String("job_id", id))

	unlock, ok := m.locks.tryLock(id)
	if !ok {
		return m.reporter.Status(ctx, id)
	}
	defer unlock()

	job, err = m.store.GetJob(ctx, id)
	if err != nil {
		return progress.Report{}, err
	}
	if !job.Status.Terminal() {
		m.fail(job, errs.ErrCancellationRequested)
		err := m.store.SaveJob(ctx, job)
		if errors.Is(err, errs.ErrVersionConflict) {
			// another process is running it and will see the flag
			return m.reporter.Status(ctx, id)
		}
		if err != nil {
			return progress.Report{}, err
		}
		m.metrics.IncJob(string(job.Direction), string(job.Status))
	}
	return progress.FromJob(job), nil
}

// Close cleans up resources
func (m *Migrator) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
