package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sitemigrate/internal/progress"
)

// Stepper advances a job by one bounded invocation
type Stepper interface {
	Continue(ctx context.Context, jobID string) (progress.Report, error)
}

// Pool drives submitted jobs to a terminal status in the background, playing
// the polling caller
type Pool struct {
	size     int
	interval time.Duration
	stepper  Stepper
	logger   *zap.Logger
	jobs     chan string

	mu      sync.Mutex
	driving map[string]struct{}
}

// NewPool creates a new driver pool
func NewPool(size int, interval time.Duration, stepper Stepper, logger *zap.Logger) *Pool {
	return &Pool{
		size:     size,
		interval: interval,
		stepper:  stepper,
		logger:   logger,
		jobs:     make(chan string, size*16),
		driving:  map[string]struct{}{},
	}
}

// Start starts the worker pool
func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, wg)
	}
}

// Submit queues jobID for driving. A job already being driven is ignored.
func (p *Pool) Submit(jobID string) bool {
	p.mu.Lock()
	if _, ok := p.driving[jobID]; ok {
		p.mu.Unlock()
		return false
	}
	p.driving[jobID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.jobs <- jobID:
		return true
	default:
		p.release(jobID)
		p.logger.Warn("Driver queue full, job left to external polling", zap.String("job_id", jobID))
		return false
	}
}

func (p *Pool) release(jobID string) {
	p.mu.Lock()
	delete(p.driving, jobID)
	p.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Info("Worker started")

	for {
		select {
		case jobID := <-p.jobs:
			p.drive(ctx, jobID, logger)
			p.release(jobID)

		case <-ctx.Done():
			logger.Info("Worker stopped - context cancelled")
			return
		}
	}
}

func (p *Pool) drive(ctx context.Context, jobID string, logger *zap.Logger) {
	logger = logger.With(zap.String("job_id", jobID))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while driving job", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	for {
		// an invocation runs to completion; shutdown is honoured between invocations
		report, err := p.stepper.Continue(context.WithoutCancel(ctx), jobID)
		if err != nil {
			logger.Error("Failed to continue job", zap.Error(err))
			return
		}
		if report.Done() {
			logger.Info("Job finished", zap.String("status", string(report.Status)))
			return
		}

		select {
		case <-time.After(p.interval):
		case <-ctx.Done():
			return
		}
	}
}
