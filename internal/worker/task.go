package worker

import (
	"context"
	"time"
)

// Config contains unit execution configuration
type Config struct {
	UnitTimeout    time.Duration
	Retries        int
	RetryBackoffMs int
	// Remote target for finished exports; empty Bucket keeps archives local
	Bucket string
	Prefix string
}

// CancelCheck reports errs.ErrCancellationRequested once a job's cancellation
// has been requested. Units call it before each expensive step.
type CancelCheck func(ctx context.Context) error

func noCancel(context.Context) error { return nil }
