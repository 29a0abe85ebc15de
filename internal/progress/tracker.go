package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is the tracker's view of a job being driven
type Status struct {
	Report
	StartTime      time.Time
	LastUpdateTime time.Time
	PercentPerSec  float64 // recent progress rate
	ByteRate       float64 // average bytes/second since start
	ETA            time.Duration
}

// Tracker turns successive reports into rates and an ETA
type Tracker struct {
	mu         sync.RWMutex
	status     Status
	samples    []sample
	maxSamples int
	window     time.Duration
	now        func() time.Time
}

type sample struct {
	timestamp time.Time
	percent   float64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		status: Status{
			StartTime:      start,
			LastUpdateTime: start,
		},
		samples:    make([]sample, 0, 60),
		maxSamples: 60,
		window:     30 * time.Second,
		now:        now,
	}
}

// Observe records a report
func (t *Tracker) Observe(r Report) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.status.Report = r
	t.status.LastUpdateTime = now

	t.samples = append(t.samples, sample{timestamp: now, percent: r.Percent})
	if len(t.samples) > t.maxSamples {
		t.samples = t.samples[1:]
	}

	t.calculateRate(now)
	t.calculateByteRate(now)
	t.calculateETA()
}

// calculateRate measures percent gained over the recent window (lock held)
func (t *Tracker) calculateRate(now time.Time) {
	t.status.PercentPerSec = 0
	if len(t.samples) < 2 {
		return
	}

	cutoff := now.Add(-t.window)
	first := t.samples[len(t.samples)-1]
	for i := len(t.samples) - 2; i >= 0; i-- {
		if t.samples[i].timestamp.Before(cutoff) {
			break
		}
		first = t.samples[i]
	}

	elapsed := now.Sub(first.timestamp)
	if elapsed > 0 {
		t.status.PercentPerSec = (t.status.Percent - first.percent) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateByteRate(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.ByteRate = float64(t.status.Bytes) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateETA() {
	remaining := 100 - t.status.Percent
	if t.status.Done() || remaining <= 0 || t.status.PercentPerSec <= 0 {
		t.status.ETA = 0
		return
	}
	t.status.ETA = time.Duration(remaining / t.status.PercentPerSec * float64(time.Second)).Round(time.Second)
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// FormatSpeed formats a byte rate
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// FormatBytes formats a byte count
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration formats an ETA
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "estimating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
