package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Display renders a tracker's status on a terminal
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	done     sync.WaitGroup
	once     sync.Once
	lastLen  int
}

// NewDisplay creates a new progress display writing to out
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	if out == nil {
		out = os.Stdout
	}
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	d.done.Add(1)
	go d.displayLoop()
}

// Stop stops the display after printing the final summary
func (d *Display) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	d.done.Wait()
}

func (d *Display) displayLoop() {
	defer d.done.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.finalDisplay()
			return
		}
	}
}

// updateDisplay rewrites the status line in place
func (d *Display) updateDisplay() {
	line := d.statusLine(d.tracker.GetStatus())
	pad := ""
	if d.lastLen > len(line) {
		pad = strings.Repeat(" ", d.lastLen-len(line))
	}
	fmt.Fprintf(d.out, "\r%s%s", line, pad)
	d.lastLen = len(line)
}

func (d *Display) finalDisplay() {
	if d.lastLen > 0 {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", d.lastLen)+"\r")
	}
	fmt.Fprintln(d.out, strings.Join(d.summaryLines(d.tracker.GetStatus()), "\n"))
}

func (d *Display) statusLine(s Status) string {
	return fmt.Sprintf("%s %d/%d units  %s  ETA %s  %s",
		generateProgressBar(s.Percent, 30), s.UnitsDone, s.UnitsTotal,
		FormatBytes(s.Bytes), FormatDuration(s.ETA), s.Message)
}

func (d *Display) summaryLines(s Status) []string {
	lines := []string{
		fmt.Sprintf("Job %s %s: %s", s.JobID, s.Status, s.Message),
		fmt.Sprintf("  Units:    %d/%d (%.1f%%)", s.UnitsDone, s.UnitsTotal, s.Percent),
		fmt.Sprintf("  Data:     %s at %s", FormatBytes(s.Bytes), FormatSpeed(s.ByteRate)),
		fmt.Sprintf("  Started:  %s", humanize.Time(s.StartTime)),
	}
	if s.Archive != "" {
		lines = append(lines, fmt.Sprintf("  Archive:  %s", s.Archive))
	}
	if s.Error != "" {
		lines = append(lines, fmt.Sprintf("  Error:    [%s] %s", s.ErrorKind, s.Error))
	}
	for _, w := range s.Warnings {
		lines = append(lines, fmt.Sprintf("  Warning:  %s", w))
	}
	return lines
}

// generateProgressBar generates a visual progress bar
func generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %5.1f%%", bar, percent)
}

// IsTerminalSupported checks whether stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
