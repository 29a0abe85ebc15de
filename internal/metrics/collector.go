package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes migration metrics
type Collector struct {
	unitsTotal   *prometheus.CounterVec
	jobsTotal    *prometheus.CounterVec
	archiveBytes prometheus.Counter
	inflightJobs prometheus.Gauge
	duration     *prometheus.HistogramVec
	registry     *prometheus.Registry
}

// New creates a collector registered on reg. A nil reg gets a private
// registry, so collectors can be created repeatedly in tests.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		unitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemig_units_total",
				Help: "Total number of work units executed",
			},
			[]string{"direction", "kind", "result"},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemig_jobs_total",
				Help: "Total number of jobs reaching a terminal status",
			},
			[]string{"direction", "status"},
		),
		archiveBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sitemig_archive_bytes_total",
				Help: "Total bytes written to or read from archives",
			},
		),
		inflightJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitemig_inflight_invocations",
				Help: "Number of job invocations currently executing units",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitemig_unit_duration_seconds",
				Help:    "Time taken to execute a work unit",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		registry: reg,
	}

	// Register metrics
	reg.MustRegister(c.unitsTotal)
	reg.MustRegister(c.jobsTotal)
	reg.MustRegister(c.archiveBytes)
	reg.MustRegister(c.inflightJobs)
	reg.MustRegister(c.duration)

	return c
}

// IncUnit counts an executed unit
func (c *Collector) IncUnit(direction, kind string, ok bool) {
	result := "success"
	if !ok {
		result = "failed"
	}
	c.unitsTotal.WithLabelValues(direction, kind, result).Inc()
}

// IncJob counts a job reaching status
func (c *Collector) IncJob(direction, status string) {
	c.jobsTotal.WithLabelValues(direction, status).Inc()
}

// AddBytes adds to total archive bytes
func (c *Collector) AddBytes(bytes int64) {
	if bytes > 0 {
		c.archiveBytes.Add(float64(bytes))
	}
}

// InvocationStarted marks an invocation in flight
func (c *Collector) InvocationStarted() {
	c.inflightJobs.Inc()
}

// InvocationFinished undoes InvocationStarted
func (c *Collector) InvocationFinished() {
	c.inflightJobs.Dec()
}

// ObserveDuration observes a unit's duration
func (c *Collector) ObserveDuration(kind string, duration time.Duration) {
	c.duration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry metrics are registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
