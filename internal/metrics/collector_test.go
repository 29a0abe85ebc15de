package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := New(nil)

	c.IncUnit("export", "export-table", true)
	c.IncUnit("export", "export-table", true)
	c.IncUnit("export", "finalize", false)
	c.IncJob("export", "completed")
	c.AddBytes(512)
	c.AddBytes(-1)
	c.ObserveDuration("export-table", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.unitsTotal.WithLabelValues("export", "export-table", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unitsTotal.WithLabelValues("export", "finalize", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("export", "completed")))
	assert.Equal(t, 512.0, testutil.ToFloat64(c.archiveBytes))

	c.InvocationStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inflightJobs))
	c.InvocationFinished()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inflightJobs))
}

func TestCollectorHandler(t *testing.T) {
	c := New(nil)
	c.IncJob("import", "failed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `sitemig_jobs_total{direction="import",status="failed"} 1`)
}
