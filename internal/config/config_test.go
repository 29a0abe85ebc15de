package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaultsAndFile(t *testing.T) {
	p := writeConfig(t, `
site:
  id: blog
  url: https://old.example.com
  root_dir: /srv/blog
database:
  driver: sqlite
  dsn: /srv/blog/site.db
jobs:
  units_per_call: 3
  unit_timeout: 30s
log_level: debug
`)

	cfg, err := Load(p, nil)
	require.NoError(t, err)

	assert.Equal(t, "blog", cfg.Site.ID)
	assert.Equal(t, "https://old.example.com", cfg.Site.HomeURL)
	assert.Equal(t, "wp_", cfg.Site.TablePrefix)
	assert.Equal(t, filepath.Join("/srv/blog", "wp-content", "uploads"), cfg.Site.UploadsDir)
	assert.Equal(t, filepath.Join("/srv/blog", "wp-content", "themes"), cfg.Site.ThemesDir)
	assert.Equal(t, 3, cfg.Jobs.UnitsPerCall)
	assert.Equal(t, 30*time.Second, cfg.Jobs.UnitTimeout)
	assert.Equal(t, 200, cfg.Jobs.BatchFiles)
	assert.Equal(t, []string{"sessions", "rate_limits"}, cfg.Jobs.ProtectedTables)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.Archive.Enabled())
}

func TestFlagsOverrideFile(t *testing.T) {
	p := writeConfig(t, `
site:
  id: blog
database:
  driver: mysql
  dsn: user:pass@tcp(localhost:3306)/blog
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("site-id", "", "")
	flags.Int("units-per-call", 1, "")
	flags.StringSlice("protected-tables", nil, "")
	require.NoError(t, flags.Parse([]string{"--site-id=shop", "--units-per-call=5", "--protected-tables=sessions,locks"}))

	cfg, err := Load(p, flags)
	require.NoError(t, err)
	assert.Equal(t, "shop", cfg.Site.ID)
	assert.Equal(t, 5, cfg.Jobs.UnitsPerCall)
	assert.Equal(t, []string{"sessions", "locks"}, cfg.Jobs.ProtectedTables)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing site", "database: {driver: sqlite, dsn: x}", "site id is required"},
		{"bad driver", "site: {id: a}\ndatabase: {driver: oracle, dsn: x}", "unknown database driver"},
		{"missing dsn", "site: {id: a}\ndatabase: {driver: sqlite}", "database dsn is required"},
		{"zero units", "site: {id: a}\ndatabase: {driver: sqlite, dsn: x}\njobs: {units_per_call: 0}", "units per call"},
		{"zero batch", "site: {id: a}\ndatabase: {driver: sqlite, dsn: x}\njobs: {batch_files: 0}", "batch files"},
		{"archive without bucket", "site: {id: a}\ndatabase: {driver: sqlite, dsn: x}\narchive: {endpoint: localhost:9000, access_key: k, secret_key: s}", "archive bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}
