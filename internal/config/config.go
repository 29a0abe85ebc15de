package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Site     Site     `yaml:"site"`
	Database Database `yaml:"database"`
	Jobs     Jobs     `yaml:"jobs"`
	Archive  Archive  `yaml:"archive"`
	Server   Server   `yaml:"server"`
	LogLevel string   `yaml:"log_level"`
}

// Site describes the installation being migrated
type Site struct {
	ID          string `yaml:"id"`
	URL         string `yaml:"url"`
	HomeURL     string `yaml:"home_url"`
	TablePrefix string `yaml:"table_prefix"`
	RootDir     string `yaml:"root_dir"`
	ContentDir  string `yaml:"content_dir"`
	UploadsDir  string `yaml:"uploads_dir"`
	PluginsDir  string `yaml:"plugins_dir"`
	ThemesDir   string `yaml:"themes_dir"`
}

// Database represents the host database connection
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Jobs represents job execution configuration
type Jobs struct {
	Store           string        `yaml:"store"`
	Workdir         string        `yaml:"workdir"`
	UnitsPerCall    int           `yaml:"units_per_call"`
	BatchFiles      int           `yaml:"batch_files"`
	BatchBytes      int64         `yaml:"batch_bytes"`
	UnitTimeout     time.Duration `yaml:"unit_timeout"`
	Retries         int           `yaml:"retries"`
	RetryBackoffMs  int           `yaml:"retry_backoff_ms"`
	ProtectedTables []string      `yaml:"protected_tables"`
	ContentTypes    []string      `yaml:"content_types"`
	ShowProgress    bool          `yaml:"show_progress"`
}

// Archive is the optional S3-compatible target finished archives go to
type Archive struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	PartSize  int64  `yaml:"part_size"`
}

// Enabled reports whether remote archive storage is configured
func (a Archive) Enabled() bool {
	return a.Endpoint != ""
}

// Server represents the job-control server configuration
type Server struct {
	Listen        string        `yaml:"listen"`
	Drive         bool          `yaml:"drive"`
	DriveWorkers  int           `yaml:"drive_workers"`
	DriveInterval time.Duration `yaml:"drive_interval"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Site: Site{
			TablePrefix: "wp_",
		},
		Database: Database{
			Driver: "mysql",
		},
		Jobs: Jobs{
			Store:           "./sitemig.db",
			Workdir:         "./sitemig-work",
			UnitsPerCall:    1,
			BatchFiles:      200,
			BatchBytes:      64 << 20, // 64MB
			UnitTimeout:     5 * time.Minute,
			Retries:         3,
			RetryBackoffMs:  500,
			ProtectedTables: []string{"sessions", "rate_limits"},
			ContentTypes:    []string{"post", "page"},
			ShowProgress:    true,
		},
		Archive: Archive{
			Secure:   true,
			PartSize: 64 << 20,
		},
		Server: Server{
			Listen:        ":8080",
			DriveWorkers:  2,
			DriveInterval: time.Second,
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg.fillDerived()

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	stringFlags := map[string]*string{
		"site-id":       &cfg.Site.ID,
		"site-url":      &cfg.Site.URL,
		"home-url":      &cfg.Site.HomeURL,
		"table-prefix":  &cfg.Site.TablePrefix,
		"root-dir":      &cfg.Site.RootDir,
		"content-dir":   &cfg.Site.ContentDir,
		"uploads-dir":   &cfg.Site.UploadsDir,
		"plugins-dir":   &cfg.Site.PluginsDir,
		"themes-dir":    &cfg.Site.ThemesDir,
		"db-driver":     &cfg.Database.Driver,
		"db-dsn":        &cfg.Database.DSN,
		"store":         &cfg.Jobs.Store,
		"workdir":       &cfg.Jobs.Workdir,
		"s3-endpoint":   &cfg.Archive.Endpoint,
		"s3-access-key": &cfg.Archive.AccessKey,
		"s3-secret-key": &cfg.Archive.SecretKey,
		"s3-bucket":     &cfg.Archive.Bucket,
		"s3-prefix":     &cfg.Archive.Prefix,
		"listen":        &cfg.Server.Listen,
		"log-level":     &cfg.LogLevel,
	}
	for name, dst := range stringFlags {
		if changed(flags, name) {
			*dst, _ = flags.GetString(name)
		}
	}

	if changed(flags, "units-per-call") {
		cfg.Jobs.UnitsPerCall, _ = flags.GetInt("units-per-call")
	}
	if changed(flags, "batch-files") {
		cfg.Jobs.BatchFiles, _ = flags.GetInt("batch-files")
	}
	if changed(flags, "batch-bytes") {
		cfg.Jobs.BatchBytes, _ = flags.GetInt64("batch-bytes")
	}
	if changed(flags, "unit-timeout") {
		cfg.Jobs.UnitTimeout, _ = flags.GetDuration("unit-timeout")
	}
	if changed(flags, "retries") {
		cfg.Jobs.Retries, _ = flags.GetInt("retries")
	}
	if changed(flags, "protected-tables") {
		cfg.Jobs.ProtectedTables, _ = flags.GetStringSlice("protected-tables")
	}
	if changed(flags, "show-progress") {
		cfg.Jobs.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if changed(flags, "s3-secure") {
		cfg.Archive.Secure, _ = flags.GetBool("s3-secure")
	}
	if changed(flags, "drive") {
		cfg.Server.Drive, _ = flags.GetBool("drive")
	}
	if changed(flags, "drive-workers") {
		cfg.Server.DriveWorkers, _ = flags.GetInt("drive-workers")
	}

	return nil
}

func changed(flags *pflag.FlagSet, name string) bool {
	return flags.Lookup(name) != nil && flags.Changed(name)
}

// fillDerived defaults directories and URLs that follow from others
func (c *Config) fillDerived() {
	if c.Site.HomeURL == "" {
		c.Site.HomeURL = c.Site.URL
	}
	if c.Site.ContentDir == "" && c.Site.RootDir != "" {
		c.Site.ContentDir = filepath.Join(c.Site.RootDir, "wp-content")
	}
	if c.Site.ContentDir != "" {
		if c.Site.UploadsDir == "" {
			c.Site.UploadsDir = filepath.Join(c.Site.ContentDir, "uploads")
		}
		if c.Site.PluginsDir == "" {
			c.Site.PluginsDir = filepath.Join(c.Site.ContentDir, "plugins")
		}
		if c.Site.ThemesDir == "" {
			c.Site.ThemesDir = filepath.Join(c.Site.ContentDir, "themes")
		}
	}
}

func (c *Config) validate() error {
	if c.Site.ID == "" {
		return fmt.Errorf("site id is required")
	}

	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	if c.Jobs.Store == "" {
		return fmt.Errorf("job store path is required")
	}
	if c.Jobs.UnitsPerCall < 1 {
		return fmt.Errorf("units per call must be at least 1")
	}
	if c.Jobs.BatchFiles < 1 {
		return fmt.Errorf("batch files must be at least 1")
	}
	if c.Jobs.BatchBytes < 1 {
		return fmt.Errorf("batch bytes must be at least 1")
	}
	if c.Jobs.UnitTimeout <= 0 {
		return fmt.Errorf("unit timeout must be positive")
	}

	if c.Archive.Enabled() {
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archive storage credentials are required")
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive bucket is required")
		}
		if c.Archive.PartSize < 5*1024*1024 { // 5MB minimum for S3
			return fmt.Errorf("archive part size must be at least 5MB")
		}
	}

	if c.Server.Drive && c.Server.DriveWorkers <= 0 {
		return fmt.Errorf("drive workers must be positive")
	}

	return nil
}
