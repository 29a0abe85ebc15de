package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sitemigrate/internal/app"
	"sitemigrate/internal/config"
	"sitemigrate/internal/logger"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "sitemig",
	Short: "Export and import a complete site through one portable archive",
	Long: `A resumable site migration tool. Database tables, media, plugins and themes are
moved through a single archive, in bounded steps that survive restarts.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default is none)")

	// Site flags
	pf.String("site-id", "", "Site identifier (required)")
	pf.String("site-url", "", "Site URL")
	pf.String("home-url", "", "Home URL (defaults to site URL)")
	pf.String("table-prefix", "wp_", "Table prefix")
	pf.String("root-dir", "", "Site root directory")
	pf.String("content-dir", "", "Content directory (defaults to <root>/wp-content)")
	pf.String("uploads-dir", "", "Uploads directory")
	pf.String("plugins-dir", "", "Plugins directory")
	pf.String("themes-dir", "", "Themes directory")

	// Database flags
	pf.String("db-driver", "mysql", "Site database driver (mysql/sqlite)")
	pf.String("db-dsn", "", "Site database DSN")

	// Job flags
	pf.String("store", "./sitemig.db", "Job state database file")
	pf.String("workdir", "./sitemig-work", "Directory for local archives")
	pf.Int("units-per-call", 1, "Work units executed per invocation")
	pf.Int("batch-files", 200, "Maximum files per file batch")
	pf.Int64("batch-bytes", 64<<20, "Maximum bytes per file batch")
	pf.Duration("unit-timeout", 0, "Time limit for a single work unit (default 5m)")
	pf.Int("retries", 3, "Maximum archive upload attempts")
	pf.StringSlice("protected-tables", nil, "Table suffixes a restore never touches (default sessions,rate_limits)")
	pf.Bool("show-progress", true, "Show progress display while driving a job")

	// Archive storage flags
	pf.String("s3-endpoint", "", "S3-compatible endpoint for archives")
	pf.String("s3-access-key", "", "Archive storage access key")
	pf.String("s3-secret-key", "", "Archive storage secret key")
	pf.Bool("s3-secure", true, "Use HTTPS for archive storage")
	pf.String("s3-bucket", "", "Archive bucket")
	pf.String("s3-prefix", "", "Archive key prefix")

	pf.String("log-level", "info", "Log level (debug/info/warn/error)")

	rootCmd.AddCommand(newServeCmd(), newExportCmd(), newImportCmd(), newContinueCmd(),
		newStatusCmd(), newCancelCmd(), newListCmd())
}

// runtime is what every command needs once configuration is loaded
type runtime struct {
	cfg      *config.Config
	log      *zap.Logger
	migrator *app.Migrator
}

func setup(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	migrator, err := app.New(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return &runtime{cfg: cfg, log: log, migrator: migrator}, nil
}

func (r *runtime) close() {
	if err := r.migrator.Close(); err != nil {
		r.log.Error("Error closing migrator", zap.Error(err))
	}
	r.log.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
