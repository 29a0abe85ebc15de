package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sitemigrate/internal/api"
	"sitemigrate/internal/app"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/worker"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the job-control HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().Bool("drive", false, "Continue started jobs in the background")
	cmd.Flags().Int("drive-workers", 2, "Background driver workers")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	var (
		driver api.Driver
		wg     sync.WaitGroup
	)
	if rt.cfg.Server.Drive {
		pool := worker.NewPool(rt.cfg.Server.DriveWorkers, rt.cfg.Server.DriveInterval, rt.migrator, rt.log)
		pool.Start(ctx, &wg)
		driver = pool

		// pick up a job left running by a previous process
		if active, err := rt.migrator.Active(ctx); err != nil {
			rt.log.Warn("Failed to look up active job", zap.Error(err))
		} else if active != nil {
			pool.Submit(active.JobID)
		}
	}

	server := api.NewServer(rt.migrator, driver, rt.migrator.Metrics().Handler(), rt.log)
	err = server.Run(ctx, rt.cfg.Server.Listen)
	cancel()
	wg.Wait()
	return err
}

func addCategoryFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("database", true, "Include database tables")
	cmd.Flags().Bool("media", true, "Include uploaded media")
	cmd.Flags().Bool("plugins", false, "Include plugins")
	cmd.Flags().Bool("themes", false, "Include themes")
	cmd.Flags().String("selection", "", "Content selection as a JSON object (default whole site)")
	cmd.Flags().String("job-id", "", "Job id, making the start idempotent")
	cmd.Flags().Bool("detach", false, "Create the job without driving it")
}

func startRequest(cmd *cobra.Command, direction checkpoint.Direction, archive string) (app.StartRequest, error) {
	flags := cmd.Flags()
	req := app.StartRequest{Direction: direction, Archive: archive}
	req.Options.Database, _ = flags.GetBool("database")
	req.Options.Media, _ = flags.GetBool("media")
	req.Options.Plugins, _ = flags.GetBool("plugins")
	req.Options.Themes, _ = flags.GetBool("themes")
	req.JobID, _ = flags.GetString("job-id")

	if raw, _ := flags.GetString("selection"); raw != "" {
		var sel map[string]any
		if err := json.Unmarshal([]byte(raw), &sel); err != nil {
			return req, fmt.Errorf("invalid --selection: %w", err)
		}
		req.Selection = sel
	}
	return req, nil
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the site into an archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			return runStart(cmd, checkpoint.DirectionExport, output)
		},
	}
	addCategoryFlags(cmd)
	cmd.Flags().String("output", "", "Archive path (default <workdir>/<job id>.sitemig)")
	return cmd
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <archive>",
		Short: "Import an archive (local path or s3://bucket/key) into the site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, checkpoint.DirectionImport, args[0])
		},
	}
	addCategoryFlags(cmd)
	return cmd
}

func runStart(cmd *cobra.Command, direction checkpoint.Direction, archive string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	req, err := startRequest(cmd, direction, archive)
	if err != nil {
		return err
	}
	report, err := rt.migrator.Start(ctx, req)
	if err != nil {
		return err
	}
	if detach, _ := cmd.Flags().GetBool("detach"); detach {
		return printReport(cmd.OutOrStdout(), report)
	}
	return driveJob(ctx, rt, report.JobID, cmd.OutOrStdout())
}

func newContinueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "continue <job-id>",
		Short: "Run one bounded invocation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			if follow, _ := cmd.Flags().GetBool("follow"); follow {
				return driveJob(ctx, rt, args[0], cmd.OutOrStdout())
			}
			report, err := rt.migrator.Continue(context.WithoutCancel(ctx), args[0])
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().Bool("follow", false, "Keep continuing until the job finishes")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the persisted state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.migrator.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printReport(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.migrator.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printReport(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the site's recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				reports, err := rt.migrator.List(ctx, limit)
				if err != nil {
					return err
				}
				for _, r := range reports {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-6s  %-9s  %5.1f%%  %s\n",
						r.JobID, r.Direction, r.Status, r.Percent, r.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum jobs to list")
	return cmd
}

func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(ctx, rt)
}

// driveJob plays the polling caller until the job is terminal. An interrupt
// lets the current invocation finish and leaves the job resumable.
func driveJob(ctx context.Context, rt *runtime, id string, out io.Writer) error {
	tracker := progress.NewTracker()
	var display *progress.Display
	if rt.cfg.Jobs.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(tracker, 500*time.Millisecond, os.Stdout)
		display.Start()
	}

	var (
		report progress.Report
		err    error
	)
	for {
		report, err = rt.migrator.Continue(context.WithoutCancel(ctx), id)
		if err != nil {
			break
		}
		tracker.Observe(report)
		if report.Done() || ctx.Err() != nil {
			break
		}
	}
	if display != nil {
		display.Stop()
	}
	if err != nil {
		return err
	}

	if !report.Done() {
		rt.log.Info("Interrupted, job left resumable", zap.String("job_id", id))
		fmt.Fprintf(out, "Job %s paused at %.1f%%; resume with: sitemig continue --follow %s\n", id, report.Percent, id)
		return nil
	}
	if display == nil {
		if err := printReport(out, report); err != nil {
			return err
		}
	}
	if report.Status == checkpoint.StatusFailed {
		return fmt.Errorf("job %s failed: [%s] %s", id, report.ErrorKind, report.Error)
	}
	return nil
}

func printReport(out io.Writer, r progress.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

var (
	_ api.Service    = (*app.Migrator)(nil)
	_ worker.Stepper = (*app.Migrator)(nil)
)
