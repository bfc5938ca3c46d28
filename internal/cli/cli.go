// ============================================================================
// Stream Recorder CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and operating the recorder
//
// Command Structure:
//   recorder                       # Root command
//   ├── run                        # Start the scheduler, HTTP and gRPC servers
//   ├── schedule                   # Schedule a recording (remote, gRPC)
//   │   └── --source --name --duration --start
//   ├── list                       # List all recordings (remote)
//   ├── get <id>                   # Show one recording (remote)
//   ├── cancel <id>                # Cancel a pending recording (remote)
//   ├── status                     # Configuration summary + live counts
//   ├── --config, -c               # Config file (optional, env overrides apply)
//   └── --version
//
// Remote commands talk to a running `recorder run` through --server
// (default localhost:50051).
//
// run Command:
//   1. Load config (defaults -> YAML -> RECORDER_* env)
//   2. Build logger, metrics, catalog, notifier pool, scheduler
//   3. Recover persisted jobs, serve HTTP and gRPC
//   4. Wait for SIGINT/SIGTERM
//   5. Graceful shutdown: servers -> scheduler -> notifier -> catalog
//
//   Examples:
//     ./recorder run
//     RECORDER_SERVER_HTTP_ADDR=:9000 ./recorder run -c configs/recorder.yaml
//     ./recorder schedule --source http://host/live --name lecture-01 \
//         --duration 3600 --start 2026-03-01T09:00:00Z
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/stream-recorder/internal/config"
	"github.com/ChuLiYu/stream-recorder/internal/logger"
	"github.com/ChuLiYu/stream-recorder/internal/server"
	"github.com/ChuLiYu/stream-recorder/internal/snapshot"
	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// Version 由建置時注入
var Version = "dev"

const (
	defaultServer = "localhost:50051"
	rpcTimeout    = 10 * time.Second
)

type options struct {
	configFile string
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "recorder",
		Short: "Stream recorder: scheduled live-stream capture and transcode",
		Long: `recorder schedules live-stream captures:
- launches a capture at each recording's start time
- transcodes the capture once it finishes
- registers the result in the recordings catalog
- survives restarts through a persisted job table`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path (optional)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildScheduleCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildGetCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

func serverFlag(cmd *cobra.Command, def string) *string {
	return cmd.Flags().String("server", def, "gRPC address of a running recorder")
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the recorder service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, opts.configFile)
		},
	}
}

func runService(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	log, err := logger.New(logger.Config{JSON: cfg.Log.JSON, Level: cfg.Log.Level})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(cfg, log)
	if err != nil {
		return errors.Wrap(err, "build service")
	}

	if err := a.start(); err != nil {
		a.shutdown()
		return err
	}
	log.Infow("Recorder started",
		"snapshot", cfg.Storage.SnapshotPath,
		"catalog", cfg.Storage.CatalogPath,
		"metrics", cfg.Metrics.Enabled,
	)

	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")
	a.shutdown()
	log.Info("Recorder stopped")
	return nil
}

// ============================================================================
// remote commands
// ============================================================================

func withClient(addr string, fn func(ctx context.Context, c *server.Client) error) error {
	c, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	return fn(ctx, c)
}

func buildScheduleCommand() *cobra.Command {
	var (
		source   string
		name     string
		duration int
		start    string
	)

	var addr *string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a recording",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			startTime, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return errors.Wrap(err, "--start must be RFC 3339")
			}
			return withClient(*addr, func(ctx context.Context, c *server.Client) error {
				job, err := c.Submit(ctx, source, name, duration, startTime)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s (%s) at %s\n", job.ID, job.Name, job.StartTime.Format(time.RFC3339))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "stream URL")
	cmd.Flags().StringVar(&name, "name", "", "recording name")
	cmd.Flags().IntVar(&duration, "duration", 0, "capture length in seconds")
	cmd.Flags().StringVar(&start, "start", "", "start time, RFC 3339")
	for _, f := range []string{"source", "name", "duration", "start"} {
		_ = cmd.MarkFlagRequired(f)
	}
	addr = serverFlag(cmd, defaultServer)
	return cmd
}

func buildListCommand() *cobra.Command {
	var addr *string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*addr, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.List(ctx)
				if err != nil {
					return err
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	addr = serverFlag(cmd, defaultServer)
	return cmd
}

func buildGetCommand() *cobra.Command {
	var addr *string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*addr, func(ctx context.Context, c *server.Client) error {
				job, err := c.Get(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
	addr = serverFlag(cmd, defaultServer)
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var addr *string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*addr, func(ctx context.Context, c *server.Client) error {
				ok, err := c.Cancel(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return errors.Newf("recording %s not found or cannot be cancelled", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
				return nil
			})
		},
	}
	addr = serverFlag(cmd, defaultServer)
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	var addr *string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and live job status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			out := cmd.OutOrStdout()
			printConfig(out, cfg)

			if *addr == "" {
				fmt.Fprintln(out, "Jobs:")
				fmt.Fprintln(out, "  └─ pass --server to query a running recorder")
				return nil
			}
			return withClient(*addr, func(ctx context.Context, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				printCounts(out, st)
				return nil
			})
		},
	}
	addr = serverFlag(cmd, "")
	return cmd
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  ├─ Snapshot:       %s%s\n", cfg.Storage.SnapshotPath, snapshotState(cfg.Storage.SnapshotPath))
	fmt.Fprintf(w, "  ├─ Catalog:        %s\n", cfg.Storage.CatalogPath)
	fmt.Fprintf(w, "  ├─ Captures:       %s\n", cfg.Capture.OutputDir)
	fmt.Fprintf(w, "  ├─ Recordings:     %s\n", cfg.Transcode.RecordingsDir)
	fmt.Fprintf(w, "  ├─ Transcode:      %s %s\n", cfg.Transcode.Interpreter, cfg.Transcode.Script)
	fmt.Fprintf(w, "  ├─ Safety margin:  %s\n", cfg.Scheduler.SafetyMargin)
	fmt.Fprintf(w, "  ├─ HTTP:           %s\n", orDisabled(cfg.Server.HTTPAddr))
	fmt.Fprintf(w, "  ├─ gRPC:           %s\n", orDisabled(cfg.Server.GRPCAddr))
	if cfg.Metrics.Enabled {
		fmt.Fprintln(w, "  └─ Metrics:        enabled at /metrics")
	} else {
		fmt.Fprintln(w, "  └─ Metrics:        disabled")
	}
	fmt.Fprintln(w)
}

func printCounts(w io.Writer, st *server.StatusResponse) {
	fmt.Fprintln(w, "Jobs:")
	fmt.Fprintf(w, "  ├─ Total:          %d\n", st.Total)
	for i, s := range types.AllStatuses {
		branch := "├─"
		if i == len(types.AllStatuses)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-15s %d\n", branch, string(s)+":", st.Counts[s])
	}
}

func printJobs(w io.Writer, jobs []types.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTART\tDURATION")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Name, j.Status, j.StartTime.Format(time.RFC3339), j.Duration())
	}
	_ = tw.Flush()
}

func printJob(w io.Writer, j types.Job) {
	fmt.Fprintf(w, "ID:        %s\n", j.ID)
	fmt.Fprintf(w, "Name:      %s\n", j.Name)
	fmt.Fprintf(w, "Source:    %s\n", j.Source)
	fmt.Fprintf(w, "Status:    %s\n", j.Status)
	fmt.Fprintf(w, "Start:     %s\n", j.StartTime.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration:  %s\n", j.Duration())
	if j.OutputPath != "" {
		fmt.Fprintf(w, "Output:    %s\n", j.OutputPath)
	}
	if j.ErrorDetail != "" {
		fmt.Fprintf(w, "Error:     %s\n", j.ErrorDetail)
	}
}

func snapshotState(path string) string {
	if snapshot.NewManager(path).Exists() {
		return ""
	}
	return " (not yet written)"
}

func orDisabled(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return addr
}

// Execute 執行根命令並回傳結束碼
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
