package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/padorange/hubeau/internal/db"
	"github.com/padorange/hubeau/internal/ingest"
	"github.com/padorange/hubeau/internal/metrics"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	RefreshStations bool
	DryRun          bool
	Strict          bool
	Concurrency     int
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync [station...]",
		Short: "Fetch new measurements for the configured stations",
		Long: `Fetch the measurements published since the last run for each station and
store them. Stations come from the arguments, or HUBEAU_STATIONS / the
configuration file when no argument is given.

Example:
  hubeau-watcher sync
  hubeau-watcher sync R314001001 O972001001 --refresh-stations
  hubeau-watcher sync --dry-run --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.RefreshStations, "refresh-stations", false, "refresh station metadata before syncing")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "fetch and count new measurements without writing")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "exit with status 1 when any station failed")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "stations synchronized in parallel (default from configuration)")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions, args []string) error {
	cfg := opts.cfg
	stations, err := stationArgs(opts.RootOptions, args)
	if err != nil {
		return err
	}
	concurrency := cfg.MaxConcurrentStations
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer opts.closeStore(store)
	if opts.DryRun || cfg.DryRun {
		store = db.NewDryRun(store, opts.logger)
	}

	reg := newRegistry()
	m := metrics.NewSync(reg)

	engineOpts := ingest.Options{
		PageSize:          cfg.PageSize,
		MaxPages:          cfg.MaxPages,
		InitialWindow:     cfg.InitialWindow(),
		MaxConcurrent:     concurrency,
		AbortOnAuthError:  cfg.AbortOnAuthError,
		FailWhenAllFailed: cfg.FailWhenAllFailed,
		Logger:            opts.logger,
		Metrics:           m,
	}
	if opts.RefreshStations {
		engineOpts.Stations = opts.newCatalog()
	}
	engine := ingest.New(opts.newClient(m), store, engineOpts)

	summary, runErr := engine.Run(ctx, stations)

	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(reg, cfg.MetricsFile); err != nil {
			opts.logger.Warn("failed to write metrics textfile", "path", cfg.MetricsFile, "error", err)
		}
	}

	var exitErr *ExitError
	switch {
	case errors.Is(runErr, context.Canceled):
		exitErr = WrapExitError(ExitFailure, "sync interrupted", runErr)
	case runErr != nil:
		exitErr = WrapExitError(ExitFailure, "sync failed", runErr)
	case opts.Strict && len(summary.Failed()) > 0:
		exitErr = NewExitError(ExitFailure, fmt.Sprintf("%d station(s) failed", len(summary.Failed())))
	}

	out := opts.output(cmd)
	if exitErr != nil && out.Format == "json" {
		out.Fail(exitErr, summary)
		return exitErr
	}
	if err := out.Print(summary, func(w io.Writer) error { return renderSummary(w, summary) }); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}
	if exitErr != nil {
		return exitErr
	}
	return nil
}

// renderSummary writes the per-station table of a run.
func renderSummary(w io.Writer, s ingest.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATION\tSTATUS\tPAGES\tINSERTED\tWATERMARK\tERROR")
	for _, r := range s.Results {
		status := string(r.Status)
		if r.Kind != "" {
			status += " (" + string(r.Kind) + ")"
		}
		if r.Capped {
			status += " capped"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", r.Station, status, r.Pages, r.Inserted, formatTime(r.Watermark), firstLine(r.Error))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d ok, %d failed, %d skipped, %d rows inserted in %s\n",
		s.Count(ingest.StatusOK), s.Count(ingest.StatusFailed), s.Count(ingest.StatusSkipped),
		s.Inserted(), s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	return err
}

func firstLine(s string) string {
	if s == "" {
		return "-"
	}
	line, _, _ := strings.Cut(s, "\n")
	return line
}
