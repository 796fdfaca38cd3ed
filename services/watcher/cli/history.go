package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/padorange/hubeau/internal/query"
	"github.com/padorange/hubeau/internal/utils"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Days  int
	Start string
	End   string
	Unit  string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <station>",
		Short: "Print stored heights of a station over a time range",
		Long: `Print the stored water heights of a station, oldest first. Without bounds
the retention window ending now is used. --days and --start/--end are
mutually exclusive. Timestamps are RFC 3339.

Example:
  hubeau-watcher history R314001001 --days 2 --unit cm
  hubeau-watcher history R314001001 --start 2024-03-01T00:00:00Z --end 2024-03-02T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts, args)
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", 0, "last N days")
	cmd.Flags().StringVar(&opts.Start, "start", "", "range start (inclusive)")
	cmd.Flags().StringVar(&opts.End, "end", "", "range end (inclusive)")
	cmd.Flags().StringVar(&opts.Unit, "unit", "m", "height unit (m|cm|mm)")
	cmd.MarkFlagsMutuallyExclusive("days", "start")
	cmd.MarkFlagsMutuallyExclusive("days", "end")

	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions, args []string) error {
	stations, err := stationArgs(opts.RootOptions, args)
	if err != nil {
		return err
	}
	code := stations[0]
	unit, err := query.ParseUnit(opts.Unit)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --unit", err)
	}
	if opts.Days < 0 {
		return NewExitError(ExitCommandError, "--days must not be negative")
	}
	start, err := parseBound("--start", opts.Start)
	if err != nil {
		return err
	}
	end, err := parseBound("--end", opts.End)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer opts.closeStore(store)
	facade := opts.newFacade(store)

	var series query.Series
	if cmd.Flags().Changed("days") {
		series, err = facade.LastDays(ctx, code, opts.Days, unit)
	} else {
		series, err = facade.Range(ctx, code, start, end, unit)
	}
	if errors.Is(err, query.ErrInvertedRange) {
		return WrapExitError(ExitCommandError, "invalid range", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read history", err)
	}

	return opts.output(cmd).Print(series, func(w io.Writer) error {
		return renderSeries(w, series)
	})
}

func parseBound(flag, v string) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return time.Time{}, nil
	}
	t, err := utils.ParseTimestamp(v)
	if err != nil {
		return time.Time{}, WrapExitError(ExitCommandError, "invalid "+flag, err)
	}
	return t, nil
}

func renderSeries(w io.Writer, s query.Series) error {
	fmt.Fprintf(w, "%s from %s to %s: %d measurement(s)\n", s.Station, formatTime(s.Start), formatTime(s.End), len(s.Points))
	if len(s.Points) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TIME\tHEIGHT (%s)\n", s.Unit)
	for _, p := range s.Points {
		fmt.Fprintf(tw, "%s\t%s\n", formatTime(p.Timestamp), formatValue(p.Value))
	}
	return tw.Flush()
}
