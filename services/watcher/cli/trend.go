package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/padorange/hubeau/internal/query"
)

// TrendOptions holds flags for the trend command.
type TrendOptions struct {
	*RootOptions
	Hours []int
}

// NewTrendCommand creates the trend command.
func NewTrendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trend <station>",
		Short: "Summarize how a station's height evolved recently",
		Long: `Summarize the water height over windows ending at the latest stored
measurement: first and last value, change, speed in cm/h, mean, min and max.

Example:
  hubeau-watcher trend R314001001
  hubeau-watcher trend R314001001 --hours 1,6,48`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrend(cmd, opts, args)
		},
	}

	cmd.Flags().IntSliceVar(&opts.Hours, "hours", []int{4, 24, 168}, "window lengths in hours")

	return cmd
}

func runTrend(cmd *cobra.Command, opts *TrendOptions, args []string) error {
	stations, err := stationArgs(opts.RootOptions, args)
	if err != nil {
		return err
	}
	code := stations[0]
	windows := make([]time.Duration, 0, len(opts.Hours))
	for _, h := range opts.Hours {
		if h <= 0 {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid window %dh: must be positive", h))
		}
		windows = append(windows, time.Duration(h)*time.Hour)
	}
	ctx := cmd.Context()

	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer opts.closeStore(store)

	trends, err := opts.newFacade(store).Trends(ctx, code, windows...)
	if errors.Is(err, query.ErrNoData) {
		return NewExitError(ExitFailure, fmt.Sprintf("no stored measurement for station %s", code))
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to compute trends", err)
	}

	return opts.output(cmd).Print(trends, func(w io.Writer) error {
		return renderTrends(w, trends)
	})
}

func renderTrends(w io.Writer, trends []query.Trend) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WINDOW\tCOUNT\tFIRST (m)\tLAST (m)\tDELTA (m)\tSPEED (cm/h)\tMEAN (m)\tMIN (m)\tMAX (m)")
	for _, t := range trends {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatWindow(t.Window), t.Count,
			formatValue(t.First), formatValue(t.Last), formatValue(t.Delta), formatValue(t.Speed),
			formatValue(t.Mean), formatValue(t.Min), formatValue(t.Max))
	}
	return tw.Flush()
}

func formatWindow(d time.Duration) string {
	return fmt.Sprintf("%dh", int(d.Hours()))
}
