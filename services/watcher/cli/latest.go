package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/padorange/hubeau/internal/config"
	"github.com/padorange/hubeau/internal/query"
)

// LatestOptions holds flags for the latest command.
type LatestOptions struct {
	*RootOptions
	Unit string
}

// LatestEntry is the latest stored height of one station.
type LatestEntry struct {
	Station string       `json:"station"`
	Unit    query.Unit   `json:"unit"`
	Point   *query.Point `json:"point,omitempty"`
}

// NewLatestCommand creates the latest command.
func NewLatestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LatestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "latest [station...]",
		Short: "Print the latest stored height of stations",
		Long: `Print the most recent stored water height of each station. Without
arguments the configured stations are used.

Example:
  hubeau-watcher latest
  hubeau-watcher latest R314001001 --unit cm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLatest(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Unit, "unit", "m", "height unit (m|cm|mm)")

	return cmd
}

func runLatest(cmd *cobra.Command, opts *LatestOptions, args []string) error {
	unit, err := query.ParseUnit(opts.Unit)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --unit", err)
	}
	stations, err := stationArgs(opts.RootOptions, args)
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

	entries := make([]LatestEntry, 0, len(stations))
	for _, code := range stations {
		e := LatestEntry{Station: code, Unit: unit}
		p, err := facade.Latest(ctx, code, unit)
		switch {
		case errors.Is(err, query.ErrNoData):
		case err != nil:
			return WrapExitError(ExitFailure, "failed to read latest height", err)
		default:
			e.Point = &p
		}
		entries = append(entries, e)
	}

	return opts.output(cmd).Print(entries, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "STATION\tTIME\tHEIGHT (%s)\n", unit)
		for _, e := range entries {
			if e.Point == nil {
				fmt.Fprintf(tw, "%s\t-\t-\n", e.Station)
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Station, formatTime(e.Point.Timestamp), formatValue(e.Point.Value))
		}
		return tw.Flush()
	})
}

// stationArgs validates the station codes given on the command line, falling
// back to the configured stations.
func stationArgs(opts *RootOptions, args []string) ([]string, error) {
	stations := opts.cfg.Stations
	if len(args) > 0 {
		stations = config.SplitStations(strings.Join(args, ","))
	}
	if len(stations) == 0 {
		return nil, NewExitError(ExitCommandError, "no station given: pass station codes or set HUBEAU_STATIONS")
	}
	for _, code := range stations {
		if !config.ValidStationCode(code) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid station code %q", code))
		}
	}
	return stations, nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
