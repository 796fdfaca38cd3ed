package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/padorange/hubeau/internal/catalog"
	"github.com/padorange/hubeau/internal/config"
	"github.com/padorange/hubeau/internal/db"
	"github.com/padorange/hubeau/internal/models"
	"github.com/padorange/hubeau/internal/utils"
)

// StationOptions holds flags for the station command.
type StationOptions struct {
	*RootOptions
	Remote bool
}

// StationReport is the stored view of one station.
type StationReport struct {
	Station   *models.Station     `json:"station,omitempty"`
	Count     int                 `json:"count"`
	Latest    *models.Measurement `json:"latest,omitempty"`
	Watermark string              `json:"watermark,omitempty"`
}

// NewStationCommand creates the station command.
func NewStationCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StationOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "station [code]",
		Short: "Show station metadata and stored data",
		Long: `Show what is stored for a station: its metadata, the number of
measurements, the latest one and the sync watermark. Without a code every
known station is listed.

With --remote the metadata is fetched from the Hub'Eau referential and saved.

Example:
  hubeau-watcher station
  hubeau-watcher station R314001001
  hubeau-watcher station R314001001 --remote`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runStationList(cmd, opts)
			}
			return runStation(cmd, opts, strings.ToUpper(strings.TrimSpace(args[0])))
		},
	}

	cmd.Flags().BoolVar(&opts.Remote, "remote", false, "fetch and save metadata from the referential")

	return cmd
}

func runStation(cmd *cobra.Command, opts *StationOptions, code string) error {
	if !config.ValidStationCode(code) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid station code %q", code))
	}
	ctx := cmd.Context()

	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer opts.closeStore(store)

	report := StationReport{}
	if opts.Remote {
		st, err := opts.newCatalog().Lookup(ctx, code)
		if errors.Is(err, catalog.ErrStationNotFound) {
			return NewExitError(ExitFailure, fmt.Sprintf("station %s not found in the referential", code))
		}
		if err != nil {
			return WrapExitError(ExitFailure, "station lookup failed", err)
		}
		if err := store.UpsertStation(ctx, st); err != nil {
			return WrapExitError(ExitFailure, "failed to save station", err)
		}
		report.Station = &st
	} else {
		st, err := store.GetStation(ctx, code)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return WrapExitError(ExitFailure, "failed to read station", err)
		default:
			report.Station = &st
		}
	}

	if report.Count, err = store.Count(ctx, code); err != nil {
		return WrapExitError(ExitFailure, "failed to count measurements", err)
	}
	latest, ok, err := store.Latest(ctx, code)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read latest measurement", err)
	}
	if ok {
		report.Latest = &latest
	}
	wm, ok, err := store.Watermark(ctx, code)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read watermark", err)
	}
	if ok {
		report.Watermark = utils.FormatTimestamp(wm)
	}

	if report.Station == nil && report.Count == 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("nothing stored for station %s", code))
	}

	return opts.output(cmd).Print(report, func(w io.Writer) error {
		return renderStation(w, code, report)
	})
}

func renderStation(w io.Writer, code string, r StationReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Code:\t%s\n", code)
	if st := r.Station; st != nil {
		fmt.Fprintf(tw, "Name:\t%s\n", st.Name)
		fmt.Fprintf(tw, "Watercourse:\t%s\n", orDash(st.WatercourseName))
		fmt.Fprintf(tw, "Commune:\t%s\n", orDash(st.CommuneCode))
		fmt.Fprintf(tw, "Department:\t%s\n", orDash(st.DepartmentCode))
		fmt.Fprintf(tw, "Location:\t%.6f, %.6f\n", st.Latitude, st.Longitude)
		fmt.Fprintf(tw, "In service:\t%t\n", st.InService)
		fmt.Fprintf(tw, "Refreshed:\t%s\n", formatTime(st.RefreshedAt))
	}
	fmt.Fprintf(tw, "Measurements:\t%d\n", r.Count)
	if r.Latest != nil {
		fmt.Fprintf(tw, "Latest:\t%s at %s\n", utils.FormatHeight(r.Latest.HeightM), formatTime(r.Latest.Timestamp))
	}
	fmt.Fprintf(tw, "Watermark:\t%s\n", orDash(r.Watermark))
	return tw.Flush()
}

func runStationList(cmd *cobra.Command, opts *StationOptions) error {
	if opts.Remote {
		return NewExitError(ExitCommandError, "--remote needs a station code")
	}
	ctx := cmd.Context()

	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer opts.closeStore(store)

	stations, err := store.ListStations(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list stations", err)
	}
	return opts.output(cmd).Print(stations, func(w io.Writer) error {
		return renderStations(w, stations)
	})
}

func renderStations(w io.Writer, stations []models.Station) error {
	if len(stations) == 0 {
		_, err := fmt.Fprintln(w, "No station.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tWATERCOURSE\tDEPT\tIN SERVICE")
	for _, st := range stations {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", st.Code, st.Name, orDash(st.WatercourseName), orDash(st.DepartmentCode), st.InService)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
