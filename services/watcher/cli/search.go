package cli

import (
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/padorange/hubeau/internal/catalog"
)

// SearchOptions holds flags for the search command.
type SearchOptions struct {
	*RootOptions
	Filter catalog.Filter
	Save   bool
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SearchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the Hub'Eau station referential",
		Long: `Search stations by name, commune, department or watercourse. Filters are
combined; name matching ignores case and accents.

Example:
  hubeau-watcher search --name garonne
  hubeau-watcher search --department 16 --in-service
  hubeau-watcher search --watercourse "La Charente" --save`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Filter.Name, "name", "", "station name contains")
	cmd.Flags().StringVar(&opts.Filter.CommuneCode, "commune", "", "INSEE commune code")
	cmd.Flags().StringVar(&opts.Filter.DepartmentCode, "department", "", "department code")
	cmd.Flags().StringVar(&opts.Filter.WatercourseName, "watercourse", "", "watercourse name contains")
	cmd.Flags().BoolVar(&opts.Filter.InServiceOnly, "in-service", false, "only stations in service")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "store the matching stations")

	return cmd
}

func runSearch(cmd *cobra.Command, opts *SearchOptions) error {
	ctx := cmd.Context()

	it, err := opts.newCatalog().Search(opts.Filter)
	if errors.Is(err, catalog.ErrNoFilter) {
		return NewExitError(ExitCommandError, "search needs at least one of --name, --commune, --department or --watercourse")
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid search", err)
	}
	stations, err := it.Collect(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "station search failed", err)
	}

	if opts.Save && len(stations) > 0 {
		store, err := opts.openStore(ctx)
		if err != nil {
			return err
		}
		defer opts.closeStore(store)
		for _, st := range stations {
			if err := store.UpsertStation(ctx, st); err != nil {
				return WrapExitError(ExitFailure, "failed to save station", err)
			}
		}
		opts.logger.Info("stations saved", "count", len(stations))
	}

	return opts.output(cmd).Print(stations, func(w io.Writer) error {
		return renderStations(w, stations)
	})
}
