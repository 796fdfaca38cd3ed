// Package cli implements the hubeau-watcher command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/padorange/hubeau/internal/catalog"
	"github.com/padorange/hubeau/internal/config"
	"github.com/padorange/hubeau/internal/db"
	"github.com/padorange/hubeau/internal/hubeau"
	"github.com/padorange/hubeau/internal/metrics"
	"github.com/padorange/hubeau/internal/query"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// LogWriter receives log lines. Defaults to stderr.
	LogWriter io.Writer

	cfg    config.Config
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the watcher.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the watcher with the process arguments and returns the exit code.
func Execute() int {
	return execute(&RootOptions{}, os.Args[1:], os.Stdout, os.Stderr)
}

// execute runs the root command. In JSON mode an error that no command
// rendered is written to stdout as an error payload.
func execute(opts *RootOptions, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	if !reported(err) {
		out := &OutputFormatter{Format: opts.Format, Writer: stdout}
		out.Fail(err, nil)
	}
	fmt.Fprintln(stderr, "hubeau-watcher:", err)
	return GetExitCode(err)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hubeau-watcher",
		Short: "Keep a local history of Hub'Eau river water heights",
		Long: `hubeau-watcher incrementally downloads water-height observations from the
Hub'Eau hydrometry API and stores them per station, so that repeated runs
only fetch what is new.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			opts.setupLogging()

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file (default $HUBEAU_CONFIG or ./hubeau.yaml)")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStationCommand(opts))
	cmd.AddCommand(NewSearchCommand(opts))
	cmd.AddCommand(NewLatestCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewTrendCommand(opts))

	return cmd
}

func (o *RootOptions) setupLogging() {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	w := o.LogWriter
	if w == nil {
		w = os.Stderr
	}
	o.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(o.logger)
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

func (o *RootOptions) openStore(ctx context.Context) (db.Store, error) {
	store, err := db.Open(ctx, o.cfg.DatabaseDriver, o.cfg.DatabaseURL)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	o.logger.Debug("database ready", "driver", o.cfg.DatabaseDriver)
	return store, nil
}

func (o *RootOptions) closeStore(store db.Store) {
	if err := store.Close(); err != nil {
		o.logger.Error("error closing database", "error", err)
	}
}

func (o *RootOptions) newClient(m *metrics.Sync) *hubeau.Client {
	opts := hubeau.Options{
		BaseURL:         o.cfg.BaseURL,
		UserAgent:       o.cfg.UserAgent,
		Timeout:         o.cfg.RequestTimeout,
		Attempts:        o.cfg.RetryAttempts,
		InitialInterval: o.cfg.RetryInitialInterval,
		MaxInterval:     o.cfg.RetryMaxInterval,
		Logger:          o.logger,
	}
	if m != nil {
		opts.OnRetry = m.Retry
	}
	return hubeau.NewClient(opts)
}

func (o *RootOptions) newCatalog() *catalog.Catalog {
	return catalog.New(o.newClient(nil), 0, o.logger)
}

func (o *RootOptions) newFacade(store db.Store) *query.Facade {
	return query.New(store, o.cfg.RetentionWindow())
}

func newRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
