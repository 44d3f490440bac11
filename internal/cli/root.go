package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sitenet/internal/config"
	"github.com/roach88/sitenet/internal/coordinator"
	"github.com/roach88/sitenet/internal/exchange"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Config   string // path to a YAML config file; empty uses defaults
	Database string // overrides the configured store path

	// Transport replaces the HTTP transport (for testing).
	Transport exchange.Transport
	// IDs replaces random id selection (for testing).
	IDs coordinator.IDSource
	// Now replaces the wall clock (for testing).
	Now func() time.Time

	cfg *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ismctl CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ismctl",
		Short: "ismctl - inter-site message federation",
		Long: `Administer an inter-site message federation.

The Coordinator commands emit signed messages into the Coordinator's sent
log and optionally push them to every active site. The serve command runs a
site: it listens for pushes, applies messages in channel order and pulls
replays for gaps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := opts.settings()
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite store (overrides config)")

	cmd.AddCommand(NewCreateCoordinatorGrantCommand(opts))
	cmd.AddCommand(NewCreateSiteGrantCommand(opts))
	cmd.AddCommand(NewCreateLabCommand(opts))
	cmd.AddCommand(NewUpdateSiteCommand(opts))
	cmd.AddCommand(NewUpdateLabCommand(opts))
	cmd.AddCommand(NewDeactivateSiteCommand(opts))
	cmd.AddCommand(NewReactivateSiteCommand(opts))
	cmd.AddCommand(NewClaimBlockCommand(opts))
	cmd.AddCommand(NewTransferBlockCommand(opts))
	cmd.AddCommand(NewTransferLabCommand(opts))
	cmd.AddCommand(NewForceUpgradeCommand(opts))
	cmd.AddCommand(NewRequestStatisticsCommand(opts))
	cmd.AddCommand(NewDeactivateSampleCommand(opts))
	cmd.AddCommand(NewResetSequenceNumbersCommand(opts))
	cmd.AddCommand(NewPushMessagesCommand(opts))
	cmd.AddCommand(NewReplayAllMessagesCommand(opts))
	cmd.AddCommand(NewShowBundleCommand(opts))
	cmd.AddCommand(NewShowLogCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// settings loads the config file once. Commands run without the root
// command (as in tests) load it on first use.
func (o *RootOptions) settings() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	if o.Config == "" {
		o.cfg = config.Default()
		return o.cfg, nil
	}
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	o.cfg = cfg
	return cfg, nil
}

func newLogger(w io.Writer, lc config.LogConfig, verbose bool) *slog.Logger {
	level := lc.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
