package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sitenet/internal/coordinator"
	"github.com/roach88/sitenet/internal/ism"
)

// NewForceUpgradeCommand creates the force-upgrade command.
func NewForceUpgradeCommand(rootOpts *RootOptions) *cobra.Command {
	var version string
	cmd := newAdminCommand(rootOpts, "force-upgrade", "Stall sites running an older version",
		`Broadcast a ForceUpgrade. Every site running a version that sorts
below the given one stops applying Coordinator messages until it is
upgraded.

Example:
  ismctl force-upgrade --version 2.1.0 --push`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			if err := c.ForceUpgrade(ctx, version); err != nil {
				return Report{}, err
			}
			return Report{Summary: "upgrade forced", Details: map[string]any{"version": version}}, nil
		})
	cmd.Flags().StringVar(&version, "version", "", "minimum version (required)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

// NewRequestStatisticsCommand creates the request-statistics command.
func NewRequestStatisticsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dest, collection *int32
		validFor         time.Duration
		reset, blank     bool
	)
	cmd := newAdminCommand(rootOpts, "request-statistics", "Ask a site for its counters",
		`Send a site a private SiteStatisticsRequest. The site answers to the
collection site until the request expires.

Example:
  ismctl request-statistics --site 29168 --valid-for 48h --reset --push`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			if err := c.RequestStatistics(ctx, ism.SiteID(*dest), ism.SiteID(*collection), validFor, reset, blank); err != nil {
				return Report{}, err
			}
			return Report{Summary: "statistics requested", Details: map[string]any{
				"site":       *dest,
				"collection": *collection,
				"valid_for":  validFor.String(),
			}}, nil
		})
	dest = siteFlag(cmd, "site", "site to ask (required)", true)
	collection = new(int32)
	cmd.Flags().Int32Var(collection, "collection", int32(ism.Coordinator), "site that collects the answer")
	cmd.Flags().DurationVar(&validFor, "valid-for", 24*time.Hour, "how long the request stays valid")
	cmd.Flags().BoolVar(&reset, "reset", false, "ask the site to reset its counters after answering")
	cmd.Flags().BoolVar(&blank, "force-blank", false, "start a new chain segment on the site's channel")
	return cmd
}

// NewResetSequenceNumbersCommand creates the reset-sequence-numbers command.
func NewResetSequenceNumbersCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dest, other     *int32
		public, private int64
		forceBlank      bool
	)
	cmd := newAdminCommand(rootOpts, "reset-sequence-numbers", "Overwrite a site's watermarks for another site",
		`Tell --dest to overwrite its applied watermarks for the channels of
--other. A value of -2 leaves that watermark alone; -1 forgets it. With
--force-blank the reset names no predecessor, so a site missing earlier
private messages can still apply it.

Example:
  ismctl reset-sequence-numbers --dest 29168 --other 400 --public 87 --private 12 --push`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			err := c.ResetSeqNums(ctx, ism.SiteID(*dest), ism.SiteID(*other), ism.SeqNum(public), ism.SeqNum(private), forceBlank)
			if err != nil {
				return Report{}, err
			}
			return Report{Summary: "sequence numbers reset", Details: map[string]any{
				"dest":        *dest,
				"other":       *other,
				"public":      public,
				"private":     private,
				"force_blank": forceBlank,
			}}, nil
		})
	dest = siteFlag(cmd, "dest", "site whose watermarks change (required)", true)
	other = siteFlag(cmd, "other", "site whose channels are reset (required)", true)
	cmd.Flags().Int64Var(&public, "public", int64(ism.DontReset), "new public watermark")
	cmd.Flags().Int64Var(&private, "private", int64(ism.DontReset), "new private watermark")
	cmd.Flags().BoolVar(&forceBlank, "force-blank", false, "start a new chain segment on the site's channel")
	return cmd
}

// PushOptions holds flags for the push-messages and replay-all-messages commands.
type PushOptions struct {
	*RootOptions
	Site int32
	URL  string
	All  bool
}

// NewPushMessagesCommand creates the push-messages command.
func NewPushMessagesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push-messages",
		Short: "Send a site the messages emitted since the log was opened",
		Long: `Push every message emitted since the log was opened that the site may
see. Without --url the site's announced base url is used. With --all every
active site with a base url is pushed to.

Since each invocation opens the log afresh, push-messages with no new
messages sends nothing; use --push on the emitting command instead, or
replay-all-messages.

Example:
  ismctl push-messages --site 29168 --url http://xtal.example.org:8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.All && !cmd.Flags().Changed("site") {
				return NewExitError(ExitCommandError, "either --site or --all is required")
			}
			return opts.withCoordinator(cmd, false, func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
				if opts.All {
					n, err := c.PushAll(ctx)
					return Report{Summary: "pushed to every active site", Details: map[string]any{"sent": n}}, err
				}
				n, err := c.PushNewMessages(ctx, ism.SiteID(opts.Site), opts.URL)
				return Report{Summary: "new messages pushed", Details: map[string]any{"site": opts.Site, "sent": n}}, err
			})
		},
	}

	cmd.Flags().Int32Var(&opts.Site, "site", 0, "destination site id")
	cmd.Flags().StringVar(&opts.URL, "url", "", "override the site's base url")
	cmd.Flags().BoolVar(&opts.All, "all", false, "push to every active site")
	cmd.MarkFlagsMutuallyExclusive("site", "all")

	return cmd
}

// NewReplayAllMessagesCommand creates the replay-all-messages command.
func NewReplayAllMessagesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay-all-messages",
		Short: "Send a site the whole sent log it may see",
		Long: `Send the whole Coordinator sent log visible to a site. The site drops
what it has already applied.

Example:
  ismctl replay-all-messages --site 29168`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCoordinator(cmd, false, func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
				n, err := c.ReplayAllMessages(ctx, ism.SiteID(opts.Site), opts.URL)
				return Report{Summary: "sent log replayed", Details: map[string]any{"site": opts.Site, "sent": n}}, err
			})
		},
	}

	cmd.Flags().Int32Var(&opts.Site, "site", 0, "destination site id (required)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "override the site's base url")
	_ = cmd.MarkFlagRequired("site")

	return cmd
}
