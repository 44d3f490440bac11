package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sitenet/internal/bundle"
	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/store"
)

// LogEntry is one message as show-bundle and show-log report it.
type LogEntry struct {
	Kind   ism.Kind   `json:"kind"`
	Source int32      `json:"source"`
	Seq    ism.SeqNum `json:"seq"`
	Prev   ism.SeqNum `json:"prev"`
	Dest   int32      `json:"dest"`
	Date   time.Time  `json:"date"`
	State  string     `json:"state,omitempty"`
}

func entryOf(m *ism.Message) LogEntry {
	return LogEntry{
		Kind:   m.Kind(),
		Source: int32(m.SourceSiteID),
		Seq:    m.SourceSeqNum,
		Prev:   m.SourcePrevSeqNum,
		Dest:   int32(m.DestSiteID),
		Date:   m.SourceDate,
	}
}

// NewShowBundleCommand creates the show-bundle command.
func NewShowBundleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-bundle <file>",
		Short: "Print the messages in a grant bundle",
		Long: `Print every message in a grant bundle followed by the grant.

Example:
  ismctl show-bundle xtal.grant
  ismctl show-bundle xtal.grant --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowBundle(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runShowBundle(cmd *cobra.Command, opts *RootOptions, path string) error {
	b, err := bundle.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read bundle", err)
	}
	if opts.Format != "json" {
		if err := b.Summary(cmd.OutOrStdout()); err != nil {
			return WrapExitError(ExitFailure, "failed to decode bundle", err)
		}
		return nil
	}

	msgs, err := b.Decode()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to decode bundle", err)
	}
	grant, err := b.GrantMessage()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to decode grant", err)
	}
	entries := make([]LogEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, entryOf(m))
	}
	return opts.formatter(cmd).Success(map[string]any{
		"site":     int32(grant.DestSiteID),
		"messages": entries,
		"grant":    entryOf(grant),
	})
}

// ShowLogOptions holds flags for the show-log command.
type ShowLogOptions struct {
	*RootOptions
	Origin    int32
	VisibleTo int32
	After     int64
	Direction string
	Limit     int
}

// NewShowLogCommand creates the show-log command.
func NewShowLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowLogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show-log",
		Short: "Print stored messages from one origin",
		Long: `Print the messages a store holds from one origin site, in sequence
order. Works on Coordinator and site stores alike.

Example:
  ismctl show-log --db coordinator.db
  ismctl show-log --db xtal.db --origin 0 --direction received --after 40`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowLog(cmd, opts)
		},
	}

	cmd.Flags().Int32Var(&opts.Origin, "origin", int32(ism.Coordinator), "site whose messages to show")
	cmd.Flags().Int32Var(&opts.VisibleTo, "visible-to", int32(ism.InvalidSite), "only messages this site may see")
	cmd.Flags().Int64Var(&opts.After, "after", int64(ism.InvalidSeq), "skip messages at or below this sequence number")
	cmd.Flags().StringVar(&opts.Direction, "direction", "", "sent or received; empty shows both")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of messages (0 means no limit)")

	return cmd
}

func runShowLog(cmd *cobra.Command, opts *ShowLogOptions) error {
	dir := store.Direction(opts.Direction)
	if dir != "" && dir != store.Sent && dir != store.Received {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid direction %q: must be sent or received", opts.Direction))
	}
	cfg, err := opts.settings()
	if err != nil {
		return err
	}
	s, err := openStore(opts.storePath(cfg.Coordinator.Store))
	if err != nil {
		return err
	}
	defer s.Close()

	q := store.NewQuery(ism.SiteID(opts.Origin))
	q.VisibleTo = ism.SiteID(opts.VisibleTo)
	q.After = ism.SeqNum(opts.After)
	q.Direction = dir
	q.Limit = opts.Limit
	recs, matching, err := s.Messages(ctxOf(cmd), q)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to query store", err)
	}

	out := cmd.OutOrStdout()
	entries := make([]LogEntry, 0, len(recs))
	for _, r := range recs {
		m, err := r.Message()
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to decode message %d", r.Seq), err)
		}
		if opts.Format == "json" {
			e := entryOf(m)
			e.State = string(r.State)
			entries = append(entries, e)
			continue
		}
		if err := ism.Display(out, m); err != nil {
			return err
		}
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(map[string]any{"matching": matching, "messages": entries})
	}
	opts.formatter(cmd).VerboseLog("%d of %d matching messages shown", len(recs), matching)
	return nil
}
