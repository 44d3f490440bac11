package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sitenet/internal/coordinator"
	"github.com/roach88/sitenet/internal/ism"
)

// newAdminCommand builds a Coordinator command that runs one operation and
// accepts --push.
func newAdminCommand(rootOpts *RootOptions, use, short, long string, run func(ctx context.Context, c *coordinator.Coordinator) (Report, error)) *cobra.Command {
	var push bool
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withCoordinator(cmd, push, run)
		},
	}
	cmd.Flags().BoolVar(&push, "push", false, "push new messages to every active site")
	return cmd
}

func siteFlag(cmd *cobra.Command, name, usage string, required bool) *int32 {
	v := new(int32)
	cmd.Flags().Int32Var(v, name, int32(ism.InvalidSite), usage)
	if required {
		_ = cmd.MarkFlagRequired(name)
	}
	return v
}

// NewCreateLabCommand creates the create-lab command.
func NewCreateLabCommand(rootOpts *RootOptions) *cobra.Command {
	var lab labFlags
	var home *int32
	cmd := newAdminCommand(rootOpts, "create-lab", "Announce a new lab",
		`Pick an unused lab id and announce the lab with a public LabActivation.

Example:
  ismctl create-lab --home 29168 --name "Xtal Lab" --push`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			id, err := c.CreateLab(ctx, lab.newLab(ism.SiteID(*home)))
			if err != nil {
				return Report{}, err
			}
			return Report{Summary: "lab created", Details: map[string]any{"lab": int32(id), "home": *home}}, nil
		})
	home = siteFlag(cmd, "home", "home site id (required)", true)
	cmd.Flags().StringVar(&lab.Name, "name", "", "display name")
	cmd.Flags().StringVar(&lab.ShortName, "short-name", "", "short display name")
	cmd.Flags().StringVar(&lab.DirectoryName, "directory", "", "directory name")
	cmd.Flags().StringVar(&lab.HomeURL, "home-url", "", "home page url")
	cmd.Flags().StringVar(&lab.DefaultCopyrightNotice, "copyright", "", "default copyright notice")
	return cmd
}

// NewUpdateSiteCommand creates the update-site command.
func NewUpdateSiteCommand(rootOpts *RootOptions) *cobra.Command {
	var f identityFlags
	var site *int32
	var cmd *cobra.Command
	cmd = newAdminCommand(rootOpts, "update-site", "Announce new details for a site",
		`Merge the given fields over the site's record and announce it with a
public SiteUpdate. Fields that are not given keep their values.

Example:
  ismctl update-site --site 29168 --base-url https://xtal.example.org`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			var ch coordinator.SiteChanges
			changed := applyChanged(cmd,
				stringField{"name", &f.Name, &ch.Name},
				stringField{"short-name", &f.ShortName, &ch.ShortName},
				stringField{"base-url", &f.BaseURL, &ch.BaseURL},
				stringField{"repository-url", &f.RepositoryURL, &ch.RepositoryURL},
			)
			if err := c.UpdateSite(ctx, ism.SiteID(*site), ch); err != nil {
				return Report{}, err
			}
			return Report{Summary: "site updated", Details: map[string]any{"site": *site, "changed": changed}}, nil
		})
	site = siteFlag(cmd, "site", "site id (required)", true)
	cmd.Flags().StringVar(&f.Name, "name", "", "display name")
	cmd.Flags().StringVar(&f.ShortName, "short-name", "", "short display name")
	cmd.Flags().StringVar(&f.BaseURL, "base-url", "", "base url of the site's listener")
	cmd.Flags().StringVar(&f.RepositoryURL, "repository-url", "", "url of the site's sample repository")
	return cmd
}

// stringField binds a string flag to an optional change field.
type stringField struct {
	flag string
	src  *string
	dst  **string
}

// applyChanged sets the change field of every flag given on the command
// line and returns their names.
func applyChanged(cmd *cobra.Command, fields ...stringField) []string {
	changed := []string{}
	for _, f := range fields {
		if cmd.Flags().Changed(f.flag) {
			*f.dst = f.src
			changed = append(changed, f.flag)
		}
	}
	return changed
}

// NewUpdateLabCommand creates the update-lab command.
func NewUpdateLabCommand(rootOpts *RootOptions) *cobra.Command {
	var lab labFlags
	var id int32
	var active bool
	var home *int32
	var cmd *cobra.Command
	cmd = newAdminCommand(rootOpts, "update-lab", "Announce new details for a lab",
		`Merge the given fields over the lab's record and announce it with a
public LabUpdate. The active flag is always written.

Example:
  ismctl update-lab --lab 12 --name "Crystallography Lab"
  ismctl update-lab --lab 12 --active=false`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			ch := coordinator.LabChanges{HomeSiteID: ism.SiteID(*home), IsActive: active}
			changed := applyChanged(cmd,
				stringField{"name", &lab.Name, &ch.Name},
				stringField{"short-name", &lab.ShortName, &ch.ShortName},
				stringField{"directory", &lab.DirectoryName, &ch.DirectoryName},
				stringField{"home-url", &lab.HomeURL, &ch.HomeURL},
				stringField{"copyright", &lab.DefaultCopyrightNotice, &ch.DefaultCopyrightNotice},
			)
			if err := c.UpdateLab(ctx, ism.LabID(id), ch); err != nil {
				return Report{}, err
			}
			return Report{Summary: "lab updated", Details: map[string]any{"lab": id, "active": active, "changed": changed}}, nil
		})
	cmd.Flags().Int32Var(&id, "lab", 0, "lab id (required)")
	_ = cmd.MarkFlagRequired("lab")
	cmd.Flags().BoolVar(&active, "active", true, "whether the lab is active")
	home = siteFlag(cmd, "home", "new home site id", false)
	cmd.Flags().StringVar(&lab.Name, "name", "", "display name")
	cmd.Flags().StringVar(&lab.ShortName, "short-name", "", "short display name")
	cmd.Flags().StringVar(&lab.DirectoryName, "directory", "", "directory name")
	cmd.Flags().StringVar(&lab.HomeURL, "home-url", "", "home page url")
	cmd.Flags().StringVar(&lab.DefaultCopyrightNotice, "copyright", "", "default copyright notice")
	return cmd
}

// NewDeactivateSiteCommand creates the deactivate-site command.
func NewDeactivateSiteCommand(rootOpts *RootOptions) *cobra.Command {
	var site *int32
	var final int64
	cmd := newAdminCommand(rootOpts, "deactivate-site", "End a site's message stream",
		`Announce that a site's stream ends at --final-seq. Recipients apply the
site's messages up to and including that number, then ignore the site.

Example:
  ismctl deactivate-site --site 29168 --final-seq 1041 --push`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			if err := c.DeactivateSite(ctx, ism.SiteID(*site), ism.SeqNum(final)); err != nil {
				return Report{}, err
			}
			return Report{Summary: "site deactivated", Details: map[string]any{"site": *site, "final_seq": final}}, nil
		})
	site = siteFlag(cmd, "site", "site id (required)", true)
	cmd.Flags().Int64Var(&final, "final-seq", int64(ism.InvalidSeq), "last sequence number to apply (required)")
	_ = cmd.MarkFlagRequired("final-seq")
	return cmd
}

// NewReactivateSiteCommand creates the reactivate-site command.
func NewReactivateSiteCommand(rootOpts *RootOptions) *cobra.Command {
	var site *int32
	cmd := newAdminCommand(rootOpts, "reactivate-site", "Announce a deactivated site again",
		`Re-announce a deactivated site with a public SiteActivation.

Example:
  ismctl reactivate-site --site 29168 --push`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			if err := c.ReactivateSite(ctx, ism.SiteID(*site)); err != nil {
				return Report{}, err
			}
			return Report{Summary: "site reactivated", Details: map[string]any{"site": *site}}, nil
		})
	site = siteFlag(cmd, "site", "site id (required)", true)
	return cmd
}

// NewTransferLabCommand creates the transfer-lab command.
func NewTransferLabCommand(rootOpts *RootOptions) *cobra.Command {
	var lab int32
	var to *int32
	cmd := newAdminCommand(rootOpts, "transfer-lab", "Move a lab to a new home site",
		`Announce that a lab moves to a new home site.

Example:
  ismctl transfer-lab --lab 12 --to 400 --push`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			if err := c.InitiateLabTransfer(ctx, ism.LabID(lab), ism.SiteID(*to)); err != nil {
				return Report{}, err
			}
			return Report{Summary: fmt.Sprintf("lab %d transfer initiated", lab), Details: map[string]any{"lab": lab, "to": *to}}, nil
		})
	cmd.Flags().Int32Var(&lab, "lab", 0, "lab id (required)")
	_ = cmd.MarkFlagRequired("lab")
	to = siteFlag(cmd, "to", "new home site id (required)", true)
	return cmd
}
