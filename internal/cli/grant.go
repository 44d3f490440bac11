package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/sitenet/internal/bundle"
	"github.com/roach88/sitenet/internal/coordinator"
	"github.com/roach88/sitenet/internal/ism"
)

type identityFlags struct {
	Name          string
	ShortName     string
	BaseURL       string
	RepositoryURL string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&f.ShortName, "short-name", "", "short display name")
	cmd.Flags().StringVar(&f.BaseURL, "base-url", "", "base url of the site's listener")
	cmd.Flags().StringVar(&f.RepositoryURL, "repository-url", "", "url of the site's sample repository")
	_ = cmd.MarkFlagRequired("name")
}

// CreateCoordinatorGrantOptions holds flags for the create-coordinator-grant command.
type CreateCoordinatorGrantOptions struct {
	*RootOptions
	identityFlags
	Out string
}

// NewCreateCoordinatorGrantCommand creates the create-coordinator-grant command.
func NewCreateCoordinatorGrantCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateCoordinatorGrantOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create-coordinator-grant",
		Short: "Bootstrap the Coordinator in an empty store",
		Long: `Bootstrap the Coordinator: generate its key pair, emit its public
SiteActivation (#0) and its own SiteGrant (#1), and write the grant bundle.

The store must be empty.

Example:
  ismctl create-coordinator-grant --db coordinator.db --name "Central" --out coordinator.grant`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreateCoordinatorGrant(cmd, opts)
		},
	}

	opts.identityFlags.register(cmd)
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "path to write the grant bundle (required)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runCreateCoordinatorGrant(cmd *cobra.Command, opts *CreateCoordinatorGrantOptions) error {
	cfg, err := opts.settings()
	if err != nil {
		return err
	}
	s, err := openStore(opts.storePath(cfg.Coordinator.Store))
	if err != nil {
		return err
	}
	defer s.Close()

	c, b, err := coordinator.Bootstrap(ctxOf(cmd), s, coordinator.Identity{
		Name:          opts.Name,
		ShortName:     opts.ShortName,
		BaseURL:       opts.BaseURL,
		RepositoryURL: opts.RepositoryURL,
	}, opts.coordinatorOptions(cfg)...)
	if err != nil {
		return operationError(err)
	}
	if err := bundle.WriteFile(opts.Out, b); err != nil {
		return WrapExitError(ExitCommandError, "failed to write bundle", err)
	}

	return opts.formatter(cmd).Success(Report{
		Summary: "coordinator bootstrapped",
		Details: map[string]any{
			"key":    c.PublicKey().Fingerprint(),
			"bundle": opts.Out,
		},
	})
}

// CreateSiteGrantOptions holds flags for the create-site-grant command.
type CreateSiteGrantOptions struct {
	*RootOptions
	identityFlags
	Lab  labFlags
	Out  string
	Push bool
}

// NewCreateSiteGrantCommand creates the create-site-grant command.
func NewCreateSiteGrantCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateSiteGrantOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create-site-grant",
		Short: "Issue a new site and write its bootstrap bundle",
		Long: `Issue a new site: pick an unused site id, generate its key pair,
announce it, optionally create its first lab, emit its SiteGrant and write
the bundle the site bootstraps from.

Example:
  ismctl create-site-grant --name "Crystallography" --lab-name "Xtal Lab" --out xtal.grant`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCoordinator(cmd, opts.Push, func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
				return createSite(ctx, c, opts)
			})
		},
	}

	opts.identityFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Lab.Name, "lab-name", "", "also create a lab homed at the new site")
	cmd.Flags().StringVar(&opts.Lab.ShortName, "lab-short-name", "", "short name of the lab")
	cmd.Flags().StringVar(&opts.Lab.DirectoryName, "lab-directory", "", "directory name of the lab")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "path to write the site bundle (required)")
	cmd.Flags().BoolVar(&opts.Push, "push", false, "push new messages to every active site")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func createSite(ctx context.Context, c *coordinator.Coordinator, opts *CreateSiteGrantOptions) (Report, error) {
	id, err := c.BeginCreatingSite(ctx, coordinator.NewSite{
		Name:          opts.Name,
		ShortName:     opts.ShortName,
		BaseURL:       opts.BaseURL,
		RepositoryURL: opts.RepositoryURL,
	})
	if err != nil {
		return Report{}, err
	}
	details := map[string]any{"site": int32(id)}

	if opts.Lab.Name != "" {
		lab, err := c.CreateLab(ctx, opts.Lab.newLab(id))
		if err != nil {
			return Report{}, err
		}
		details["lab"] = int32(lab)
	}

	b, err := c.FinishCreatingSite(ctx)
	if err != nil {
		return Report{}, err
	}
	if err := bundle.WriteFile(opts.Out, b); err != nil {
		return Report{}, WrapExitError(ExitCommandError, "failed to write bundle", err)
	}
	details["bundle"] = opts.Out
	details["bundled"] = len(b.Messages)
	site, _ := c.State().Site(id)
	details["key"] = site.PublicKey.Fingerprint()
	return Report{Summary: "site created", Details: details}, nil
}

type labFlags struct {
	Name                   string
	ShortName              string
	DirectoryName          string
	HomeURL                string
	DefaultCopyrightNotice string
}

func (f labFlags) newLab(home ism.SiteID) coordinator.NewLab {
	return coordinator.NewLab{
		Name:                   f.Name,
		ShortName:              f.ShortName,
		DirectoryName:          f.DirectoryName,
		HomeURL:                f.HomeURL,
		DefaultCopyrightNotice: f.DefaultCopyrightNotice,
		HomeSiteID:             home,
	}
}
