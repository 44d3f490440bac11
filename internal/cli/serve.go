package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sitenet/internal/bundle"
	"github.com/roach88/sitenet/internal/config"
	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/site"
	"github.com/roach88/sitenet/internal/store"
	"github.com/roach88/sitenet/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Bundle         string
	Addr           string
	CoordinatorURL string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a site: listen for pushes and apply messages",
		Long: `Run a site's listener and receiving engine.

On first start pass --bundle: the store is bootstrapped from the grant
bundle the Coordinator issued. Later starts reopen the store and resume
where the site left off. Gaps in a channel are filled by replay requests
to the Coordinator.

The engine runs until interrupted (SIGINT/SIGTERM).

Example:
  ismctl serve --db xtal.db --bundle xtal.grant --addr :8080
  ismctl serve --config /etc/sitenet.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Bundle, "bundle", "", "grant bundle to bootstrap an empty store from")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.CoordinatorURL, "coordinator-url", "", "base url for replay requests (overrides config)")

	return cmd
}

func (o *ServeOptions) siteOptions(cfg *config.Config) []site.Option {
	url := cfg.Coordinator.URL
	if o.CoordinatorURL != "" {
		url = o.CoordinatorURL
	}
	opts := []site.Option{
		site.WithVersion(cfg.Site.Version),
		site.WithIntakeCapacity(cfg.Exchange.IntakeCapacity),
		site.WithMaxParked(cfg.Ledger.MaxParked),
		site.WithReplayLimit(cfg.Exchange.ReplayLimit),
		site.WithRedeliverInterval(cfg.Exchange.RedeliverInterval.Duration),
		site.WithReplayPeer(ism.Coordinator, url),
		site.WithTransport(o.transport(cfg)),
	}
	if o.Now != nil {
		opts = append(opts, site.WithClock(o.Now))
	}
	return opts
}

func (o *ServeOptions) openEngine(ctx context.Context, s *store.Store, cfg *config.Config) (*site.Engine, error) {
	_, bootstrapped, err := s.Identity(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read store identity", err)
	}
	if bootstrapped {
		if o.Bundle != "" {
			slog.Info("store already bootstrapped; ignoring bundle", "bundle", o.Bundle)
		}
		e, err := site.Open(ctx, s, o.siteOptions(cfg)...)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to open site", err)
		}
		return e, nil
	}

	if o.Bundle == "" {
		return nil, NewExitError(ExitCommandError, "the store has no site identity; pass --bundle to bootstrap it")
	}
	b, err := bundle.ReadFile(o.Bundle)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read bundle", err)
	}
	e, err := site.Bootstrap(ctx, s, b, o.siteOptions(cfg)...)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to bootstrap site", err)
	}
	return e, nil
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := opts.settings()
	if err != nil {
		return err
	}
	s, err := openStore(opts.storePath(cfg.Site.Store))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(ctxOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := opts.openEngine(ctx, s, cfg)
	if err != nil {
		return err
	}
	telemetry.SetBuildInfo(cfg.Site.Version, e.Local().String())

	addr := cfg.Listen.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           e.Handler().Router(),
		ReadHeaderTimeout: cfg.Exchange.ReadTimeout.Duration,
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	slog.Info("site listening", "site", e.Local(), "addr", ln.Addr().String())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ran := make(chan error, 1)
	go func() { ran <- e.Run(runCtx) }()

	var runErr, serveErr error
	select {
	case runErr = <-ran:
	case serveErr = <-served:
		cancel()
		runErr = <-ran
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("listener shutdown", "error", err)
	}
	if serveErr == nil {
		serveErr = <-served
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "listener failed", serveErr)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine failed", runErr)
	}

	slog.Info("site stopped", "site", e.Local())
	return opts.formatter(cmd).Success(Report{
		Summary: "site stopped",
		Details: map[string]any{"site": int32(e.Local())},
	})
}
