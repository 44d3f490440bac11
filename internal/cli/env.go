package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/roach88/sitenet/internal/config"
	"github.com/roach88/sitenet/internal/coordinator"
	"github.com/roach88/sitenet/internal/exchange"
	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/store"
)

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) transport(cfg *config.Config) exchange.Transport {
	if o.Transport != nil {
		return o.Transport
	}
	return exchange.NewHTTPTransport(
		exchange.WithConnectTimeout(cfg.Exchange.ConnectTimeout.Duration),
		exchange.WithReadTimeout(cfg.Exchange.ReadTimeout.Duration),
	)
}

func (o *RootOptions) coordinatorOptions(cfg *config.Config) []coordinator.Option {
	opts := []coordinator.Option{
		coordinator.WithKeyAlgorithm(cfg.Coordinator.Algorithm()),
		coordinator.WithTransport(o.transport(cfg)),
	}
	if cfg.Ledger.LenientFold {
		opts = append(opts, coordinator.WithLenientFold())
	}
	if o.IDs != nil {
		opts = append(opts, coordinator.WithIDSource(o.IDs))
	}
	if o.Now != nil {
		opts = append(opts, coordinator.WithClock(o.Now))
	}
	return opts
}

func (o *RootOptions) storePath(fallback string) string {
	if o.Database != "" {
		return o.Database
	}
	return fallback
}

func openStore(path string) (*store.Store, error) {
	s, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return s, nil
}

// withCoordinator opens the Coordinator's store, folds its sent log and
// runs fn. With push set, every active site is sent the new messages
// afterwards.
func (o *RootOptions) withCoordinator(cmd *cobra.Command, push bool, fn func(ctx context.Context, c *coordinator.Coordinator) (Report, error)) error {
	cfg, err := o.settings()
	if err != nil {
		return err
	}
	s, err := openStore(o.storePath(cfg.Coordinator.Store))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := ctxOf(cmd)
	c, err := coordinator.Open(ctx, s, o.coordinatorOptions(cfg)...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open coordinator", err)
	}

	report, err := fn(ctx, c)
	if err != nil {
		return operationError(err)
	}
	report.Details = withHighest(report.Details, c.State().Highest)

	var pushErr error
	if push {
		var n int
		n, pushErr = c.PushAll(ctx)
		report.Details["pushed"] = n
	}
	if err := o.formatter(cmd).Success(report); err != nil {
		return err
	}
	if pushErr != nil {
		return WrapExitError(ExitFailure, "messages were stored but some pushes failed", pushErr)
	}
	return nil
}

func withHighest(d map[string]any, seq ism.SeqNum) map[string]any {
	if d == nil {
		d = map[string]any{}
	}
	d["highest"] = seq
	return d
}

// operationError keeps the refusal reason and marks it as an operation
// failure rather than a usage error.
func operationError(err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	msg := "operation failed"
	switch {
	case coordinator.IsStateConflict(err):
		msg = "operation refused"
	case exchange.IsTransportError(err):
		msg = "peer unreachable"
	case exchange.IsRejected(err):
		msg = "peer rejected the messages"
	}
	return WrapExitError(ExitFailure, msg, err)
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
