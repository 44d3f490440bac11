package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/sitenet/internal/coordinator"
	"github.com/roach88/sitenet/internal/ism"
)

// NewClaimBlockCommand creates the claim-block command.
func NewClaimBlockCommand(rootOpts *RootOptions) *cobra.Command {
	var block int32
	var cmd *cobra.Command
	cmd = newAdminCommand(rootOpts, "claim-block", "Reserve a sample-id block",
		`Claim a sample-id block for the Coordinator. Without --block a random
free block is picked.

Example:
  ismctl claim-block
  ismctl claim-block --block 21860`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			if cmd.Flags().Changed("block") {
				if err := c.ClaimSampleIDBlock(ctx, ism.BlockID(block)); err != nil {
					return Report{}, err
				}
				return Report{Summary: "block claimed", Details: map[string]any{"block": block}}, nil
			}
			id, err := c.ReserveSampleIDBlock(ctx)
			if err != nil {
				return Report{}, err
			}
			return Report{Summary: "block claimed", Details: map[string]any{"block": int32(id)}}, nil
		})
	cmd.Flags().Int32Var(&block, "block", 0, "block id to claim")
	return cmd
}

// NewTransferBlockCommand creates the transfer-block command.
func NewTransferBlockCommand(rootOpts *RootOptions) *cobra.Command {
	var block int32
	var site *int32
	var cmd *cobra.Command
	cmd = newAdminCommand(rootOpts, "transfer-block", "Issue a sample-id block to a site",
		`Transfer a reserved sample-id block to a site. Without --block a random
free block is claimed and transferred.

Example:
  ismctl transfer-block --site 29168 --push
  ismctl transfer-block --site 29168 --block 21860`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			dest := ism.SiteID(*site)
			id := ism.BlockID(block)
			if cmd.Flags().Changed("block") {
				if err := c.TransferSampleIDBlock(ctx, dest, id); err != nil {
					return Report{}, err
				}
			} else {
				var err error
				if id, err = c.TransferRandomSampleIDBlock(ctx, dest); err != nil {
					return Report{}, err
				}
			}
			return Report{Summary: "block transferred", Details: map[string]any{"block": int32(id), "site": *site}}, nil
		})
	site = siteFlag(cmd, "site", "destination site id (required)", true)
	cmd.Flags().Int32Var(&block, "block", 0, "reserved block id to transfer")
	return cmd
}

// NewDeactivateSampleCommand creates the deactivate-sample command.
func NewDeactivateSampleCommand(rootOpts *RootOptions) *cobra.Command {
	var sample int64
	var home *int32
	cmd := newAdminCommand(rootOpts, "deactivate-sample", "Tell every site a sample is gone",
		`Send a private SampleDeactivation to every issued site except the
sample's home site.

Example:
  ismctl deactivate-sample --sample 21860042 --home 29168 --push`,
		func(ctx context.Context, c *coordinator.Coordinator) (Report, error) {
			n, err := c.DeactivateSample(ctx, sample, ism.SiteID(*home))
			if err != nil {
				return Report{}, err
			}
			return Report{Summary: "sample deactivated", Details: map[string]any{"sample": sample, "notified": n}}, nil
		})
	cmd.Flags().Int64Var(&sample, "sample", 0, "sample id (required)")
	_ = cmd.MarkFlagRequired("sample")
	home = siteFlag(cmd, "home", "the sample's home site id (required)", true)
	return cmd
}
