package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/ir"
)

// RebuildResult reports a rebuilt local store.
type RebuildResult struct {
	Digest   string `json:"digest"`
	Replayed int    `json:"replayed"`
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the local store from the operation log",
		Long: `Discard the terminal's local view and rebuild it by replaying the operation
log in sequence order. Server records are refetched on the next sync.

The printed digest covers the rebuilt local state; two rebuilds of the same
log print the same digest.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			if err := e.term.Rebuild(ctx); err != nil {
				return WrapExitError(ExitFailure, "rebuild failed", err)
			}
			digest, err := e.term.Local().Digest(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to digest local store", err)
			}
			summary, err := e.term.Summary(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to summarize log", err)
			}

			result := RebuildResult{
				Digest:   digest,
				Replayed: summary.Counts[ir.StatusPending] + summary.Counts[ir.StatusSubmitted] + summary.Counts[ir.StatusAcknowledged],
			}
			return e.out.Result(result, func(w io.Writer) {
				fmt.Fprintf(w, "Local store rebuilt from %d operations\n", result.Replayed)
				fmt.Fprintf(w, "Digest: %s\n", result.Digest)
			})
		},
	}
}
