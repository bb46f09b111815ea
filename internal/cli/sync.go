package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
)

// SyncResult is the outcome of one sync cycle.
type SyncResult struct {
	Pulled          int   `json:"pulled"`
	Applied         int   `json:"applied"`
	Batches         int   `json:"batches"`
	Submitted       int   `json:"submitted"`
	Acknowledged    int   `json:"acknowledged"`
	Rejected        int   `json:"rejected"`
	Superseded      int   `json:"superseded"`
	Conflicts       int   `json:"conflicts"`
	FollowUps       int   `json:"follow_ups"`
	Pruned          int64 `json:"pruned"`
	InboundRevision int64 `json:"inbound_revision"`
	OutboundSeq     int64 `json:"outbound_seq"`
}

func newSyncResult(r engine.CycleReport) SyncResult {
	return SyncResult{
		Pulled:          r.Pulled,
		Applied:         r.Applied,
		Batches:         r.Batches,
		Submitted:       r.Submitted,
		Acknowledged:    r.Acknowledged,
		Rejected:        r.Rejected,
		Superseded:      r.Superseded,
		Conflicts:       r.Conflicts,
		FollowUps:       r.FollowUps,
		Pruned:          r.Pruned,
		InboundRevision: r.InboundRevision,
		OutboundSeq:     r.OutboundSeq,
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and exit",
		Long: `Pull server changes, push every open operation and prune settled history,
then print the cycle report.

Exit codes:
  0 - Cycle completed
  1 - Server unreachable or cycle failed; progress made so far is kept
  2 - Command error (bad config, etc.)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.term.Sync(cmd.Context())
			if err != nil {
				e.out.VerboseLog("partial cycle: submitted %d, acknowledged %d", report.Submitted, report.Acknowledged)
				return actionError("sync failed", err)
			}
			return e.out.Result(newSyncResult(report), func(w io.Writer) {
				writeSyncText(w, report)
			})
		},
	}
}

func writeSyncText(w io.Writer, r engine.CycleReport) {
	fmt.Fprintf(w, "Pulled %d changes (%d applied), revision %d\n", r.Pulled, r.Applied, r.InboundRevision)
	fmt.Fprintf(w, "Pushed %d operations in %d batches: %d acknowledged, %d rejected, %d superseded\n",
		r.Submitted, r.Batches, r.Acknowledged, r.Rejected, r.Superseded)
	if r.Conflicts > 0 {
		fmt.Fprintf(w, "Resolved %d conflicts with %d follow-up operations\n", r.Conflicts, r.FollowUps)
	}
	fmt.Fprintf(w, "Pruned %d settled operations\n", r.Pruned)
}
