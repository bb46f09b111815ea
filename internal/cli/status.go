package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/scheduler"
)

// StatusResult is what the status command reports.
type StatusResult struct {
	Terminal      string         `json:"terminal"`
	Scope         string         `json:"scope"`
	Remote        string         `json:"remote"`
	State         string         `json:"state"`
	LastSuccessAt *time.Time     `json:"last_success_at,omitempty"`
	Pending       int            `json:"pending"`
	OldestPending *time.Time     `json:"oldest_pending,omitempty"`
	Dead          int            `json:"dead"`
	NeedsReview   []string       `json:"needs_review,omitempty"`
	HighWater     int64          `json:"high_water"`
	OutboundSeq   int64          `json:"outbound_seq"`
	Revision      int64          `json:"inbound_revision"`
	Counts        map[string]int `json:"counts"`
	LastError     string         `json:"last_error,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var syncFirst bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync state, outbox and dead set",
		Long: `Show the terminal's sync state: when it last synced, how many operations
are waiting, how many were rejected, and which sales need review.

With --sync a cycle runs first; a failure shows as the last error instead
of failing the command.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if syncFirst {
				if _, err := e.term.Sync(cmd.Context()); err != nil {
					e.out.VerboseLog("sync failed: %v", err)
				}
			}
			result, err := collectStatus(cmd, e)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read status", err)
			}
			return e.out.Result(result, func(w io.Writer) {
				fmt.Fprintln(w, renderStatus(result))
			})
		},
	}

	cmd.Flags().BoolVar(&syncFirst, "sync", false, "run a sync cycle before reporting")
	return cmd
}

func collectStatus(cmd *cobra.Command, e *env) (StatusResult, error) {
	ctx := cmd.Context()
	st, err := e.term.Status(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	summary, err := e.term.Summary(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	cursor, err := e.term.Log().ReadCursor(ctx, e.term.ID(), e.term.Scope())
	if err != nil {
		return StatusResult{}, err
	}
	review, err := e.term.Local().SalesNeedingReview(ctx)
	if err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{
		Terminal:    e.term.ID(),
		Scope:       e.term.Scope().String(),
		Remote:      e.cfg.Remote.BaseURL,
		State:       string(st.State),
		Pending:     st.PendingCount,
		Dead:        summary.Counts[ir.StatusRejected],
		NeedsReview: review,
		HighWater:   summary.HighWater,
		OutboundSeq: cursor.OutboundSeq,
		Revision:    cursor.InboundRevision,
		Counts:      make(map[string]int, len(summary.Counts)),
	}
	for status, n := range summary.Counts {
		result.Counts[string(status)] = n
	}

	// The scheduler only knows successes from this process.
	last := st.LastSuccessAt
	if last.IsZero() {
		last = cursor.LastSuccessAt
	}
	if !last.IsZero() {
		result.LastSuccessAt = &last
	}
	if !st.OldestPending.IsZero() {
		oldest := st.OldestPending
		result.OldestPending = &oldest
	}
	if st.LastError != nil {
		result.LastError = st.LastError.Error()
	}
	if st.State == scheduler.StateError && result.LastError == "" {
		result.LastError = "unknown"
	}
	return result, nil
}

var (
	statusTitle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	statusLabel = lipgloss.NewStyle().Width(16).Foreground(lipgloss.Color("8"))
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	statusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	statusBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	statusBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func renderStatus(r StatusResult) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, statusLabel.Render(label), value)
	}

	state := statusOK.Render(r.State)
	if r.State == string(scheduler.StateError) {
		state = statusBad.Render(r.State)
	}
	last := "never"
	if r.LastSuccessAt != nil {
		last = r.LastSuccessAt.Local().Format(time.DateTime)
	}
	pending := fmt.Sprintf("%d", r.Pending)
	if r.OldestPending != nil {
		pending += fmt.Sprintf(" (oldest %s)", r.OldestPending.Local().Format(time.DateTime))
	}
	if r.Pending > 0 {
		pending = statusWarn.Render(pending)
	}
	dead := fmt.Sprintf("%d", r.Dead)
	if r.Dead > 0 {
		dead = statusBad.Render(dead)
	}

	rows := []string{
		statusTitle.Render(fmt.Sprintf("%s  %s", r.Terminal, r.Scope)),
		row("state", state),
		row("server", r.Remote),
		row("last sync", last),
		row("pending", pending),
		row("rejected", dead),
		row("log", fmt.Sprintf("seq %d, settled through %d, revision %d", r.HighWater, r.OutboundSeq, r.Revision)),
	}
	if len(r.Counts) > 0 {
		keys := make([]string, 0, len(r.Counts))
		for k := range r.Counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s %d", k, r.Counts[k])
		}
		rows = append(rows, row("by status", strings.Join(parts, ", ")))
	}
	if len(r.NeedsReview) > 0 {
		rows = append(rows, row("needs review", statusWarn.Render(strings.Join(r.NeedsReview, ", "))))
	}
	if r.LastError != "" {
		rows = append(rows, row("last error", statusBad.Render(r.LastError)))
	}
	return statusBox.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
