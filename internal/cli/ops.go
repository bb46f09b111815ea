package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/terminal"
)

// OperationView is the listed form of an operation.
type OperationView struct {
	ID           string          `json:"id"`
	SequenceNo   int64           `json:"sequence_no"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Compensates  string          `json:"compensates,omitempty"`
	SupersededBy string          `json:"superseded_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Payload      json.RawMessage `json:"payload"`
}

func newOperationViews(ops []ir.Operation) ([]OperationView, error) {
	views := make([]OperationView, 0, len(ops))
	for _, op := range ops {
		payload, err := ir.EncodePayload(op.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", op.ID, err)
		}
		views = append(views, OperationView{
			ID:           op.ID,
			SequenceNo:   op.SequenceNo,
			Kind:         string(op.Kind),
			Status:       string(op.Status),
			Reason:       op.Reason,
			Compensates:  op.Compensates,
			SupersededBy: op.SupersededBy,
			CreatedAt:    op.CreatedAt,
			Payload:      payload,
		})
	}
	return views, nil
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List operations waiting to sync",
		Long: `List the outbox: operations recorded on this terminal that the server has
not answered yet, in the order they will be submitted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ops, err := e.term.Pending(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read outbox", err)
			}
			return listOperations(e.out, ops, "No operations waiting.")
		},
	}
}

// NewDeadCommand creates the dead command.
func NewDeadCommand(rootOpts *RootOptions) *cobra.Command {
	var export bool

	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List operations the server rejected",
		Long: `List the dead set: operations the server permanently rejected, with the
reason. They are never resubmitted and are kept until someone deals with
them.

With --export the dead set is also written to the audit sink (audit.dir or
audit.s3_bucket) as one snappy-compressed JSON-lines object.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if export {
				key, err := e.term.ExportDeadSet(cmd.Context())
				switch {
				case errors.Is(err, terminal.ErrAuditDisabled):
					_ = e.out.Error(ErrCodeAudit, "audit export is not configured", nil)
					return NewExitError(ExitCommandError, "set audit.dir or audit.s3_bucket to export")
				case err != nil:
					return WrapExitError(ExitFailure, "dead set export failed", err)
				case key == "":
					e.out.VerboseLog("dead set is empty; nothing exported")
				default:
					e.out.VerboseLog("exported dead set to %s", key)
					if e.out.Format != "json" {
						fmt.Fprintf(e.out.Writer, "Exported to %s\n", key)
					}
				}
			}

			ops, err := e.term.DeadSet(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read dead set", err)
			}
			return listOperations(e.out, ops, "No rejected operations.")
		},
	}

	cmd.Flags().BoolVar(&export, "export", false, "write the dead set to the audit sink")
	return cmd
}

func listOperations(out *OutputFormatter, ops []ir.Operation, empty string) error {
	views, err := newOperationViews(ops)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to render operations", err)
	}
	return out.Result(views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, empty)
			return
		}
		fmt.Fprintln(w, operationTable(views))
	})
}

func operationTable(views []OperationView) string {
	rows := make([][]string, len(views))
	for i, v := range views {
		note := v.Reason
		if v.SupersededBy != "" {
			note = "by " + v.SupersededBy
		}
		rows[i] = []string{
			fmt.Sprintf("%d", v.SequenceNo),
			v.ID,
			v.Kind,
			v.Status,
			v.CreatedAt.Local().Format(time.DateTime),
			note,
		}
	}

	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SEQ", "ID", "KIND", "STATUS", "CREATED", "NOTE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		String()
}
