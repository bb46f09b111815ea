package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/terminal"
)

// RecordedResult reports an operation an action appended.
type RecordedResult struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	SequenceNo int64  `json:"sequence_no"`
	SaleID     string `json:"sale_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
}

func newRecordedResult(op ir.Operation) RecordedResult {
	r := RecordedResult{ID: op.ID, Kind: string(op.Kind), SequenceNo: op.SequenceNo}
	switch p := op.Payload.(type) {
	case ir.SaleCreate:
		r.SaleID, r.SessionID = p.SaleID, p.SessionID
	case ir.SaleVoid:
		r.SaleID = p.SaleID
	case ir.SessionStart:
		r.SessionID = p.SessionID
	case ir.SessionEnd:
		r.SessionID = p.SessionID
	case ir.CustomerCreate:
		r.CustomerID = p.CustomerID
	}
	return r
}

func writeRecorded(out *OutputFormatter, op ir.Operation) error {
	r := newRecordedResult(op)
	return out.Result(r, func(w io.Writer) {
		fmt.Fprintf(w, "Recorded %s %s (seq %d)\n", r.Kind, r.ID, r.SequenceNo)
		switch {
		case r.SaleID != "":
			fmt.Fprintf(w, "Sale: %s\n", r.SaleID)
		case r.CustomerID != "":
			fmt.Fprintf(w, "Customer: %s\n", r.CustomerID)
		}
		if r.SessionID != "" {
			fmt.Fprintf(w, "Cash session: %s\n", r.SessionID)
		}
	})
}

// actionFlags are the flags every action command takes.
type actionFlags struct {
	user    string
	session string
}

func (f *actionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "user performing the action (required)")
	cmd.Flags().StringVar(&f.session, "session", "", "open cash session id")
	_ = cmd.MarkFlagRequired("user")
}

func (f *actionFlags) sessionFor(e *env) terminal.Session {
	sess := e.term.Session(f.user)
	sess.CashSessionID = f.session
	return sess
}

// parseLine parses "product:quantity:unit-price".
func parseLine(s string) (ir.SaleLine, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" {
		return ir.SaleLine{}, fmt.Errorf("line %q: want product:quantity:unit-price", s)
	}
	qty, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ir.SaleLine{}, fmt.Errorf("line %q: quantity: %w", s, err)
	}
	price, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ir.SaleLine{}, fmt.Errorf("line %q: unit price: %w", s, err)
	}
	return ir.SaleLine{ProductID: parts[0], Quantity: qty, UnitPrice: price}, nil
}

// NewSaleCommand creates the sale command.
func NewSaleCommand(rootOpts *RootOptions) *cobra.Command {
	var flags actionFlags
	var lines []string

	cmd := &cobra.Command{
		Use:   "sale",
		Short: "Record a sale",
		Long: `Record a sale and one stock decrement per line. Prices are in minor units.

Example:
  tillsync sale --user ann --line sku-1:2:250 --line sku-9:1:1200`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			saleLines := make([]ir.SaleLine, 0, len(lines))
			for _, l := range lines {
				line, err := parseLine(l)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --line", err)
				}
				saleLines = append(saleLines, line)
			}

			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			op, err := e.term.RecordSale(cmd.Context(), flags.sessionFor(e), saleLines)
			if err != nil {
				return actionError("sale not recorded", err)
			}
			return writeRecorded(e.out, op)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringArrayVar(&lines, "line", nil, "sale line as product:quantity:unit-price (repeatable)")
	_ = cmd.MarkFlagRequired("line")
	return cmd
}

// NewVoidCommand creates the void command.
func NewVoidCommand(rootOpts *RootOptions) *cobra.Command {
	var flags actionFlags
	var reason string

	cmd := &cobra.Command{
		Use:           "void <sale-id>",
		Short:         "Void a sale",
		Long:          "Void a sale recorded on this terminal. Stock is not restored; record an adjustment for returned goods.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			op, err := e.term.VoidSale(cmd.Context(), flags.sessionFor(e), args[0], reason)
			if err != nil {
				return actionError("sale not voided", err)
			}
			return writeRecorded(e.out, op)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "why the sale is voided")
	return cmd
}

// NewAdjustCommand creates the adjust command.
func NewAdjustCommand(rootOpts *RootOptions) *cobra.Command {
	var flags actionFlags
	var reason string

	cmd := &cobra.Command{
		Use:   "adjust <product-id> <delta>",
		Short: "Record a stock adjustment",
		Long: `Record a stock movement outside a sale: deliveries (positive), breakage or
count corrections (negative).

Example:
  tillsync adjust --user ann sku-1 24 --reason delivery
  tillsync adjust --user ann --reason breakage -- sku-1 -2`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid delta", err)
			}

			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			op, err := e.term.AdjustStock(cmd.Context(), flags.sessionFor(e), args[0], delta, reason)
			if err != nil {
				return actionError("adjustment not recorded", err)
			}
			return writeRecorded(e.out, op)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "why the stock changed")
	return cmd
}

// NewCustomerCommand creates the customer command.
func NewCustomerCommand(rootOpts *RootOptions) *cobra.Command {
	var flags actionFlags
	var email, phone string

	cmd := &cobra.Command{
		Use:   "customer <name>",
		Short: "Register a customer",
		Long: `Register a customer under a new id. An email or phone number is required.
If the server already knows it, the customer is relabelled as a duplicate
of the server's record on the next sync.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			op, err := e.term.CreateCustomer(cmd.Context(), flags.sessionFor(e), args[0], email, phone)
			if err != nil {
				return actionError("customer not registered", err)
			}
			return writeRecorded(e.out, op)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&email, "email", "", "customer email")
	cmd.Flags().StringVar(&phone, "phone", "", "customer phone")
	return cmd
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open or close a cash session",
	}
	cmd.AddCommand(newSessionStartCommand(rootOpts))
	cmd.AddCommand(newSessionEndCommand(rootOpts))
	return cmd
}

func newSessionStartCommand(rootOpts *RootOptions) *cobra.Command {
	var flags actionFlags
	var openingFloat int64

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a cash session",
		Long: `Open a cash session with an opening float in minor units. A new session id
is generated unless --session names one. Pass the id to later sales and
to session end.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			sess, err := e.term.StartSession(cmd.Context(), flags.sessionFor(e), openingFloat)
			if err != nil {
				return actionError("session not opened", err)
			}
			return e.out.Result(map[string]string{"session_id": sess.CashSessionID}, func(w io.Writer) {
				fmt.Fprintf(w, "Opened cash session %s\n", sess.CashSessionID)
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().Int64Var(&openingFloat, "float", 0, "opening float")
	return cmd
}

func newSessionEndCommand(rootOpts *RootOptions) *cobra.Command {
	var flags actionFlags
	var cash int64

	cmd := &cobra.Command{
		Use:           "end",
		Short:         "Close a cash session",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openTerminal(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			op, err := e.term.EndSession(cmd.Context(), flags.sessionFor(e), cash)
			if err != nil {
				return actionError("session not closed", err)
			}
			return writeRecorded(e.out, op)
		},
	}

	flags.register(cmd)
	_ = cmd.MarkFlagRequired("session")
	cmd.Flags().Int64Var(&cash, "cash", 0, "counted closing cash")
	return cmd
}
