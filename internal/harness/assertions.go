package harness

import (
	"context"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/localstore"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertServerStock:
		got, err := h.server.Stock(ctx, Scope, a.Product)
		if err != nil {
			return err
		}
		return expectCount(a, a.Product, got)

	case AssertServerSales:
		got, err := h.server.CountSales(ctx, Scope)
		if err != nil {
			return err
		}
		return expectCount(a, "sales", int64(got))

	case AssertServerAnnotations:
		got, err := h.server.Annotations(ctx, Scope, ir.Kind(a.Kind))
		if err != nil {
			return err
		}
		return expectCount(a, a.Kind, int64(got))

	case AssertLocalStock:
		level, err := h.nodes[a.Terminal].term.Local().StockLevel(ctx, a.Product)
		if err != nil {
			return err
		}
		return expectCount(a, a.Terminal+" "+a.Product, level.Quantity())

	case AssertPending:
		ops, err := h.nodes[a.Terminal].term.Pending(ctx)
		if err != nil {
			return err
		}
		return expectCount(a, a.Terminal+" pending", int64(len(ops)))

	case AssertDead:
		ops, err := h.nodes[a.Terminal].term.DeadSet(ctx)
		if err != nil {
			return err
		}
		return expectCount(a, a.Terminal+" dead", int64(len(ops)))

	case AssertSale:
		return h.checkSale(ctx, a)

	case AssertCustomer:
		return h.checkCustomer(ctx, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func expectCount(a Assertion, what string, got int64) error {
	if got == *a.Expect {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s = %d", what, *a.Expect),
		Actual:   fmt.Sprintf("%d", got),
	}
}

func (h *Harness) checkSale(ctx context.Context, a Assertion) error {
	sale, err := h.nodes[a.Terminal].term.Local().Sale(ctx, a.Sale)
	if err != nil {
		return err
	}
	if a.Status != "" && sale.Status != localstore.SaleStatus(a.Status) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("sale %s status %s", a.Sale, a.Status),
			Actual:   string(sale.Status),
		}
	}
	if a.NeedsReview != nil && sale.NeedsReview() != *a.NeedsReview {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("sale %s needs_review %t", a.Sale, *a.NeedsReview),
			Actual:   fmt.Sprintf("%t", sale.NeedsReview()),
		}
	}
	return nil
}

func (h *Harness) checkCustomer(ctx context.Context, a Assertion) error {
	cust, err := h.nodes[a.Terminal].term.Local().Customer(ctx, a.Customer)
	if err != nil {
		return err
	}
	if cust.DuplicateOf != a.DuplicateOf {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("customer %s duplicate_of %q", a.Customer, a.DuplicateOf),
			Actual:   fmt.Sprintf("%q", cust.DuplicateOf),
		}
	}
	return nil
}
