package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// DefaultMaxResolutionDepth is how many follow-up generations a conflict
// may produce. A corrective StockAdjust can conflict again if stock keeps
// falling; past this depth the chain is rejected for manual review.
const DefaultMaxResolutionDepth = 3

// ResolutionDepthError reports a follow-up chain that hit the limit.
type ResolutionDepthError struct {
	OperationID string
	Depth       int
	Limit       int
}

func (e *ResolutionDepthError) Error() string {
	return fmt.Sprintf("resolution depth %d reached limit %d (op=%s)", e.Depth, e.Limit, e.OperationID)
}

// IsResolutionDepthError reports whether err is a ResolutionDepthError.
// Uses errors.As to handle wrapped errors.
func IsResolutionDepthError(err error) bool {
	var de *ResolutionDepthError
	return errors.As(err, &de)
}

// resolutionDepth counts how many compensating ancestors op has in the
// log. Ancestors are kept until their follow-ups are acknowledged, so
// the chain is complete while it is still being resolved.
func (e *Engine) resolutionDepth(ctx context.Context, op ir.Operation) (int, error) {
	depth := 0
	seen := map[string]bool{op.ID: true}
	for parent := op.Compensates; parent != "" && !seen[parent]; {
		seen[parent] = true
		depth++
		ancestor, err := e.log.Get(ctx, parent)
		if errors.Is(err, ir.ErrNotFound) {
			break
		}
		if err != nil {
			return 0, ir.NewDurabilityError("walk follow-up chain", err)
		}
		parent = ancestor.Compensates
	}
	return depth, nil
}
