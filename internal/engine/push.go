package engine

import (
	"context"
	"fmt"

	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/ir"
)

// push submits open operations in sequence order until none are left.
func (e *Engine) push(ctx context.Context, report *CycleReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.log.PeekBatch(ctx, e.scope, e.batchMaxCount, e.batchMaxBytes)
		if err != nil {
			return ir.NewDurabilityError("peek batch", err)
		}
		if len(batch) == 0 {
			return nil
		}

		if err := e.pushBatch(ctx, batch, report); err != nil {
			return err
		}
	}
}

// pushBatch submits one batch and records every answer. Once the batch
// is on the wire the parent's cancellation is ignored so the answers are
// recorded; the client's call timeout still bounds the request.
func (e *Engine) pushBatch(ctx context.Context, batch []ir.Operation, report *CycleReport) error {
	ids := make([]string, len(batch))
	for i, op := range batch {
		ids[i] = op.ID
	}
	if err := e.log.MarkSubmitted(ctx, ids); err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	results, err := e.remote.SubmitBatch(ctx, batch)
	report.Batches++
	report.Submitted += len(batch)
	if err != nil {
		return err
	}

	byID := make(map[string]ir.OperationResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	missing := 0
	for _, op := range batch {
		res, ok := byID[op.ID]
		if !ok {
			missing++
			continue
		}
		if err := e.record(ctx, op, res, report); err != nil {
			return err
		}
	}

	if missing > 0 {
		report.Unanswered += missing
		return ir.NewTransportError(
			fmt.Sprintf("%d of %d operations unanswered", missing, len(batch)),
			ErrIncompleteResponse,
		)
	}
	return nil
}

// record applies one server answer: durable status first, then local state.
func (e *Engine) record(ctx context.Context, op ir.Operation, res ir.OperationResult, report *CycleReport) error {
	switch res.Status {
	case ir.ResultAccepted:
		if err := e.log.MarkAcknowledged(ctx, []string{op.ID}); err != nil {
			return err
		}
		if err := e.local.Settle(ctx, op, ir.StatusAcknowledged, res.Detail); err != nil {
			return ir.NewDurabilityError("settle "+op.ID, err)
		}
		report.Acknowledged++
		return nil

	case ir.ResultRejectedInvalid:
		reason := rejectionReason(res.Detail)
		if err := e.log.MarkRejected(ctx, op.ID, reason); err != nil {
			return err
		}
		if err := e.local.Settle(ctx, op, ir.StatusRejected, res.Detail); err != nil {
			return ir.NewDurabilityError("settle "+op.ID, err)
		}
		report.Rejected++
		e.publish(events.Event{
			Kind:        events.KindOperationRejected,
			OperationID: op.ID,
			OpKind:      op.Kind,
			Reason:      reason,
		})
		e.logger.Warn("operation rejected", "id", op.ID, "kind", op.Kind, "reason", reason)
		return nil

	case ir.ResultRejectedConflict:
		report.Conflicts++
		return e.resolve(ctx, op, res.Detail, report)
	}

	// An unknown status is a protocol error; leave the op Submitted.
	report.Unanswered++
	return ir.NewTransportError("unknown result status "+string(res.Status)+" for "+op.ID, nil)
}

func rejectionReason(d ir.ConflictDetail) string {
	switch {
	case d.Code != "" && d.Message != "":
		return d.Code + ": " + d.Message
	case d.Code != "":
		return d.Code
	case d.Message != "":
		return d.Message
	}
	return "rejected by server"
}
