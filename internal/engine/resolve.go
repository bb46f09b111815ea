package engine

import (
	"context"

	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/resolver"
)

// resolve handles a rejected_conflict answer. Follow-up operations are
// appended and applied before the original is marked, so a crash in
// between re-resolves to the same derived ids and appends nothing new.
func (e *Engine) resolve(ctx context.Context, op ir.Operation, detail ir.ConflictDetail, report *CycleReport) error {
	res := resolver.Resolve(op, detail)

	depth, err := e.resolutionDepth(ctx, op)
	if err != nil {
		return err
	}
	if len(res.FollowUps) > 0 && depth >= e.maxDepth {
		res = resolver.Resolution{
			Name:         resolver.ResolutionUnresolved,
			Action:       resolver.ActionReject,
			Reason:       (&ResolutionDepthError{OperationID: op.ID, Depth: depth, Limit: e.maxDepth}).Error(),
			ManualReview: true,
		}
	}

	if len(res.FollowUps) > 0 {
		appended, err := e.log.AppendAll(ctx, res.FollowUps)
		if err != nil {
			return err
		}
		for _, f := range appended {
			if err := e.local.ApplyOperation(ctx, f); err != nil {
				return ir.NewDurabilityError("apply follow-up "+f.ID, err)
			}
		}
		report.FollowUps += len(appended)
	}

	var outcome ir.Status
	switch res.Action {
	case resolver.ActionAcknowledge:
		outcome = ir.StatusAcknowledged
		if err := e.log.MarkAcknowledged(ctx, []string{op.ID}); err != nil {
			return err
		}
		report.Acknowledged++
	case resolver.ActionSupersede:
		outcome = ir.StatusSuperseded
		if err := e.log.MarkSuperseded(ctx, op.ID, res.SupersededBy, res.Reason); err != nil {
			return err
		}
		report.Superseded++
	default:
		outcome = ir.StatusRejected
		if err := e.log.MarkRejected(ctx, op.ID, res.Reason); err != nil {
			return err
		}
		report.Rejected++
	}

	if err := e.local.Settle(ctx, op, outcome, detail); err != nil {
		return ir.NewDurabilityError("settle "+op.ID, err)
	}

	e.logger.Info("conflict resolved",
		"id", op.ID,
		"kind", op.Kind,
		"error", ir.NewConflictError(op.ID, detail),
		"resolution", res.Name,
		"outcome", outcome,
		"follow_ups", len(res.FollowUps),
	)

	rec := ir.ConflictRecord{
		Operation:    op,
		Server:       detail,
		Resolution:   res.Name,
		ManualReview: res.ManualReview,
	}
	rec.Operation.Status = outcome
	rec.Operation.Reason = res.Reason
	if e.sink != nil {
		// The conflict is already resolved locally; a failed audit write
		// must not undo or repeat it.
		if err := e.sink.RecordConflict(ctx, rec); err != nil {
			e.logger.Warn("conflict audit failed", "id", op.ID, "error", err)
		}
	}

	e.publish(events.Event{
		Kind:        events.KindConflictResolved,
		OperationID: op.ID,
		OpKind:      op.Kind,
		Resolution:  res.Name,
		Reason:      res.Reason,
	})
	if outcome == ir.StatusRejected {
		e.publish(events.Event{
			Kind:        events.KindOperationRejected,
			OperationID: op.ID,
			OpKind:      op.Kind,
			Reason:      res.Reason,
		})
	}
	if res.ManualReview {
		e.publish(events.Event{
			Kind:        events.KindManualReview,
			OperationID: op.ID,
			OpKind:      op.Kind,
			Resolution:  res.Name,
			Reason:      res.Reason,
		})
	}
	return nil
}
