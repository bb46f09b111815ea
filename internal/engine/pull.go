package engine

import (
	"context"

	"github.com/roach88/tillsync/internal/ir"
)

// pull applies server changes page by page. The inbound watermark only
// moves after a page is applied, so a crash mid-pull refetches at most
// one page, which last-writer-wins makes harmless.
func (e *Engine) pull(ctx context.Context, report *CycleReport) error {
	cur, err := e.log.ReadCursor(ctx, e.terminalID, e.scope)
	if err != nil {
		return ir.NewDurabilityError("read cursor", err)
	}
	since := cur.InboundRevision

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		set, err := e.remote.PullChanges(ctx, since, e.pullLimit)
		if err != nil {
			return err
		}

		applied, err := e.local.ApplyRemoteChanges(ctx, set.Changes)
		if err != nil {
			return ir.NewDurabilityError("apply pulled changes", err)
		}
		report.Pulled += len(set.Changes)
		report.Applied += applied

		if set.Revision > since {
			if err := e.log.AdvanceInbound(ctx, e.terminalID, e.scope, set.Revision); err != nil {
				return err
			}
			since = set.Revision
		}

		e.logger.Debug("pulled changes", "count", len(set.Changes), "applied", applied, "revision", since)
		// A page that did not move the revision cannot make progress.
		if !set.More || len(set.Changes) == 0 {
			return nil
		}
	}
}
