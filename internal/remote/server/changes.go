package server

import (
	"context"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// Changes returns up to limit changes in scope with revision greater than
// since, oldest first. The returned revision is the last one included, or
// since when nothing is newer. More is set when the page is full.
func (s *Server) Changes(ctx context.Context, scope ir.Scope, since int64, limit int) (ir.ChangeSet, error) {
	if err := scope.Validate(); err != nil {
		return ir.ChangeSet{}, err
	}
	if limit <= 0 {
		limit = DefaultChangeLimit
	}
	if limit > MaxChangeLimit {
		limit = MaxChangeLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT revision, entity, entity_id, data FROM changes
		WHERE tenant_id = ? AND store_id = ? AND revision > ?
		ORDER BY revision ASC
		LIMIT ?
	`, scope.TenantID, scope.StoreID, since, limit)
	if err != nil {
		return ir.ChangeSet{}, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	set := ir.ChangeSet{Revision: since, Changes: []ir.Change{}}
	for rows.Next() {
		c := ir.Change{Scope: scope}
		var data string
		if err := rows.Scan(&c.Revision, &c.Entity, &c.EntityID, &data); err != nil {
			return ir.ChangeSet{}, fmt.Errorf("scan change: %w", err)
		}
		c.Data = []byte(data)
		set.Changes = append(set.Changes, c)
		set.Revision = c.Revision
	}
	if err := rows.Err(); err != nil {
		return ir.ChangeSet{}, fmt.Errorf("iterate changes: %w", err)
	}
	set.More = len(set.Changes) == limit
	return set, nil
}
