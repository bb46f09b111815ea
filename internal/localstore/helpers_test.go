package localstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/store"
)

var testScope = ir.Scope{TenantID: "tenant-a", StoreID: "store-1"}

// createTestStore opens an operation log in a temp dir and builds the
// local store on its handle.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	ls, err := New(context.Background(), log.DB(), testScope)
	require.NoError(t, err)
	return ls
}

func op(id string, p ir.Payload) ir.Operation {
	return ir.Operation{
		ID:         id,
		Scope:      testScope,
		TerminalID: "term-1",
		Kind:       p.Kind(),
		Payload:    p,
	}
}

func sale(saleID string, lines ...ir.SaleLine) ir.SaleCreate {
	s := ir.SaleCreate{SaleID: saleID, SessionID: "sess-1", Lines: lines}
	s.Total, _ = s.LineTotal()
	return s
}

func change(rev int64, entity, id string, data any) ir.Change {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return ir.Change{Revision: rev, Scope: testScope, Entity: entity, EntityID: id, Data: raw}
}

func ptr(v int64) *int64 { return &v }
