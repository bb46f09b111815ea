package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
)

func TestReplaySet_ExcludesDeadAndSuperseded(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2", "op-3", "op-4", "op-5"} {
		_, err := s.Append(ctx, stockOp(id, "p-1", -1))
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkAcknowledged(ctx, []string{"op-1"}))
	require.NoError(t, s.MarkRejected(ctx, "op-2", "x"))
	require.NoError(t, s.MarkSuperseded(ctx, "op-3", "op-4", "clamped"))
	require.NoError(t, s.MarkSubmitted(ctx, []string{"op-5"}))

	set, err := s.ReplaySet(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1", "op-4", "op-5"}, ids(set))
}

func TestReplaySet_KeepsSupersededCustomerCreate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	create := ir.Operation{
		ID:         "op-1",
		Scope:      testScope,
		TerminalID: "term-1",
		Payload:    ir.CustomerCreate{CustomerID: "c-1", Name: "Ann", Email: "ann@example.com"},
	}
	relabel := ir.Operation{
		ID:         "op-2",
		Scope:      testScope,
		TerminalID: "term-1",
		Payload:    ir.CustomerRelabel{CustomerID: "c-1", DuplicateOf: "c-srv"},
	}
	_, err := s.AppendAll(ctx, []ir.Operation{create, relabel, stockOp("op-3", "p-1", -1), stockOp("op-4", "p-1", 1)})
	require.NoError(t, err)
	require.NoError(t, s.MarkSuperseded(ctx, "op-1", "op-2", "customer exists on server as c-srv"))
	require.NoError(t, s.MarkSuperseded(ctx, "op-3", "op-4", "clamped"))

	set, err := s.ReplaySet(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1", "op-2", "op-4"}, ids(set))
	assert.Equal(t, ir.StatusSuperseded, set[0].Status)
}

func TestSummarize(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2", "op-3"} {
		_, err := s.Append(ctx, stockOp(id, "p-1", -1))
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkRejected(ctx, "op-1", "x"))

	summary, err := s.Summarize(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.HighWater)
	assert.Equal(t, 2, summary.Counts[ir.StatusPending])
	assert.Equal(t, 1, summary.Counts[ir.StatusRejected])
}
