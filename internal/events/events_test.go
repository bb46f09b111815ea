package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishAssignsSequence(t *testing.T) {
	b := NewBus(0)

	first := b.Publish(Event{Kind: KindCycleStarted})
	second := b.Publish(Event{Kind: KindCycleFinished})

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.False(t, first.At.IsZero())
}

func TestBus_PollFIFO(t *testing.T) {
	b := NewBus(10)
	for _, k := range []Kind{KindCycleStarted, KindOperationRejected, KindCycleFinished} {
		b.Publish(Event{Kind: k})
	}

	got := b.Poll(2)
	require.Len(t, got, 2)
	assert.Equal(t, KindCycleStarted, got[0].Kind)
	assert.Equal(t, KindOperationRejected, got[1].Kind)

	rest := b.Poll(0)
	require.Len(t, rest, 1)
	assert.Equal(t, KindCycleFinished, rest[0].Kind)

	assert.Empty(t, b.Poll(0))
}

func TestBus_BacklogOverflowDropsOldest(t *testing.T) {
	b := NewBus(2)
	b.Publish(Event{OperationID: "a"})
	b.Publish(Event{OperationID: "b"})
	b.Publish(Event{OperationID: "c"})

	got := b.Poll(0)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].OperationID)
	assert.Equal(t, "c", got[1].OperationID)
	assert.Equal(t, int64(1), b.Dropped())
}

func TestBus_SubscribeReceivesAndCountsDrops(t *testing.T) {
	b := NewBus(100)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Kind: KindManualReview, OperationID: "op-1"})
	b.Publish(Event{Kind: KindManualReview, OperationID: "op-2"}) // buffer full

	ev := <-ch
	assert.Equal(t, "op-1", ev.OperationID)
	assert.Equal(t, int64(1), b.Dropped())

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := NewBus(0)
	ch, cancel := b.Subscribe(4)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic or count drops.
	b.Publish(Event{Kind: KindCycleStarted})
	assert.Zero(t, b.Dropped())
}

func TestBus_Close(t *testing.T) {
	b := NewBus(0)
	ch, cancel := b.Subscribe(4)
	b.Close()
	b.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	_, ok = <-b.Wait()
	assert.False(t, ok)

	b.Publish(Event{Kind: KindCycleStarted})
	assert.Empty(t, b.Poll(0))

	late, _ := b.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestBus_WaitSignals(t *testing.T) {
	b := NewBus(0)
	b.Publish(Event{Kind: KindCycleStarted})
	b.Publish(Event{Kind: KindCycleFinished})

	select {
	case <-b.Wait():
	default:
		t.Fatal("expected a pending signal")
	}
	assert.Len(t, b.Poll(0), 2)
}
