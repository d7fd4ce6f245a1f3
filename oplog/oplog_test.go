package oplog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/tree"
	"collabtext/wire"
)

func op(doc, client string, seq uint64) wire.Frame {
	return wire.Op(doc, wire.OpID{ClientID: client, ClientSeq: seq}, []tree.Change{
		{Kind: tree.KindRemove, Target: "x", Parent: "root"},
	})
}

func TestMemoryLogOrdersPerDocument(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()

	s1, err := l.Append(ctx, op("a", "c1", 1))
	require.NoError(t, err)
	s2, err := l.Append(ctx, op("b", "c1", 2))
	require.NoError(t, err)
	s3, err := l.Append(ctx, op("a", "c2", 1))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, []int64{s1, s2, s3})

	all, err := l.Since(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].Seq)
	assert.Equal(t, int64(3), all[1].Seq)

	tail, err := l.Since(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "c2", tail[0].ClientID)
}

func TestMemoryBusDeliversToDocumentSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBus()

	chA, stopA, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer stopA()
	chB, stopB, err := b.Subscribe(ctx, "b")
	require.NoError(t, err)
	defer stopB()

	require.NoError(t, b.Publish(ctx, "a", op("a", "c1", 1)))

	select {
	case f := <-chA:
		assert.Equal(t, "c1", f.ClientID)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
	select {
	case f := <-chB:
		t.Fatalf("unexpected frame on other document: %+v", f)
	default:
	}
}

func TestMemoryBusClosesOnContextEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBus()
	ch, _, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.NoError(t, b.Publish(context.Background(), "a", op("a", "c1", 1)))
}

func TestMemoryLogIgnoresResentOps(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	first, err := l.Append(ctx, op("a", "c1", 1))
	require.NoError(t, err)
	again, err := l.Append(ctx, op("a", "c1", 1))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	all, err := l.Since(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryBusDropsSlowSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBus()
	slow, stop, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer stop()

	for i := range 257 {
		require.NoError(t, b.Publish(ctx, "a", op("a", "c1", uint64(i+1))))
	}

	got := 0
	for range slow {
		got++
	}
	assert.Equal(t, 256, got, "buffered frames are kept, then the channel closes")

	fresh, stopFresh, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer stopFresh()
	require.NoError(t, b.Publish(ctx, "a", op("a", "c1", 300)))
	f := <-fresh
	assert.Equal(t, uint64(300), f.ClientSeq)
}
