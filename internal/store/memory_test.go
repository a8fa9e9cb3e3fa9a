package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acrosshouse/backend/internal/event"
)

func testDraft(n int) Draft {
	payload, _ := json.Marshal(map[string]int{"n": n})
	return Draft{Type: event.TypeChatMessage, Payload: payload, Timestamp: int64(n)}
}

func TestMemoryStore_AppendAssignsContiguousSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec, err := s.Append(ctx, event.StreamGame, "g1", testDraft(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), rec.Seq)
		assert.Equal(t, event.StreamGame, rec.StreamKind)
		assert.Equal(t, "g1", rec.StreamID)
	}

	// Streams are independent, across ids and across kinds.
	rec, err := s.Append(ctx, event.StreamGame, "g2", testDraft(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)
	rec, err = s.Append(ctx, event.StreamRoom, "g1", testDraft(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)
}

func TestMemoryStore_ConcurrentAppendsStayContiguous(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	const writers = 100

	var wg sync.WaitGroup
	seqs := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec, err := s.Append(ctx, event.StreamGame, "busy", testDraft(n))
			assert.NoError(t, err)
			seqs <- rec.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	var got []int64
	for seq := range seqs {
		got = append(got, seq)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	require.Len(t, got, writers)
	for i, seq := range got {
		assert.Equal(t, int64(i+1), seq, "every seq 1..N assigned exactly once")
	}

	events, err := s.Read(ctx, event.StreamGame, "busy", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, writers)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq, "read returns ascending seq order")
	}
}

func TestMemoryStore_ReadRanges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.Append(ctx, event.StreamGame, "g1", testDraft(i))
		require.NoError(t, err)
	}

	events, err := s.Read(ctx, event.StreamGame, "g1", 2, 4)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, int64(4), events[2].Seq)

	events, err = s.Read(ctx, event.StreamGame, "g1", 4, 0)
	require.NoError(t, err)
	require.Len(t, events, 2, "zero toSeq is unbounded")

	events, err = s.Read(ctx, event.StreamGame, "missing", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "unknown stream reads empty, not an error")
}

func TestMemoryStore_SnapshotSlot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetSnapshot(ctx, "g1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertSnapshot(ctx, "g1", []byte(`{"v":1}`), 10))
	require.NoError(t, s.UpsertSnapshot(ctx, "g1", []byte(`{"v":2}`), 20))

	snap, err := s.GetSnapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), snap.Seq, "one slot per stream, last write wins")
	assert.JSONEq(t, `{"v":2}`, string(snap.Data))
}

func TestMemoryStore_AppendCopiesPayload(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	payload := []byte(`{"text":"original"}`)
	rec, err := s.Append(ctx, event.StreamGame, "g1", Draft{
		Type: event.TypeChatMessage, Payload: payload, Timestamp: 1,
	})
	require.NoError(t, err)

	copy(payload, []byte(`{"text":"mutated!"}`))
	assert.JSONEq(t, `{"text":"original"}`, string(rec.Payload), "stored events are immutable")
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Append(ctx, event.StreamGame, "g1", testDraft(1))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Read(ctx, event.StreamGame, "g1", 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
