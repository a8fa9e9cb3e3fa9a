package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acrosshouse/backend/internal/bus"
	"github.com/acrosshouse/backend/internal/event"
	"github.com/acrosshouse/backend/internal/metrics"
	"github.com/acrosshouse/backend/internal/store"
)

func chatDraft(text string) Draft {
	payload, _ := json.Marshal(event.ChatPayload{UserID: "u1", Message: text})
	return Draft{Type: event.TypeChatMessage, Payload: payload, UserID: "u1"}
}

// receive pops the next pushed event or fails the test.
func receive(t *testing.T, sub *Subscriber) *event.Event {
	t.Helper()
	select {
	case rec := <-sub.Events():
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed event")
		return nil
	}
}

func assertSilent(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case rec := <-sub.Events():
		t.Fatalf("unexpected extra event seq %d", rec.Seq)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestHub_PublishPersistsThenPushes(t *testing.T) {
	mem := store.NewMemoryStore()
	h := New(mem)
	ctx := context.Background()

	sub := h.NewSubscriber()
	defer h.Remove(sub)
	h.Join(sub, event.StreamGame, "g1")

	rec, err := h.Publish(ctx, event.StreamGame, "g1", chatDraft("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)

	pushed := receive(t, sub)
	assert.Equal(t, rec.Seq, pushed.Seq)
	assert.Equal(t, event.TypeChatMessage, pushed.Type)

	// The push is the persisted record, not the draft.
	stored, err := mem.Read(ctx, event.StreamGame, "g1", 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].Seq, pushed.Seq)
}

func TestHub_PublishRejectsInvalidDraft(t *testing.T) {
	mem := store.NewMemoryStore()
	h := New(mem)
	ctx := context.Background()

	_, err := h.Publish(ctx, event.StreamGame, "g1", Draft{Type: "bogus", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, event.ErrValidation)

	_, err = h.Publish(ctx, event.StreamRoom, "r1", chatDraft("ok"))
	require.NoError(t, err, "chat is valid on rooms too")

	stored, err := mem.Read(ctx, event.StreamGame, "g1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, stored, "rejected drafts persist nothing")
}

func TestHub_PublishRejectsUndecodablePayload(t *testing.T) {
	mem := store.NewMemoryStore()
	h := New(mem)
	ctx := context.Background()

	// A payload of the wrong JSON shape would fail every later replay of
	// the stream, so the publish itself must fail.
	_, err := h.Publish(ctx, event.StreamGame, "g1", Draft{
		Type: event.TypeCellFill, Payload: json.RawMessage(`[1,2,3]`),
	})
	require.ErrorIs(t, err, event.ErrValidation)

	_, err = h.Publish(ctx, event.StreamGame, "g1", Draft{
		Type: event.TypeCellFill, Payload: json.RawMessage(`{"row":"zero","col":0}`),
	})
	require.ErrorIs(t, err, event.ErrValidation, "field type mismatch is rejected too")

	stored, err := mem.Read(ctx, event.StreamGame, "g1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, stored, "nothing is persisted for a rejected draft")
}

func TestHub_PublishNormalizesSentinel(t *testing.T) {
	mem := store.NewMemoryStore()
	h := New(mem)

	payload := json.RawMessage(`{"senderId":"u1","text":"hi","timestamp":{".sv":"timestamp"}}`)
	rec, err := h.Publish(context.Background(), event.StreamGame, "g1", Draft{
		Type: event.TypeChatMessage, Payload: payload, UserID: "u1",
	})
	require.NoError(t, err)

	var decoded event.ChatPayload
	require.NoError(t, json.Unmarshal(rec.Payload, &decoded))
	assert.Greater(t, decoded.Timestamp, int64(0), "sentinel replaced before append")
}

func TestHub_SubscriberOnlySeesJoinedStreams(t *testing.T) {
	h := New(store.NewMemoryStore())
	ctx := context.Background()

	sub := h.NewSubscriber()
	defer h.Remove(sub)
	h.Join(sub, event.StreamGame, "g1")

	_, err := h.Publish(ctx, event.StreamGame, "g2", chatDraft("other stream"))
	require.NoError(t, err)
	_, err = h.Publish(ctx, event.StreamGame, "g1", chatDraft("mine"))
	require.NoError(t, err)

	pushed := receive(t, sub)
	assert.Equal(t, "g1", pushed.StreamID)
	assertSilent(t, sub)

	h.Leave(sub, event.StreamGame, "g1")
	_, err = h.Publish(ctx, event.StreamGame, "g1", chatDraft("after leave"))
	require.NoError(t, err)
	assertSilent(t, sub)
}

func TestHub_Sync(t *testing.T) {
	h := New(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.Publish(ctx, event.StreamGame, "g1", chatDraft("msg"))
		require.NoError(t, err)
	}

	events, err := h.Sync(ctx, event.StreamGame, "g1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestHub_FanoutReachesAllSubscribers(t *testing.T) {
	h := New(store.NewMemoryStore())
	ctx := context.Background()

	subs := make([]*Subscriber, 3)
	for i := range subs {
		subs[i] = h.NewSubscriber()
		defer h.Remove(subs[i])
		h.Join(subs[i], event.StreamGame, "g1")
	}

	rec, err := h.Publish(ctx, event.StreamGame, "g1", chatDraft("to everyone"))
	require.NoError(t, err)

	for _, sub := range subs {
		pushed := receive(t, sub)
		assert.Equal(t, rec.Seq, pushed.Seq)
	}
}

func TestHub_SlowSubscriberIsDropped(t *testing.T) {
	h := New(store.NewMemoryStore(), WithQueueSize(1))
	ctx := context.Background()

	slow := h.NewSubscriber()
	h.Join(slow, event.StreamGame, "g1")

	// First publish fills the queue, second overflows it.
	_, err := h.Publish(ctx, event.StreamGame, "g1", chatDraft("one"))
	require.NoError(t, err)
	_, err = h.Publish(ctx, event.StreamGame, "g1", chatDraft("two"))
	require.NoError(t, err, "a slow consumer never fails the publisher")

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("overflowed subscriber was not dropped")
	}

	// The stream itself is unaffected.
	rec, err := h.Publish(ctx, event.StreamGame, "g1", chatDraft("three"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Seq)
}

func TestHub_RemoveIsIdempotent(t *testing.T) {
	h := New(store.NewMemoryStore())
	sub := h.NewSubscriber()
	h.Join(sub, event.StreamGame, "g1")

	h.Remove(sub)
	h.Remove(sub) // second call must not panic or double-close
}

func TestHub_CrossInstanceDelivery(t *testing.T) {
	mem := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	defer b.Close()

	hubA := New(mem, WithBus(b))
	hubB := New(mem, WithBus(b))
	ctx := context.Background()

	subB := hubB.NewSubscriber()
	defer hubB.Remove(subB)
	hubB.Join(subB, event.StreamGame, "g1")

	// Establish B's baseline with the first event, then stream the rest.
	_, err := hubA.Publish(ctx, event.StreamGame, "g1", chatDraft("msg 1"))
	require.NoError(t, err)
	first := receive(t, subB)
	assert.Equal(t, int64(1), first.Seq)

	const total = 5
	for i := 2; i <= total; i++ {
		_, err := hubA.Publish(ctx, event.StreamGame, "g1", chatDraft("msg"))
		require.NoError(t, err)
	}

	// The bus delivers unordered; the hub must push in seq order regardless.
	for want := int64(2); want <= total; want++ {
		rec := receive(t, subB)
		assert.Equal(t, want, rec.Seq)
	}
	assertSilent(t, subB)
}

func TestHub_OwnEchoSuppressed(t *testing.T) {
	mem := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	defer b.Close()

	h := New(mem, WithBus(b))
	ctx := context.Background()

	sub := h.NewSubscriber()
	defer h.Remove(sub)
	h.Join(sub, event.StreamGame, "g1")

	_, err := h.Publish(ctx, event.StreamGame, "g1", chatDraft("once"))
	require.NoError(t, err)

	rec := receive(t, sub)
	assert.Equal(t, int64(1), rec.Seq)
	assertSilent(t, sub)
}

func TestHub_ShutdownDropsSubscribers(t *testing.T) {
	h := New(store.NewMemoryStore())
	sub := h.NewSubscriber()
	h.Join(sub, event.StreamGame, "g1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.Shutdown(ctx)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not signalled on shutdown")
	}
}

func TestOrderer_OutOfOrderFirstMessages(t *testing.T) {
	mem := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	defer b.Close()

	h := New(mem, WithBus(b))
	ctx := context.Background()

	sub := h.NewSubscriber()
	defer h.Remove(sub)
	h.Join(sub, event.StreamGame, "g1")

	// Two events persisted elsewhere arrive over the bus newest first.
	var recs []*event.Event
	for i := 0; i < 2; i++ {
		rec, err := mem.Append(ctx, event.StreamGame, "g1", store.Draft{
			Type: event.TypeChatMessage, Payload: json.RawMessage(`{"senderId":"u1","text":"m"}`),
		})
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	for _, rec := range []*event.Event{recs[1], recs[0]} {
		env, err := json.Marshal(Envelope{
			OriginID:   "remote-instance",
			StreamKind: event.StreamGame,
			StreamID:   "g1",
			Event:      rec,
		})
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, "game:g1", env))
	}

	// Both must come out, in seq order; the earlier one is not a duplicate.
	assert.Equal(t, int64(1), receive(t, sub).Seq)
	assert.Equal(t, int64(2), receive(t, sub).Seq)
	assertSilent(t, sub)
}

func TestHub_AppendConflictMetricCountsOnlyConflicts(t *testing.T) {
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.AppendConflicts)

	h := New(&failingStore{EventStore: store.NewMemoryStore(), err: store.ErrBackendUnavailable})
	_, err := h.Publish(ctx, event.StreamGame, "g1", chatDraft("x"))
	require.ErrorIs(t, err, store.ErrBackendUnavailable)
	assert.Equal(t, before, testutil.ToFloat64(metrics.AppendConflicts),
		"an outage is not a sequence conflict")

	h = New(&failingStore{EventStore: store.NewMemoryStore(), err: store.ErrConflict})
	_, err = h.Publish(ctx, event.StreamGame, "g1", chatDraft("x"))
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AppendConflicts))
}

// failingStore fails every append with a fixed error.
type failingStore struct {
	store.EventStore
	err error
}

func (f *failingStore) Append(context.Context, event.StreamKind, string, store.Draft) (*event.Event, error) {
	return nil, f.err
}

func TestOrderer_DuplicatesFromBusIgnored(t *testing.T) {
	mem := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	defer b.Close()

	hubA := New(mem, WithBus(b))
	hubB := New(mem, WithBus(b))
	ctx := context.Background()

	subB := hubB.NewSubscriber()
	defer hubB.Remove(subB)
	hubB.Join(subB, event.StreamGame, "g1")

	rec, err := hubA.Publish(ctx, event.StreamGame, "g1", chatDraft("dup me"))
	require.NoError(t, err)
	require.Equal(t, rec.Seq, receive(t, subB).Seq)

	// Replay the same envelope by hand, as a flaky broker would.
	env, err := json.Marshal(Envelope{
		OriginID:   hubA.OriginID(),
		StreamKind: event.StreamGame,
		StreamID:   "g1",
		Event:      rec,
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "game:g1", env))

	assertSilent(t, subB)
}
