// Package hub delivers realtime events to stream subscribers on every
// instance. The pipeline is persist-then-broadcast: an event draft is
// normalized, appended through the store (which assigns its seq), and only
// then fanned out to local subscribers and published on the cross-instance
// bus. A failed append broadcasts nothing.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acrosshouse/backend/internal/bus"
	"github.com/acrosshouse/backend/internal/event"
	"github.com/acrosshouse/backend/internal/metrics"
	"github.com/acrosshouse/backend/internal/store"
)

const (
	// DefaultQueueSize bounds each subscriber's outbound queue. Overflow
	// drops that subscriber rather than backing up the stream.
	DefaultQueueSize = 1024

	// storeTimeout caps individual store calls made on the publish path.
	storeTimeout = 5 * time.Second

	// syncTimeout caps a full-stream read for reconnecting clients.
	syncTimeout = 30 * time.Second

	// reorderTimeout is how long a bus-sourced event may wait for its
	// predecessors before the gap is filled from the store.
	reorderTimeout = 250 * time.Millisecond
)

// Draft is a client-submitted event before persistence.
type Draft struct {
	Type    event.Type
	Payload json.RawMessage
	UserID  string
	Version int
}

// Envelope is the bus message wrapping a stored event. OriginID lets the
// originating instance suppress its own echo.
type Envelope struct {
	OriginID   string           `json:"origin_id"`
	StreamKind event.StreamKind `json:"stream_kind"`
	StreamID   string           `json:"stream_id"`
	Event      *event.Event     `json:"event_record"`
}

// streamState is everything the hub tracks for one stream with local
// interest: its subscribers, the publish serializer, the bus subscription
// and the bus-side reorder state.
type streamState struct {
	pub      sync.Mutex // serializes local publishes for this stream
	subs     map[*Subscriber]struct{}
	ord      orderer
	busUnsub func()
}

// Hub is the per-instance fan-out layer.
type Hub struct {
	store    store.EventStore
	bus      bus.Bus // nil when running single-instance
	originID string

	mu      sync.RWMutex
	streams map[string]*streamState
	bySub   map[*Subscriber]map[string]struct{}

	queueSize int
	logger    *log.Logger
	closed    bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBus attaches a cross-instance bus.
func WithBus(b bus.Bus) Option {
	return func(h *Hub) { h.bus = b }
}

// WithQueueSize overrides the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// New creates a Hub over the given event store.
func New(st store.EventStore, opts ...Option) *Hub {
	h := &Hub{
		store:     st,
		originID:  uuid.New().String(),
		streams:   make(map[string]*streamState),
		bySub:     make(map[*Subscriber]map[string]struct{}),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = log.New(log.Writer(), fmt.Sprintf("[Hub:%s] ", h.originID[:8]), log.LstdFlags)
	return h
}

// OriginID identifies this instance in bus envelopes.
func (h *Hub) OriginID() string { return h.originID }

func streamKey(kind event.StreamKind, id string) string {
	return string(kind) + ":" + id
}

// Publish normalizes a draft, persists it and broadcasts the stored record.
// Returns the stored event or the append error; nothing is broadcast on
// failure.
func (h *Hub) Publish(ctx context.Context, kind event.StreamKind, streamID string, d Draft) (*event.Event, error) {
	draft := &event.Event{
		StreamKind: kind,
		StreamID:   streamID,
		Type:       d.Type,
		Payload:    d.Payload,
		UserID:     d.UserID,
		Version:    d.Version,
	}
	if err := event.Validate(kind, streamID, draft); err != nil {
		return nil, err
	}

	now := event.Now()
	payload, err := event.NormalizeTimestamps(d.Payload, now)
	if err != nil {
		return nil, fmt.Errorf("%w: normalize payload: %v", event.ErrValidation, err)
	}

	// Shape check after normalization. Events are immutable: a payload that
	// does not decode would fail every future replay of the stream, so it
	// must never reach the store.
	draft.Payload = payload
	if _, err := event.DecodePayload(draft); err != nil {
		return nil, err
	}

	st := h.stream(kind, streamID)

	// Serialize the local append+fanout per stream so subscribers observe
	// events in persisted order without a local reorder pass.
	st.pub.Lock()
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	rec, err := h.store.Append(storeCtx, kind, streamID, store.Draft{
		Type:      d.Type,
		Payload:   payload,
		UserID:    d.UserID,
		Timestamp: now,
		Version:   d.Version,
	})
	cancel()
	if err != nil {
		st.pub.Unlock()
		if errors.Is(err, store.ErrConflict) {
			metrics.AppendConflicts.Inc()
		}
		return nil, err
	}
	st.ord.advanceTo(rec.Seq)
	st.pub.Unlock()

	metrics.EventsAppended.WithLabelValues(string(kind)).Inc()
	h.fanout(streamKey(kind, streamID), rec)
	h.publishToBus(kind, streamID, rec)
	return rec, nil
}

// Sync returns the full persisted stream in seq order. Used on reconnect;
// the caller reconstructs state through the projector.
func (h *Hub) Sync(ctx context.Context, kind event.StreamKind, streamID string) ([]event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	return h.store.Read(ctx, kind, streamID, 0, 0)
}

// publishToBus is best effort: cross-instance delivery degrades, local
// correctness does not.
func (h *Hub) publishToBus(kind event.StreamKind, streamID string, rec *event.Event) {
	if h.bus == nil {
		return
	}
	env := Envelope{
		OriginID:   h.originID,
		StreamKind: kind,
		StreamID:   streamID,
		Event:      rec,
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Printf("bus envelope marshal failed for %s:%s: %v", kind, streamID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.bus.Publish(ctx, streamKey(kind, streamID), data); err != nil {
		h.logger.Printf("bus publish failed for %s:%s seq %d: %v", kind, streamID, rec.Seq, err)
		return
	}
	metrics.BusPublished.Inc()
}

// stream returns the state for a key, creating it on first use.
func (h *Hub) stream(kind event.StreamKind, id string) *streamState {
	key := streamKey(kind, id)

	h.mu.RLock()
	st := h.streams[key]
	h.mu.RUnlock()
	if st != nil {
		return st
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if st = h.streams[key]; st != nil {
		return st
	}
	st = &streamState{subs: make(map[*Subscriber]struct{})}
	st.ord.init()
	h.streams[key] = st
	return st
}

// fanout enqueues a stored event to every local subscriber of the stream.
// The subscriber set is snapshotted under the read lock; queue sends are
// non-blocking and overflow drops the offending subscriber only.
func (h *Hub) fanout(key string, rec *event.Event) {
	h.mu.RLock()
	st := h.streams[key]
	var targets []*Subscriber
	if st != nil {
		targets = make([]*Subscriber, 0, len(st.subs))
		for sub := range st.subs {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	var dropped []*Subscriber
	for _, sub := range targets {
		if sub.offer(rec) {
			metrics.EventsDelivered.Inc()
		} else {
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		h.logger.Printf("subscriber %s queue full on %s, dropping subscriber", sub.ID, key)
		metrics.SubscribersDropped.Inc()
		h.Remove(sub)
	}
}
