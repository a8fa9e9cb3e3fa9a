package hub

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acrosshouse/backend/internal/event"
	"github.com/acrosshouse/backend/internal/metrics"
)

// Subscriber is one consumer of stream pushes, usually a websocket
// connection. Its queue is bounded; the hub never blocks on a slow
// subscriber and drops it instead when the queue overflows.
type Subscriber struct {
	ID   string
	ch   chan *event.Event
	done chan struct{}
}

// NewSubscriber registers a new subscriber with an empty stream set.
func (h *Hub) NewSubscriber() *Subscriber {
	sub := &Subscriber{
		ID:   uuid.New().String(),
		ch:   make(chan *event.Event, h.queueSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.bySub[sub] = make(map[string]struct{})
	h.mu.Unlock()
	metrics.Subscribers.Inc()
	return sub
}

// Events is the subscriber's outbound queue.
func (s *Subscriber) Events() <-chan *event.Event { return s.ch }

// Done is closed when the hub drops the subscriber (backpressure or
// shutdown). The transport must stop reading Events and close its
// connection.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// offer enqueues without blocking. False means the queue is full and the
// subscriber must be dropped.
func (s *Subscriber) offer(rec *event.Event) bool {
	select {
	case <-s.done:
		return true // already dropping, not an overflow
	default:
	}
	select {
	case s.ch <- rec:
		return true
	default:
		return false
	}
}

// Join subscribes sub to a stream. The first local subscriber of a stream
// also opens the bus subscription for its channel.
func (h *Hub) Join(sub *Subscriber, kind event.StreamKind, streamID string) {
	st := h.stream(kind, streamID)
	key := streamKey(kind, streamID)

	h.mu.Lock()
	if _, ok := h.bySub[sub]; !ok {
		h.mu.Unlock()
		return // already removed
	}
	st.subs[sub] = struct{}{}
	h.bySub[sub][key] = struct{}{}
	needBus := h.bus != nil && st.busUnsub == nil && !h.closed
	h.mu.Unlock()

	if needBus {
		unsub, err := h.bus.Subscribe(context.Background(), key, func(data []byte) {
			h.onBusMessage(kind, streamID, data)
		})
		if err != nil {
			h.logger.Printf("bus subscribe failed for %s: %v (cross-instance delivery off)", key, err)
			return
		}
		h.mu.Lock()
		if st.busUnsub == nil && !h.closed {
			st.busUnsub = unsub
		} else {
			h.mu.Unlock()
			unsub()
			return
		}
		h.mu.Unlock()
	}
}

// Leave unsubscribes sub from one stream.
func (h *Hub) Leave(sub *Subscriber, kind event.StreamKind, streamID string) {
	key := streamKey(kind, streamID)

	h.mu.Lock()
	var busUnsub func()
	if st := h.streams[key]; st != nil {
		delete(st.subs, sub)
		if len(st.subs) == 0 && st.busUnsub != nil {
			busUnsub = st.busUnsub
			st.busUnsub = nil
		}
	}
	if keys := h.bySub[sub]; keys != nil {
		delete(keys, key)
	}
	h.mu.Unlock()

	if busUnsub != nil {
		busUnsub()
	}
}

// Remove drops a subscriber from every stream and signals it to close.
// Idempotent; called on disconnect, backpressure overflow and shutdown.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	keys, ok := h.bySub[sub]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.bySub, sub)

	var busUnsubs []func()
	for key := range keys {
		st := h.streams[key]
		if st == nil {
			continue
		}
		delete(st.subs, sub)
		if len(st.subs) == 0 && st.busUnsub != nil {
			busUnsubs = append(busUnsubs, st.busUnsub)
			st.busUnsub = nil
		}
	}
	h.mu.Unlock()

	for _, unsub := range busUnsubs {
		unsub()
	}
	close(sub.done)
	metrics.Subscribers.Dec()
}

// Shutdown drops all subscribers and waits for their queues to drain until
// the context expires. Transports observe Done and finish writing what is
// already queued.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.bySub))
	for sub := range h.bySub {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.Remove(sub)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		drained := true
		for _, sub := range subs {
			if len(sub.ch) > 0 {
				drained = false
				break
			}
		}
		if drained {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
