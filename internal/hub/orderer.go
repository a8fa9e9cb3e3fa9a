package hub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/acrosshouse/backend/internal/event"
	"github.com/acrosshouse/backend/internal/metrics"
)

// orderer restores per-stream seq order for bus-sourced events. The bus may
// deliver out of order or twice; the persisted seq is the canonical order.
// A small reorder window buffers events arriving ahead of a gap; when the
// window expires the gap is filled from the store.
//
// lastSeq == 0 means this instance has delivered nothing for the stream
// yet. With no baseline, every incoming event is held in the reorder window
// so an earlier seq still in flight is not mistaken for a duplicate; the
// flush then adopts the earliest buffered seq as the lower bound
// (subscribers Sync at join, so the prefix before it is never owed to them).
type orderer struct {
	mu      sync.Mutex
	lastSeq int64
	pending map[int64]*event.Event
	timer   *time.Timer
}

func (o *orderer) init() {
	o.pending = make(map[int64]*event.Event)
}

// advanceTo records a locally published seq as delivered and discards any
// pending bus copies it supersedes.
func (o *orderer) advanceTo(seq int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq > o.lastSeq {
		o.lastSeq = seq
	}
	for s := range o.pending {
		if s <= o.lastSeq {
			delete(o.pending, s)
		}
	}
}

// onBusMessage handles one envelope from the bus channel of a stream.
func (h *Hub) onBusMessage(kind event.StreamKind, streamID string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Printf("bus envelope decode failed on %s:%s: %v", kind, streamID, err)
		return
	}
	if env.Event == nil {
		return
	}
	if env.OriginID == h.originID {
		metrics.BusReceived.WithLabelValues("echo").Inc()
		return
	}

	st := h.stream(kind, streamID)
	key := streamKey(kind, streamID)
	o := &st.ord

	o.mu.Lock()
	defer o.mu.Unlock()

	seq := env.Event.Seq
	switch {
	case o.lastSeq > 0 && seq <= o.lastSeq:
		metrics.BusReceived.WithLabelValues("duplicate").Inc()

	case o.lastSeq > 0 && seq == o.lastSeq+1:
		o.lastSeq = seq
		h.fanout(key, env.Event)
		metrics.BusReceived.WithLabelValues("delivered").Inc()
		h.drainPendingLocked(key, o)

	default:
		// No baseline yet, or ahead of a gap: hold it in the reorder
		// window so an earlier event still in flight can slot in first.
		o.pending[seq] = env.Event
		metrics.BusReceived.WithLabelValues("buffered").Inc()
		if o.timer == nil {
			o.timer = time.AfterFunc(reorderTimeout, func() {
				h.flushStream(kind, streamID)
			})
		}
	}
}

// drainPendingLocked delivers consecutively sequenced pending events and
// stops the window timer once nothing is left waiting.
func (h *Hub) drainPendingLocked(key string, o *orderer) {
	for {
		next, ok := o.pending[o.lastSeq+1]
		if !ok {
			break
		}
		delete(o.pending, o.lastSeq+1)
		o.lastSeq++
		h.fanout(key, next)
		metrics.BusReceived.WithLabelValues("delivered").Inc()
	}
	if len(o.pending) == 0 && o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// flushStream runs when the reorder window expires with a gap still open:
// the missing range is read back from the store, delivered, and the pending
// buffer drained on top of it.
func (h *Hub) flushStream(kind event.StreamKind, streamID string) {
	st := h.stream(kind, streamID)
	key := streamKey(kind, streamID)
	o := &st.ord

	o.mu.Lock()
	defer o.mu.Unlock()
	o.timer = nil
	if len(o.pending) == 0 {
		return
	}

	if o.lastSeq == 0 {
		// Adopt the earliest buffered seq as the baseline; the store read
		// below starts there and picks up anything persisted in between.
		min := int64(0)
		for s := range o.pending {
			if min == 0 || s < min {
				min = s
			}
		}
		o.lastSeq = min - 1
	}

	metrics.GapFills.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	gap, err := h.store.Read(ctx, kind, streamID, o.lastSeq+1, 0)
	cancel()
	if err != nil {
		h.logger.Printf("gap fill read failed for %s: %v; delivering buffered events as-is", key, err)
		// Best effort: deliver what we buffered in seq order. Clients that
		// notice the gap resync.
		seqs := make([]int64, 0, len(o.pending))
		for s := range o.pending {
			seqs = append(seqs, s)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, s := range seqs {
			h.fanout(key, o.pending[s])
			if s > o.lastSeq {
				o.lastSeq = s
			}
		}
		o.pending = make(map[int64]*event.Event)
		return
	}

	for i := range gap {
		rec := &gap[i]
		if rec.Seq <= o.lastSeq {
			continue
		}
		delete(o.pending, rec.Seq)
		o.lastSeq = rec.Seq
		h.fanout(key, rec)
		metrics.BusReceived.WithLabelValues("delivered").Inc()
	}
	// Anything still pending was persisted after our read; it drains once
	// its predecessor arrives or the next window expires.
	if len(o.pending) > 0 && o.timer == nil {
		o.timer = time.AfterFunc(reorderTimeout, func() {
			h.flushStream(kind, streamID)
		})
	}
}
