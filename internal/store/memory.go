package store

import (
	"context"
	"sync"
	"time"

	"github.com/acrosshouse/backend/internal/event"
)

// MemoryStore implements EventStore in process memory. Used by tests and as
// the dev fallback when no DATABASE_URL is configured. A single mutex per
// store stands in for the per-stream advisory lock; contention is irrelevant
// at this scale and the semantics match: appends to a stream serialize,
// seq is contiguous from 1.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]event.Event
	snapshots map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]event.Event),
		snapshots: make(map[string]Snapshot),
	}
}

func memKey(kind event.StreamKind, streamID string) string {
	return string(kind) + ":" + streamID
}

// Append implements EventStore.Append.
func (s *MemoryStore) Append(ctx context.Context, kind event.StreamKind, streamID string, d Draft) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(kind, streamID)
	version := d.Version
	if version == 0 {
		version = 1
	}

	payload := make([]byte, len(d.Payload))
	copy(payload, d.Payload)

	e := event.Event{
		StreamKind: kind,
		StreamID:   streamID,
		Seq:        int64(len(s.streams[key])) + 1,
		Type:       d.Type,
		Payload:    payload,
		UserID:     d.UserID,
		Timestamp:  d.Timestamp,
		Version:    version,
	}
	s.streams[key] = append(s.streams[key], e)
	return &e, nil
}

// Read implements EventStore.Read.
func (s *MemoryStore) Read(ctx context.Context, kind event.StreamKind, streamID string, fromSeq, toSeq int64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.streams[memKey(kind, streamID)]
	if fromSeq <= 0 {
		fromSeq = 1
	}

	var out []event.Event
	for _, e := range all {
		if e.Seq < fromSeq || (toSeq > 0 && e.Seq > toSeq) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// GetSnapshot implements EventStore.GetSnapshot.
func (s *MemoryStore) GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	return &snap, nil
}

// UpsertSnapshot implements EventStore.UpsertSnapshot.
func (s *MemoryStore) UpsertSnapshot(ctx context.Context, streamID string, data []byte, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	snap, ok := s.snapshots[streamID]
	if !ok {
		snap = Snapshot{StreamID: streamID, CreatedAt: now}
	}
	snap.Data = append([]byte(nil), data...)
	snap.Seq = seq
	snap.UpdatedAt = now
	s.snapshots[streamID] = snap
	return nil
}
