// Package store persists the append-only event streams. The store is the
// sole arbiter of per-stream ordering: Append assigns the next sequence
// number at insert time, and the UNIQUE(stream_id, seq) index enforces that
// every stream is the contiguous prefix 1..N.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/acrosshouse/backend/internal/event"
)

var (
	// ErrConflict is returned when the per-stream sequence race was not
	// resolved within the retry budget.
	ErrConflict = errors.New("store: sequence conflict")

	// ErrBackendUnavailable wraps transport/store outages. Callers may retry.
	ErrBackendUnavailable = errors.New("store: backend unavailable")

	// ErrNotFound is returned for missing snapshots.
	ErrNotFound = errors.New("store: not found")
)

// Draft is an event as submitted for appending. Seq and the stream identity
// are assigned by the store.
type Draft struct {
	Type      event.Type
	Payload   []byte
	UserID    string
	Timestamp int64
	Version   int
}

// Snapshot is the single cached projection slot per stream. Correctness
// never depends on its presence; a snapshot whose seq exceeds the persisted
// stream is ignored by readers.
type Snapshot struct {
	StreamID  string
	Data      []byte
	Seq       int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventStore persists and reads the per-stream event logs. Implementations
// must be safe for concurrent callers.
type EventStore interface {
	// Append persists one event with the next sequence number for the
	// stream and returns the stored record. Returns ErrConflict when the
	// sequence race persists past the retry budget.
	Append(ctx context.Context, kind event.StreamKind, streamID string, d Draft) (*event.Event, error)

	// Read returns events for the stream ordered by ascending seq.
	// fromSeq/toSeq bound the range inclusively; zero means unbounded.
	Read(ctx context.Context, kind event.StreamKind, streamID string, fromSeq, toSeq int64) ([]event.Event, error)

	// GetSnapshot returns the stream's snapshot slot or ErrNotFound.
	GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error)

	// UpsertSnapshot overwrites the stream's snapshot slot. One-writer-wins;
	// a stale snapshot only wastes a replay.
	UpsertSnapshot(ctx context.Context, streamID string, data []byte, seq int64) error
}

// Retry parameters for the append path. The unique index is the correctness
// backstop; retry is the liveness mechanism.
const (
	appendRetryBase = 10 * time.Millisecond
	appendRetryMax  = 5
)
