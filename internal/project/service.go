package project

import (
	"context"
	"errors"
	"log/slog"

	"github.com/acrosshouse/backend/internal/event"
	"github.com/acrosshouse/backend/internal/store"
)

// DefaultSnapshotInterval is how many events past the last snapshot a game
// stream may grow before the service writes a fresh snapshot. Snapshots are
// an optimization only; changing the interval never changes projection
// output.
const DefaultSnapshotInterval = 100

// Service reads streams from the store and projects them, using the
// per-game snapshot slot to bound replay length.
type Service struct {
	store            store.EventStore
	snapshotInterval int64
}

func NewService(s store.EventStore) *Service {
	return &Service{store: s, snapshotInterval: DefaultSnapshotInterval}
}

// GameState projects the current state of a game. When a valid snapshot
// exists, only the tail after it is replayed; an invalid snapshot (its seq
// exceeds the persisted stream) is ignored and the full stream replayed.
func (s *Service) GameState(ctx context.Context, gid string) (*GameState, error) {
	snap, err := s.store.GetSnapshot(ctx, gid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if snap != nil {
		st, err := s.gameFromSnapshot(ctx, gid, snap)
		if err == nil {
			s.maybeSnapshot(ctx, gid, snap.Seq, st)
			return st, nil
		}
		slog.Warn("snapshot replay failed, falling back to full replay",
			"gid", gid, "snapshot_seq", snap.Seq, "error", err)
	}

	events, err := s.store.Read(ctx, event.StreamGame, gid, 0, 0)
	if err != nil {
		return nil, err
	}
	st, err := Game(events)
	if err != nil {
		return nil, err
	}
	s.maybeSnapshot(ctx, gid, 0, st)
	return st, nil
}

var errStaleSnapshot = errors.New("project: snapshot seq exceeds persisted stream")

// gameFromSnapshot replays the tail on top of a snapshot. Reading from the
// snapshot's own seq doubles as the validity check: if the event at that seq
// is missing, the snapshot claims history the store does not have.
func (s *Service) gameFromSnapshot(ctx context.Context, gid string, snap *store.Snapshot) (*GameState, error) {
	tail, err := s.store.Read(ctx, event.StreamGame, gid, snap.Seq, 0)
	if err != nil {
		return nil, err
	}
	if len(tail) == 0 || tail[0].Seq != snap.Seq {
		return nil, errStaleSnapshot
	}

	st, err := UnmarshalSnapshot(snap.Data)
	if err != nil {
		return nil, err
	}
	return GameFrom(st, tail[1:])
}

// RoomState projects the current state of a room. Room streams are short
// lived and are always replayed in full.
func (s *Service) RoomState(ctx context.Context, rid string) (*RoomState, error) {
	events, err := s.store.Read(ctx, event.StreamRoom, rid, 0, 0)
	if err != nil {
		return nil, err
	}
	return Room(rid, events)
}

// maybeSnapshot writes a fresh snapshot when the replayed tail has grown
// past the interval. Best effort: a failed write only costs the next reader
// a longer replay.
func (s *Service) maybeSnapshot(ctx context.Context, gid string, snapSeq int64, st *GameState) {
	if st.Seq-snapSeq < s.snapshotInterval {
		return
	}
	data, err := MarshalSnapshot(st)
	if err != nil {
		slog.Warn("snapshot marshal failed", "gid", gid, "error", err)
		return
	}
	if err := s.store.UpsertSnapshot(ctx, gid, data, st.Seq); err != nil {
		slog.Warn("snapshot write failed", "gid", gid, "seq", st.Seq, "error", err)
	}
}
