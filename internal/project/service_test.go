package project

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acrosshouse/backend/internal/event"
	"github.com/acrosshouse/backend/internal/store"
)

// seedGame appends the given stream into a fresh memory store.
func seedGame(t *testing.T, st *store.MemoryStore, events []event.Event) {
	t.Helper()
	for _, e := range events {
		_, err := st.Append(context.Background(), event.StreamGame, e.StreamID, store.Draft{
			Type:      e.Type,
			Payload:   e.Payload,
			UserID:    e.UserID,
			Timestamp: e.Timestamp,
		})
		require.NoError(t, err)
	}
}

func TestService_GameStateFullReplay(t *testing.T) {
	mem := store.NewMemoryStore()
	seedGame(t, mem, testStream(t,
		gameEvent(t, event.TypeCellFill, event.CellPayload{Row: 0, Col: 0, Value: "A"}),
	))

	st, err := NewService(mem).GameState(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "A", st.Grid[0][0].Value)
	assert.Equal(t, int64(2), st.Seq)
}

func TestService_GameStateMissingStream(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	_, err := svc.GameState(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoCreateEvent)
}

func TestService_SnapshotShortensReplay(t *testing.T) {
	mem := store.NewMemoryStore()
	events := testStream(t,
		gameEvent(t, event.TypeCellFill, event.CellPayload{Row: 0, Col: 0, Value: "A"}),
		gameEvent(t, event.TypeCellFill, event.CellPayload{Row: 0, Col: 1, Value: "B"}),
	)
	seedGame(t, mem, events)

	// Snapshot at seq 2, then project: the result must match a full replay.
	prefix, err := Game(events[:2])
	require.NoError(t, err)
	data, err := MarshalSnapshot(prefix)
	require.NoError(t, err)
	require.NoError(t, mem.UpsertSnapshot(context.Background(), "g1", data, prefix.Seq))

	fromSnap, err := NewService(mem).GameState(context.Background(), "g1")
	require.NoError(t, err)
	full, err := Game(events)
	require.NoError(t, err)

	a, err := json.Marshal(full)
	require.NoError(t, err)
	b, err := json.Marshal(fromSnap)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestService_StaleSnapshotIgnored(t *testing.T) {
	mem := store.NewMemoryStore()
	events := testStream(t,
		gameEvent(t, event.TypeCellFill, event.CellPayload{Row: 0, Col: 0, Value: "A"}),
	)
	seedGame(t, mem, events)

	// Snapshot claims seq 50 but the stream only reaches 2.
	bogus, err := Game(events)
	require.NoError(t, err)
	bogus.Seq = 50
	data, err := MarshalSnapshot(bogus)
	require.NoError(t, err)
	require.NoError(t, mem.UpsertSnapshot(context.Background(), "g1", data, 50))

	st, err := NewService(mem).GameState(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Seq, "stale snapshot falls back to full replay")
	assert.Equal(t, "A", st.Grid[0][0].Value)
}

func TestService_SnapshotWrittenAfterInterval(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := NewService(mem)
	svc.snapshotInterval = 3

	seedGame(t, mem, testStream(t,
		gameEvent(t, event.TypeCellFill, event.CellPayload{Row: 0, Col: 0, Value: "A"}),
		gameEvent(t, event.TypeCellFill, event.CellPayload{Row: 0, Col: 1, Value: "B"}),
		gameEvent(t, event.TypeCellFill, event.CellPayload{Row: 1, Col: 0, Value: "C"}),
	))

	_, err := svc.GameState(context.Background(), "g1")
	require.NoError(t, err)

	snap, err := mem.GetSnapshot(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Seq)

	restored, err := UnmarshalSnapshot(snap.Data)
	require.NoError(t, err)
	assert.Equal(t, "C", restored.Grid[1][0].Value)
}

func TestService_RoomState(t *testing.T) {
	mem := store.NewMemoryStore()
	appendRoom := func(typ event.Type, payload interface{}, ts int64) {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		_, err = mem.Append(context.Background(), event.StreamRoom, "r1", store.Draft{
			Type: typ, Payload: data, Timestamp: ts,
		})
		require.NoError(t, err)
	}

	appendRoom(event.TypeUserJoin, event.JoinPayload{UserID: "u1", DisplayName: "Ada"}, 1000)
	appendRoom(event.TypeUserJoin, event.JoinPayload{UserID: "u2", DisplayName: "Bob"}, 2000)
	appendRoom(event.TypeChatMessage, event.ChatPayload{UserID: "u1", Message: "hi"}, 3000)
	appendRoom(event.TypeSettingsUpdate, event.SettingsPayload{
		Settings: map[string]json.RawMessage{"allowChat": json.RawMessage("true")},
	}, 4000)
	appendRoom(event.TypeUserLeave, event.LeavePayload{UserID: "u2"}, 5000)

	st, err := NewService(mem).RoomState(context.Background(), "r1")
	require.NoError(t, err)

	require.Len(t, st.Members, 1)
	assert.Equal(t, "Ada", st.Members["u1"].DisplayName)
	assert.Equal(t, int64(1000), st.Members["u1"].JoinedAt)
	require.Len(t, st.Chat, 1)
	assert.JSONEq(t, "true", string(st.Settings["allowChat"]))
	assert.Equal(t, int64(5), st.Seq)
}

func TestRoom_RejoinKeepsJoinedAt(t *testing.T) {
	events := []event.Event{
		{Seq: 1, Type: event.TypeUserJoin, Timestamp: 1000,
			Payload: mustJSON(t, event.JoinPayload{UserID: "u1", DisplayName: "Ada"})},
		{Seq: 2, Type: event.TypeUserJoin, Timestamp: 9000,
			Payload: mustJSON(t, event.JoinPayload{UserID: "u1", DisplayName: "Ada L."})},
	}
	st, err := Room("r1", events)
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", st.Members["u1"].DisplayName)
	assert.Equal(t, int64(1000), st.Members["u1"].JoinedAt, "rejoin updates the name, not the join time")
}
