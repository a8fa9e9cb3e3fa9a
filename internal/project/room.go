package project

import (
	"encoding/json"
	"fmt"

	"github.com/acrosshouse/backend/internal/event"
)

// Member is one present user of a room.
type Member struct {
	DisplayName string `json:"displayName"`
	JoinedAt    int64  `json:"joinedAt"`
}

// RoomState is the projection of a room stream. Rooms have no create event;
// the zero state is an empty lobby.
type RoomState struct {
	RID      string                     `json:"rid"`
	Members  map[string]Member          `json:"users"`
	Settings map[string]json.RawMessage `json:"settings"`
	Chat     []ChatMessage              `json:"chat"`
	Seq      int64                      `json:"seq"`
}

// Room folds a room stream.
func Room(rid string, events []event.Event) (*RoomState, error) {
	st := &RoomState{
		RID:      rid,
		Members:  make(map[string]Member),
		Settings: make(map[string]json.RawMessage),
		Chat:     []ChatMessage{},
	}
	return RoomFrom(st, events)
}

// RoomFrom applies a tail of events to an existing room state.
func RoomFrom(st *RoomState, tail []event.Event) (*RoomState, error) {
	for i := range tail {
		if err := applyRoom(st, &tail[i]); err != nil {
			return nil, err
		}
		st.Seq = tail[i].Seq
	}
	return st, nil
}

func applyRoom(st *RoomState, e *event.Event) error {
	switch e.Type {
	case event.TypeUserJoin:
		payload, err := event.DecodePayload(e)
		if err != nil {
			return err
		}
		p := payload.(*event.JoinPayload)
		uid := p.UserID
		if uid == "" {
			uid = e.UserID
		}
		if uid == "" {
			return nil
		}
		m, ok := st.Members[uid]
		if !ok {
			m = Member{JoinedAt: e.Timestamp}
		}
		m.DisplayName = p.DisplayName
		st.Members[uid] = m

	case event.TypeUserLeave:
		payload, err := event.DecodePayload(e)
		if err != nil {
			return err
		}
		p := payload.(*event.LeavePayload)
		uid := p.UserID
		if uid == "" {
			uid = e.UserID
		}
		delete(st.Members, uid)

	case event.TypeChatMessage:
		payload, err := event.DecodePayload(e)
		if err != nil {
			return err
		}
		p := payload.(*event.ChatPayload)
		ts := p.Timestamp
		if ts == 0 {
			ts = e.Timestamp
		}
		st.Chat = append(st.Chat, ChatMessage{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Message:     p.Message,
			Timestamp:   ts,
		})

	case event.TypeSettingsUpdate:
		payload, err := event.DecodePayload(e)
		if err != nil {
			return err
		}
		p := payload.(*event.SettingsPayload)
		for k, v := range p.Settings {
			st.Settings[k] = v
		}

	default:
		return fmt.Errorf("project: unknown room event type %q at seq %d", e.Type, e.Seq)
	}
	return nil
}
