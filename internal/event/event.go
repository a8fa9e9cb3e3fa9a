// Package event defines the immutable event model shared by the store, the
// projector and the stream hub. Every user action on a game or room is one
// Event; current state is always a fold over the stream.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamKind distinguishes the two stream families.
type StreamKind string

const (
	StreamGame StreamKind = "game"
	StreamRoom StreamKind = "room"
)

// Type is the closed set of event tags. Unknown tags fail loud at decode
// time — a silently dropped event would break seq contiguity for replayers.
type Type string

// Game events.
const (
	TypeCreate       Type = "create"
	TypeCellFill     Type = "cell_fill"
	TypeCellClear    Type = "cell_clear"
	TypeCellCheck    Type = "cell_check"
	TypeCellReveal   Type = "cell_reveal"
	TypeCursorMove   Type = "cursor_move"
	TypeChatMessage  Type = "chat_message"
	TypeClockUpdate  Type = "clock_update"
	TypePuzzleSolved Type = "puzzle_solved"
)

// Room events. TypeChatMessage is shared with games.
const (
	TypeUserJoin       Type = "user_join"
	TypeUserLeave      Type = "user_leave"
	TypeSettingsUpdate Type = "room_settings_update"
)

var gameTypes = map[Type]bool{
	TypeCreate: true, TypeCellFill: true, TypeCellClear: true,
	TypeCellCheck: true, TypeCellReveal: true, TypeCursorMove: true,
	TypeChatMessage: true, TypeClockUpdate: true, TypePuzzleSolved: true,
}

var roomTypes = map[Type]bool{
	TypeUserJoin: true, TypeUserLeave: true,
	TypeChatMessage: true, TypeSettingsUpdate: true,
}

// Valid reports whether t is a known tag for the given stream kind.
func (t Type) Valid(kind StreamKind) bool {
	switch kind {
	case StreamGame:
		return gameTypes[t]
	case StreamRoom:
		return roomTypes[t]
	}
	return false
}

// Event is the common envelope. Seq is assigned by the store at append time;
// a draft sent by a client has Seq == 0.
type Event struct {
	StreamKind StreamKind      `json:"stream_kind"`
	StreamID   string          `json:"stream_id"`
	Seq        int64           `json:"seq"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	UserID     string          `json:"user_id,omitempty"`
	Timestamp  int64           `json:"timestamp"` // ms since epoch
	Version    int             `json:"schema_version"`
}

// Key identifies the stream an event belongs to.
func (e *Event) Key() string {
	return string(e.StreamKind) + ":" + e.StreamID
}

// Cell addresses one grid square.
type Cell struct {
	Row int `json:"r"`
	Col int `json:"c"`
}

// CellPayload is carried by the four cell_* events. Scope, when present,
// lists every cell the event applies to (bulk reveal/check of a word or the
// whole puzzle); otherwise the event targets the single (Row, Col).
type CellPayload struct {
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	Value   string `json:"value,omitempty"`
	Pencil  bool   `json:"pencil,omitempty"`
	Scope   []Cell `json:"scope,omitempty"`
	AutoFix bool   `json:"autofix,omitempty"`
}

// Cells returns the distinct set of cells the payload addresses.
func (p *CellPayload) Cells() []Cell {
	if len(p.Scope) == 0 {
		return []Cell{{Row: p.Row, Col: p.Col}}
	}
	seen := make(map[Cell]bool, len(p.Scope))
	out := make([]Cell, 0, len(p.Scope))
	for _, c := range p.Scope {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// CursorPayload is carried by cursor_move.
type CursorPayload struct {
	Row       int    `json:"r"`
	Col       int    `json:"c"`
	UserID    string `json:"id"`
	Color     string `json:"color,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ChatPayload is carried by chat_message on both stream kinds.
type ChatPayload struct {
	UserID      string `json:"senderId"`
	DisplayName string `json:"sender"`
	Message     string `json:"text"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// Clock actions.
const (
	ClockStart  = "start"
	ClockPause  = "pause"
	ClockResume = "resume"
)

// ClockPayload is carried by clock_update.
type ClockPayload struct {
	Action      string `json:"action"`
	TotalTimeMs *int64 `json:"totalTime,omitempty"`
}

// SolvedPayload is carried by puzzle_solved.
type SolvedPayload struct {
	SolvedAt    int64 `json:"solvedAt,omitempty"`
	TotalTimeMs int64 `json:"totalTime,omitempty"`
}

// JoinPayload is carried by user_join; LeavePayload by user_leave.
type JoinPayload struct {
	UserID      string `json:"uid"`
	DisplayName string `json:"displayName"`
}

type LeavePayload struct {
	UserID string `json:"uid"`
}

// SettingsPayload is carried by room_settings_update. Settings are merged
// key-by-key into the room state.
type SettingsPayload struct {
	Settings map[string]json.RawMessage `json:"settings"`
}

// GameView is the initial board carried by a create event: everything a
// client needs to render the puzzle plus the solution used for check/reveal.
type GameView struct {
	Info     PuzzleInfo `json:"info"`
	Grid     [][]string `json:"grid"`
	Solution [][]string `json:"solution"`
	Clues    Clues      `json:"clues"`
	Circles  []int      `json:"circles,omitempty"`
	Shades   []int      `json:"shades,omitempty"`
	PID      string     `json:"pid"`
}

// PuzzleInfo mirrors content.info on the puzzle row.
type PuzzleInfo struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Type        string `json:"type"`
	Copyright   string `json:"copyright,omitempty"`
	Description string `json:"description,omitempty"`
}

// Clues indexes clue text by answer number.
type Clues struct {
	Across []string `json:"across"`
	Down   []string `json:"down"`
}

// CreatePayload is carried by create.
type CreatePayload struct {
	Game GameView `json:"game"`
	PID  string   `json:"pid"`
}

// Validate checks the envelope of a client-submitted draft. The store
// performs no validation of its own; this is the single gate.
func Validate(kind StreamKind, streamID string, e *Event) error {
	if streamID == "" {
		return fmt.Errorf("%w: empty stream id", ErrValidation)
	}
	if !e.Type.Valid(kind) {
		return fmt.Errorf("%w: unknown %s event type %q", ErrValidation, kind, e.Type)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing payload for %q", ErrValidation, e.Type)
	}
	return nil
}

// DecodePayload unmarshals the payload into its type-specific shape and
// returns it. Used by the projector and the solve service; callers that only
// forward events never decode.
func DecodePayload(e *Event) (interface{}, error) {
	var dst interface{}
	switch e.Type {
	case TypeCreate:
		dst = &CreatePayload{}
	case TypeCellFill, TypeCellClear, TypeCellCheck, TypeCellReveal:
		dst = &CellPayload{}
	case TypeCursorMove:
		dst = &CursorPayload{}
	case TypeChatMessage:
		dst = &ChatPayload{}
	case TypeClockUpdate:
		dst = &ClockPayload{}
	case TypePuzzleSolved:
		dst = &SolvedPayload{}
	case TypeUserJoin:
		dst = &JoinPayload{}
	case TypeUserLeave:
		dst = &LeavePayload{}
	case TypeSettingsUpdate:
		dst = &SettingsPayload{}
	default:
		return nil, fmt.Errorf("%w: no payload shape for type %q", ErrValidation, e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return nil, fmt.Errorf("%w: decode %q payload: %v", ErrValidation, e.Type, err)
	}
	return dst, nil
}

// Now returns the current wall clock in the millisecond representation used
// throughout the event model.
func Now() int64 {
	return time.Now().UnixMilli()
}
