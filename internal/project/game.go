// Package project folds event streams into typed state. The folds are pure:
// no I/O, no clock reads, deterministic for a given ordered event list.
// Store-aware replay (snapshot + tail) lives in service.go.
package project

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/acrosshouse/backend/internal/event"
)

// ErrNoCreateEvent is returned when a game stream does not begin with a
// create event. Distinct from an empty read of a valid stream.
var ErrNoCreateEvent = errors.New("project: game stream has no create event")

// CellState is one grid square of a game in progress.
type CellState struct {
	Value    string `json:"value"`
	Good     bool   `json:"good,omitempty"`
	Bad      bool   `json:"bad,omitempty"`
	Revealed bool   `json:"revealed,omitempty"`
	Pencil   bool   `json:"pencil,omitempty"`
	FilledBy string `json:"solvedBy,omitempty"`
}

// UserState tracks a participant's cursor.
type UserState struct {
	Cursor *event.Cell `json:"cursor,omitempty"`
	Color  string      `json:"color,omitempty"`
}

// ChatMessage is one entry of the in-game chat log.
type ChatMessage struct {
	UserID      string `json:"senderId"`
	DisplayName string `json:"sender"`
	Message     string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
}

// Clock is the game clock state machine. Two states: paused and running.
// TotalTime accumulates running time; TrueTotalTime is wall-clock since the
// create event, tracked through event timestamps only so the fold stays pure.
type Clock struct {
	Paused        bool  `json:"paused"`
	TotalTime     int64 `json:"totalTime"`     // ms of accumulated running time
	TrueTotalTime int64 `json:"trueTotalTime"` // ms since create
	LastUpdated   int64 `json:"lastUpdated"`   // ts of the last transition
	CreatedAt     int64 `json:"createdAt"`
}

// GameState is the projection of a game stream.
type GameState struct {
	PID      string                `json:"pid"`
	Info     event.PuzzleInfo      `json:"info"`
	Grid     [][]CellState         `json:"grid"`
	Solution [][]string            `json:"solution"`
	Clues    event.Clues           `json:"clues"`
	Circles  []int                 `json:"circles,omitempty"`
	Shades   []int                 `json:"shades,omitempty"`
	Users    map[string]*UserState `json:"users"`
	Chat     []ChatMessage         `json:"chat"`
	Clock    Clock                 `json:"clock"`
	Solved   bool                  `json:"solved"`
	Seq      int64                 `json:"seq"` // seq of the last applied event
}

// Game folds a full game stream. The first event must be create.
func Game(events []event.Event) (*GameState, error) {
	if len(events) == 0 || events[0].Type != event.TypeCreate {
		return nil, ErrNoCreateEvent
	}

	payload, err := event.DecodePayload(&events[0])
	if err != nil {
		return nil, err
	}
	create := payload.(*event.CreatePayload)

	st := newGameState(create, events[0].Timestamp)
	st.Seq = events[0].Seq

	return GameFrom(st, events[1:])
}

// GameFrom applies a tail of events to an existing state (a snapshot or a
// freshly created one). The state is mutated and returned.
func GameFrom(st *GameState, tail []event.Event) (*GameState, error) {
	for i := range tail {
		if err := applyGame(st, &tail[i]); err != nil {
			return nil, err
		}
		st.Seq = tail[i].Seq
		if ts := tail[i].Timestamp; ts > st.Clock.CreatedAt {
			st.Clock.TrueTotalTime = ts - st.Clock.CreatedAt
		}
	}
	return st, nil
}

func newGameState(create *event.CreatePayload, ts int64) *GameState {
	g := &create.Game

	grid := make([][]CellState, len(g.Grid))
	for r, row := range g.Grid {
		grid[r] = make([]CellState, len(row))
		for c, v := range row {
			grid[r][c] = CellState{Value: v}
		}
	}

	pid := create.PID
	if pid == "" {
		pid = g.PID
	}

	return &GameState{
		PID:      pid,
		Info:     g.Info,
		Grid:     grid,
		Solution: g.Solution,
		Clues:    g.Clues,
		Circles:  g.Circles,
		Shades:   g.Shades,
		Users:    make(map[string]*UserState),
		Chat:     []ChatMessage{},
		Clock:    Clock{Paused: true, CreatedAt: ts, LastUpdated: ts},
	}
}

func applyGame(st *GameState, e *event.Event) error {
	switch e.Type {
	case event.TypeCreate:
		// A second create is malformed input; the fold tolerates it as a
		// no-op so one bad historical event cannot brick a stream replay.
		return nil

	case event.TypeCellFill:
		p, err := decodeCell(e)
		if err != nil {
			return err
		}
		if cell := st.cell(p.Row, p.Col); cell != nil {
			cell.Value = p.Value
			cell.Bad = false
			cell.Pencil = p.Pencil
			if e.UserID != "" {
				cell.FilledBy = e.UserID
			}
		}

	case event.TypeCellClear:
		p, err := decodeCell(e)
		if err != nil {
			return err
		}
		for _, c := range p.Cells() {
			if cell := st.cell(c.Row, c.Col); cell != nil && !cell.Revealed {
				cell.Value = ""
				cell.Pencil = false
				cell.Good = false
				cell.Bad = false
			}
		}

	case event.TypeCellCheck:
		p, err := decodeCell(e)
		if err != nil {
			return err
		}
		for _, c := range p.Cells() {
			cell := st.cell(c.Row, c.Col)
			if cell == nil || cell.Value == "" {
				continue
			}
			if cell.Value == st.solutionAt(c.Row, c.Col) {
				cell.Good = true
				cell.Bad = false
			} else {
				cell.Good = false
				cell.Bad = true
			}
		}

	case event.TypeCellReveal:
		p, err := decodeCell(e)
		if err != nil {
			return err
		}
		for _, c := range p.Cells() {
			if cell := st.cell(c.Row, c.Col); cell != nil {
				cell.Value = st.solutionAt(c.Row, c.Col)
				cell.Revealed = true
				cell.Bad = false
				cell.Pencil = false
			}
		}

	case event.TypeCursorMove:
		payload, err := event.DecodePayload(e)
		if err != nil {
			return err
		}
		p := payload.(*event.CursorPayload)
		uid := p.UserID
		if uid == "" {
			uid = e.UserID
		}
		if uid == "" {
			return nil
		}
		u := st.Users[uid]
		if u == nil {
			u = &UserState{}
			st.Users[uid] = u
		}
		u.Cursor = &event.Cell{Row: p.Row, Col: p.Col}
		if p.Color != "" {
			u.Color = p.Color
		}

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

	case event.TypeClockUpdate:
		payload, err := event.DecodePayload(e)
		if err != nil {
			return err
		}
		applyClock(&st.Clock, payload.(*event.ClockPayload), e.Timestamp)

	case event.TypePuzzleSolved:
		payload, err := event.DecodePayload(e)
		if err != nil {
			return err
		}
		p := payload.(*event.SolvedPayload)
		st.Solved = true
		if p.TotalTimeMs > 0 {
			st.Clock.TotalTime = p.TotalTimeMs
		}

	default:
		return fmt.Errorf("project: unknown game event type %q at seq %d", e.Type, e.Seq)
	}
	return nil
}

// applyClock runs the clock state machine. Redundant transitions (start
// while running, pause while paused) are idempotent no-ops.
func applyClock(c *Clock, p *event.ClockPayload, ts int64) {
	switch p.Action {
	case event.ClockStart, event.ClockResume:
		if !c.Paused {
			return
		}
		c.Paused = false
		c.LastUpdated = ts
	case event.ClockPause:
		if c.Paused {
			return
		}
		c.Paused = true
		if p.TotalTimeMs != nil {
			// The client's accumulated value wins when carried; it accounts
			// for time the server never saw (offline solving).
			c.TotalTime = *p.TotalTimeMs
		} else if ts > c.LastUpdated {
			c.TotalTime += ts - c.LastUpdated
		}
		c.LastUpdated = ts
	}
}

func (st *GameState) cell(r, c int) *CellState {
	if r < 0 || r >= len(st.Grid) || c < 0 || c >= len(st.Grid[r]) {
		return nil
	}
	return &st.Grid[r][c]
}

func (st *GameState) solutionAt(r, c int) string {
	if r < 0 || r >= len(st.Solution) || c < 0 || c >= len(st.Solution[r]) {
		return ""
	}
	return st.Solution[r][c]
}

// Complete reports whether every white cell matches the solution. Black
// cells (solution ".") are skipped.
func (st *GameState) Complete() bool {
	for r := range st.Solution {
		for c := range st.Solution[r] {
			sol := st.Solution[r][c]
			if sol == "." || sol == "" {
				continue
			}
			if st.Grid[r][c].Value != sol {
				return false
			}
		}
	}
	return true
}

func decodeCell(e *event.Event) (*event.CellPayload, error) {
	payload, err := event.DecodePayload(e)
	if err != nil {
		return nil, err
	}
	return payload.(*event.CellPayload), nil
}

// MarshalSnapshot serializes a state for the snapshot slot.
func MarshalSnapshot(st *GameState) ([]byte, error) {
	return json.Marshal(st)
}

// UnmarshalSnapshot restores a state from the snapshot slot.
func UnmarshalSnapshot(data []byte) (*GameState, error) {
	var st GameState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("project: decode snapshot: %w", err)
	}
	if st.Users == nil {
		st.Users = make(map[string]*UserState)
	}
	return &st, nil
}
