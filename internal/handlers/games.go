package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/acrosshouse/backend/internal/event"
	"github.com/acrosshouse/backend/internal/hub"
	"github.com/acrosshouse/backend/internal/project"
	"github.com/acrosshouse/backend/internal/puzzle"
	"github.com/acrosshouse/backend/internal/solve"
)

type createGameRequest struct {
	PID    string `json:"pid"`
	GID    string `json:"gid,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// HandleCreateGame starts a new solve session: it looks the puzzle up,
// derives the blank board and emits the game's create event through the hub
// as the stream's first act.
func HandleCreateGame(catalog puzzle.Catalog, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createGameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.PID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pid is required"})
			return
		}

		p, err := catalog.FindByPid(r.Context(), req.PID)
		if err != nil {
			writeError(w, err)
			return
		}

		gid := req.GID
		if gid == "" {
			gid = uuid.New().String()
		}

		payload, err := json.Marshal(event.CreatePayload{
			Game: p.Content.GameView(p.PID),
			PID:  p.PID,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		rec, err := h.Publish(r.Context(), event.StreamGame, gid, hub.Draft{
			Type:    event.TypeCreate,
			Payload: payload,
			UserID:  req.UserID,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"gid": gid,
			"pid": p.PID,
			"seq": rec.Seq,
		})
	}
}

// HandleGetGameState serves the projected state of a game.
func HandleGetGameState(projector *project.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := projector.GameState(r.Context(), mux.Vars(r)["gid"])
		if err != nil {
			if err == project.ErrNoCreateEvent {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "game not found"})
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// HandleGetRoomState serves the projected state of a room.
func HandleGetRoomState(projector *project.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := projector.RoomState(r.Context(), mux.Vars(r)["rid"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type recordSolveRequest struct {
	PID                string `json:"pid"`
	TimeToSolveSeconds int64  `json:"time_to_solve_seconds"`
}

// HandleRecordSolve records a completed game. Idempotent per (pid, gid).
func HandleRecordSolve(svc *solve.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gid := mux.Vars(r)["gid"]

		var req recordSolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.PID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pid is required"})
			return
		}

		rec, err := svc.RecordSolve(r.Context(), req.PID, gid, req.TimeToSolveSeconds)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}
