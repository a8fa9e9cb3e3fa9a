// Package handlers is the HTTP boundary of the core: puzzle catalog CRUD,
// game creation, projected state reads and solve recording. Ingest
// validation happens here; the core receives typed inputs.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/acrosshouse/backend/internal/event"
	"github.com/acrosshouse/backend/internal/puzzle"
	"github.com/acrosshouse/backend/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, event.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, puzzle.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict, retry"})
	case errors.Is(err, store.ErrBackendUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type createPuzzleRequest struct {
	PID       string         `json:"pid"`
	IsPublic  *bool          `json:"is_public,omitempty"`
	Content   puzzle.Content `json:"content"`
	CreatedBy string         `json:"created_by,omitempty"`
}

// HandleCreatePuzzle inserts a puzzle into the catalog.
func HandleCreatePuzzle(catalog puzzle.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createPuzzleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.PID == "" || len(req.Content.Solution) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pid and content.solution are required"})
			return
		}

		p := &puzzle.Puzzle{
			PID:       req.PID,
			IsPublic:  true,
			Content:   req.Content,
			CreatedBy: req.CreatedBy,
		}
		if req.IsPublic != nil {
			p.IsPublic = *req.IsPublic
		}
		if err := catalog.Create(r.Context(), p); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

// HandleGetPuzzle returns one puzzle by pid.
func HandleGetPuzzle(catalog puzzle.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := catalog.FindByPid(r.Context(), mux.Vars(r)["pid"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// HandleDeletePuzzle removes one puzzle by pid.
func HandleDeletePuzzle(catalog puzzle.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := catalog.Delete(r.Context(), mux.Vars(r)["pid"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListPuzzles serves the paginated public listing. Query params:
// types (repeatable or comma separated), search, limit, offset.
func HandleListPuzzles(catalog puzzle.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var types []string
		for _, raw := range q["types"] {
			for _, t := range strings.Split(raw, ",") {
				if t = strings.TrimSpace(t); t != "" {
					types = append(types, t)
				}
			}
		}

		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))

		listings, err := catalog.ListPublic(r.Context(), puzzle.ListFilter{
			Types:  types,
			Search: q.Get("search"),
		}, limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		if listings == nil {
			listings = []puzzle.Listing{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"puzzles": listings,
			"count":   len(listings),
		})
	}
}
