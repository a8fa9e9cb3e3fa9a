package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acrosshouse/backend/internal/hub"
	"github.com/acrosshouse/backend/internal/project"
	"github.com/acrosshouse/backend/internal/puzzle"
	"github.com/acrosshouse/backend/internal/solve"
	"github.com/acrosshouse/backend/internal/store"
)

// testAPI wires the full in-memory stack behind a mux router, the same
// routes the server binds.
func testAPI(t *testing.T) *mux.Router {
	t.Helper()

	mem := store.NewMemoryStore()
	catalog := puzzle.NewMemoryCatalog()
	h := hub.New(mem)
	projector := project.NewService(mem)
	solveSvc := solve.NewService(mem, solve.NewMemoryRepository(catalog))

	r := mux.NewRouter()
	r.HandleFunc("/api/puzzles", HandleCreatePuzzle(catalog)).Methods("POST")
	r.HandleFunc("/api/puzzles", HandleListPuzzles(catalog)).Methods("GET")
	r.HandleFunc("/api/puzzles/{pid}", HandleGetPuzzle(catalog)).Methods("GET")
	r.HandleFunc("/api/puzzles/{pid}", HandleDeletePuzzle(catalog)).Methods("DELETE")
	r.HandleFunc("/api/games", HandleCreateGame(catalog, h)).Methods("POST")
	r.HandleFunc("/api/games/{gid}", HandleGetGameState(projector)).Methods("GET")
	r.HandleFunc("/api/games/{gid}/solve", HandleRecordSolve(solveSvc)).Methods("POST")
	r.HandleFunc("/api/rooms/{rid}", HandleGetRoomState(projector)).Methods("GET")
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func createTestPuzzle(t *testing.T, r http.Handler, pid string) {
	t.Helper()
	rec := doJSON(t, r, "POST", "/api/puzzles", map[string]interface{}{
		"pid": pid,
		"content": map[string]interface{}{
			"info":     map[string]string{"title": "Mini " + pid, "author": "Tester", "type": "mini"},
			"solution": [][]string{{"A", "B"}, {"C", "."}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestPuzzleLifecycle(t *testing.T) {
	r := testAPI(t)
	createTestPuzzle(t, r, "101")

	rec := doJSON(t, r, "GET", "/api/puzzles/101", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p puzzle.Puzzle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.True(t, p.IsPublic, "is_public defaults to true")
	assert.Equal(t, "Mini 101", p.Content.Info.Title)

	rec = doJSON(t, r, "GET", "/api/puzzles?types=mini&search=tester", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Puzzles []puzzle.Listing `json:"puzzles"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	rec = doJSON(t, r, "DELETE", "/api/puzzles/101", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, r, "GET", "/api/puzzles/101", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePuzzle_Validation(t *testing.T) {
	r := testAPI(t)

	rec := doJSON(t, r, "POST", "/api/puzzles", map[string]interface{}{"pid": "77"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "solution is required")

	rec = doJSON(t, r, "POST", "/api/puzzles", map[string]interface{}{
		"content": map[string]interface{}{"solution": [][]string{{"A"}}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "pid is required")
}

func TestCreateGame_EmitsCreateEvent(t *testing.T) {
	r := testAPI(t)
	createTestPuzzle(t, r, "101")

	rec := doJSON(t, r, "POST", "/api/games", map[string]string{"pid": "101", "gid": "game-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		GID string `json:"gid"`
		PID string `json:"pid"`
		Seq int64  `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "game-1", created.GID)
	assert.Equal(t, int64(1), created.Seq)

	rec = doJSON(t, r, "GET", "/api/games/game-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st project.GameState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "101", st.PID)
	assert.Equal(t, ".", st.Grid[1][1].Value, "black cell present in the blank board")
	assert.True(t, st.Clock.Paused, "new games start paused")
}

func TestCreateGame_UnknownPuzzle(t *testing.T) {
	r := testAPI(t)
	rec := doJSON(t, r, "POST", "/api/games", map[string]string{"pid": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetGameState_UnknownGame(t *testing.T) {
	r := testAPI(t)
	rec := doJSON(t, r, "GET", "/api/games/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordSolve_HTTPRoundTrip(t *testing.T) {
	r := testAPI(t)
	createTestPuzzle(t, r, "101")
	rec := doJSON(t, r, "POST", "/api/games", map[string]string{"pid": "101", "gid": "game-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := map[string]interface{}{"pid": "101", "time_to_solve_seconds": 95}
	rec = doJSON(t, r, "POST", "/api/games/game-1/solve", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first solve.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, int64(95), first.TimeTakenSeconds)

	// Replay returns the original row.
	rec = doJSON(t, r, "POST", "/api/games/game-1/solve", map[string]interface{}{
		"pid": "101", "time_to_solve_seconds": 400,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var again solve.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(95), again.TimeTakenSeconds)

	rec = doJSON(t, r, "POST", "/api/games/game-1/solve", map[string]interface{}{
		"pid": "101", "time_to_solve_seconds": 0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRoomState_EmptyRoomIsValid(t *testing.T) {
	r := testAPI(t)
	rec := doJSON(t, r, "GET", "/api/rooms/lobby", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st project.RoomState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "lobby", st.RID)
	assert.Empty(t, st.Members)
}

func TestListPuzzles_LimitAndTypesParams(t *testing.T) {
	r := testAPI(t)
	for i := 1; i <= 3; i++ {
		createTestPuzzle(t, r, fmt.Sprintf("%d", i*100))
	}

	rec := doJSON(t, r, "GET", "/api/puzzles?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Puzzles []puzzle.Listing `json:"puzzles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Puzzles, 2)
	assert.Equal(t, "300", list.Puzzles[0].PID, "numeric pids list newest first")

	rec = doJSON(t, r, "GET", "/api/puzzles?types=cryptic", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty struct {
		Puzzles []puzzle.Listing `json:"puzzles"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	assert.Zero(t, empty.Count)
	assert.NotNil(t, empty.Puzzles, "empty list serializes as [], not null")
}
