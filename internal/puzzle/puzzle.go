// Package puzzle is the catalog: puzzle lookup by public identifier,
// paginated public listing and the solve counter the solve service bumps.
package puzzle

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/acrosshouse/backend/internal/event"
)

// ErrNotFound is returned for unknown pids.
var ErrNotFound = errors.New("puzzle: not found")

// Catalog is the surface the rest of the core consumes. The solve counter
// increment is intentionally absent: it only happens inside the solve
// repository's transaction, against the concrete implementation.
type Catalog interface {
	Create(ctx context.Context, p *Puzzle) error
	FindByPid(ctx context.Context, pid string) (*Puzzle, error)
	Delete(ctx context.Context, pid string) error
	ListPublic(ctx context.Context, filter ListFilter, limit, offset int) ([]Listing, error)
}

// Puzzle is one catalog row. Content.Solution is the ground truth a game's
// blank grid is derived from and completion is checked against.
type Puzzle struct {
	ID          int64     `json:"id"`
	PID         string    `json:"pid"`
	PIDNumeric  *int64    `json:"pid_numeric,omitempty"`
	IsPublic    bool      `json:"is_public"`
	UploadedAt  time.Time `json:"uploaded_at"`
	TimesSolved int64     `json:"times_solved"`
	Content     Content   `json:"content"`
	CreatedBy   string    `json:"created_by,omitempty"`
}

// Content is the puzzle definition blob.
type Content struct {
	Info     event.PuzzleInfo `json:"info"`
	Grid     [][]string       `json:"grid"`
	Solution [][]string       `json:"solution"`
	Clues    event.Clues      `json:"clues"`
	Circles  []int            `json:"circles,omitempty"`
	Shades   []int            `json:"shades,omitempty"`
}

// GameView builds the initial board for a new game: the blank grid carries
// "." on black cells (solution ".") and "" elsewhere.
func (c *Content) GameView(pid string) event.GameView {
	grid := make([][]string, len(c.Solution))
	for r, row := range c.Solution {
		grid[r] = make([]string, len(row))
		for col, sol := range row {
			if sol == "." {
				grid[r][col] = "."
			}
		}
	}
	return event.GameView{
		Info:     c.Info,
		Grid:     grid,
		Solution: c.Solution,
		Clues:    c.Clues,
		Circles:  c.Circles,
		Shades:   c.Shades,
		PID:      pid,
	}
}

// Listing is one row of the public list.
type Listing struct {
	PID         string           `json:"pid"`
	Info        event.PuzzleInfo `json:"info"`
	TimesSolved int64            `json:"times_solved"`
	UploadedAt  time.Time        `json:"uploaded_at"`
}

// ListFilter narrows the public listing. Types matches content.info.type by
// set membership; Search tokens must all match case-insensitively as
// substrings of "title author".
type ListFilter struct {
	Types  []string
	Search string
}

// NumericPrefix extracts the leading digits of a pid for stable ordering,
// e.g. "123-across" -> 123. Nil when the pid has no numeric prefix.
func NumericPrefix(pid string) *int64 {
	i := 0
	for i < len(pid) && pid[i] >= '0' && pid[i] <= '9' {
		i++
	}
	if i == 0 {
		return nil
	}
	n, err := strconv.ParseInt(pid[:i], 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
