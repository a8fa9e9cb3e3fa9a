// Package solve records puzzle completions. A solve is recorded exactly
// once per (pid, gid): the insert and the puzzle counter bump share one
// transaction, and a lost insert race is re-read as success.
package solve

import (
	"context"
	"fmt"
	"time"

	"github.com/acrosshouse/backend/internal/event"
	"github.com/acrosshouse/backend/internal/metrics"
	"github.com/acrosshouse/backend/internal/store"
)

// Record is one solve row.
type Record struct {
	ID               int64     `json:"id"`
	PID              string    `json:"pid"`
	GID              string    `json:"gid"`
	SolvedAt         time.Time `json:"solved_at"`
	TimeTakenSeconds int64     `json:"time_taken_seconds"`
	RevealedCount    int       `json:"revealed_squares_count"`
	CheckedCount     int       `json:"checked_squares_count"`
}

// Repository persists solve rows. RecordOnce must be idempotent per
// (pid, gid): it returns the stored row and whether this call created it,
// and a creating call must bump the puzzle's times_solved in the same
// transaction.
type Repository interface {
	RecordOnce(ctx context.Context, rec *Record) (*Record, bool, error)
	Find(ctx context.Context, pid, gid string) (*Record, error)
}

// Service computes solve statistics from the event stream and records them.
type Service struct {
	store store.EventStore
	repo  Repository
}

func NewService(st store.EventStore, repo Repository) *Service {
	return &Service{store: st, repo: repo}
}

// RecordSolve reads the game's stream, derives the assist counters and
// records the solve. Safe to call any number of times; only the first call
// inserts and increments.
func (s *Service) RecordSolve(ctx context.Context, pid, gid string, timeToSolveSeconds int64) (*Record, error) {
	if timeToSolveSeconds <= 0 {
		return nil, fmt.Errorf("%w: time_to_solve_seconds must be > 0", event.ErrValidation)
	}

	events, err := s.store.Read(ctx, event.StreamGame, gid, 0, 0)
	if err != nil {
		return nil, err
	}

	revealed, checked, err := CountAssists(events)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		PID:              pid,
		GID:              gid,
		SolvedAt:         time.Now(),
		TimeTakenSeconds: timeToSolveSeconds,
		RevealedCount:    revealed,
		CheckedCount:     checked,
	}

	stored, created, err := s.repo.RecordOnce(ctx, rec)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.SolvesRecorded.Inc()
	}
	return stored, nil
}

// CountAssists returns the sizes of the distinct cell sets touched by
// cell_reveal and cell_check events, using each event's scope when present.
func CountAssists(events []event.Event) (revealed, checked int, err error) {
	revealedSet := make(map[event.Cell]bool)
	checkedSet := make(map[event.Cell]bool)

	for i := range events {
		e := &events[i]
		if e.Type != event.TypeCellReveal && e.Type != event.TypeCellCheck {
			continue
		}
		payload, err := event.DecodePayload(e)
		if err != nil {
			return 0, 0, fmt.Errorf("count assists at seq %d: %w", e.Seq, err)
		}
		p := payload.(*event.CellPayload)
		for _, c := range p.Cells() {
			if e.Type == event.TypeCellReveal {
				revealedSet[c] = true
			} else {
				checkedSet[c] = true
			}
		}
	}
	return len(revealedSet), len(checkedSet), nil
}
