package solve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/acrosshouse/backend/internal/puzzle"
)

// PostgresRepository implements Repository on PostgreSQL. The insert and the
// times_solved increment run in one READ COMMITTED transaction; the
// UNIQUE(pid, gid) index arbitrates concurrent first-inserts.
type PostgresRepository struct {
	db      *sql.DB
	catalog *puzzle.PostgresCatalog
}

func NewPostgresRepository(db *sql.DB, catalog *puzzle.PostgresCatalog) (*PostgresRepository, error) {
	r := &PostgresRepository{db: db, catalog: catalog}
	if err := r.createTables(); err != nil {
		return nil, fmt.Errorf("create solve tables: %w", err)
	}
	return r, nil
}

func (r *PostgresRepository) createTables() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS puzzle_solves (
			id BIGSERIAL PRIMARY KEY,
			pid TEXT NOT NULL,
			gid TEXT NOT NULL,
			solved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			time_taken_seconds BIGINT NOT NULL CHECK (time_taken_seconds > 0),
			revealed_squares_count INT NOT NULL DEFAULT 0,
			checked_squares_count INT NOT NULL DEFAULT 0,
			UNIQUE (pid, gid)
		);
	`)
	return err
}

// Find returns the solve row for (pid, gid) or nil.
func (r *PostgresRepository) Find(ctx context.Context, pid, gid string) (*Record, error) {
	rec := &Record{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, pid, gid, solved_at, time_taken_seconds,
		       revealed_squares_count, checked_squares_count
		FROM puzzle_solves WHERE pid = $1 AND gid = $2`, pid, gid,
	).Scan(&rec.ID, &rec.PID, &rec.GID, &rec.SolvedAt, &rec.TimeTakenSeconds,
		&rec.RevealedCount, &rec.CheckedCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find solve %s/%s: %w", pid, gid, err)
	}
	return rec, nil
}

// RecordOnce implements Repository.RecordOnce.
func (r *PostgresRepository) RecordOnce(ctx context.Context, rec *Record) (*Record, bool, error) {
	stored, created, err := r.tryRecord(ctx, rec)
	if err == nil {
		return stored, created, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, err
	}

	// Another writer inserted first. Re-read: a present row is success.
	existing, ferr := r.Find(ctx, rec.PID, rec.GID)
	if ferr != nil {
		return nil, false, ferr
	}
	if existing != nil {
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("record solve %s/%s: %w", rec.PID, rec.GID, err)
}

func (r *PostgresRepository) tryRecord(ctx context.Context, rec *Record) (*Record, bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, fmt.Errorf("begin solve tx: %w", err)
	}
	defer tx.Rollback()

	// Idempotency check inside the transaction.
	existing := &Record{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, pid, gid, solved_at, time_taken_seconds,
		       revealed_squares_count, checked_squares_count
		FROM puzzle_solves WHERE pid = $1 AND gid = $2`, rec.PID, rec.GID,
	).Scan(&existing.ID, &existing.PID, &existing.GID, &existing.SolvedAt,
		&existing.TimeTakenSeconds, &existing.RevealedCount, &existing.CheckedCount)
	if err == nil {
		if cerr := tx.Commit(); cerr != nil {
			return nil, false, fmt.Errorf("commit solve tx: %w", cerr)
		}
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("check solve %s/%s: %w", rec.PID, rec.GID, err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO puzzle_solves
			(pid, gid, solved_at, time_taken_seconds,
			 revealed_squares_count, checked_squares_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		rec.PID, rec.GID, rec.SolvedAt, rec.TimeTakenSeconds,
		rec.RevealedCount, rec.CheckedCount,
	).Scan(&rec.ID)
	if err != nil {
		return nil, false, err
	}

	// The contract: if the insert succeeds, the increment succeeds in the
	// same transaction. A missing puzzle row is tolerated (no-op update).
	if err := r.catalog.IncrementSolveCount(ctx, tx, rec.PID); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
