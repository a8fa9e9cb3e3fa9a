package puzzle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresCatalog implements the catalog on PostgreSQL.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog bootstraps the puzzles table on the shared pool.
func NewPostgresCatalog(db *sql.DB) (*PostgresCatalog, error) {
	c := &PostgresCatalog{db: db}
	if err := c.createTables(); err != nil {
		return nil, fmt.Errorf("create puzzle tables: %w", err)
	}
	return c, nil
}

func (c *PostgresCatalog) createTables() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS puzzles (
			id BIGSERIAL PRIMARY KEY,
			pid TEXT UNIQUE NOT NULL,
			pid_numeric BIGINT,
			is_public BOOLEAN NOT NULL DEFAULT TRUE,
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			times_solved BIGINT NOT NULL DEFAULT 0 CHECK (times_solved >= 0),
			content JSONB NOT NULL,
			created_by TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_puzzles_public_ordering
			ON puzzles (is_public, pid_numeric DESC NULLS LAST);
	`)
	return err
}

// Create inserts a new puzzle, deriving pid_numeric from the pid.
func (c *PostgresCatalog) Create(ctx context.Context, p *Puzzle) error {
	content, err := json.Marshal(p.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	p.PIDNumeric = NumericPrefix(p.PID)
	if p.UploadedAt.IsZero() {
		p.UploadedAt = time.Now()
	}

	err = c.db.QueryRowContext(ctx, `
		INSERT INTO puzzles (pid, pid_numeric, is_public, uploaded_at, content, created_by)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING id`,
		p.PID, p.PIDNumeric, p.IsPublic, p.UploadedAt, content, p.CreatedBy,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert puzzle %s: %w", p.PID, err)
	}
	return nil
}

// FindByPid returns the puzzle with the given public identifier.
func (c *PostgresCatalog) FindByPid(ctx context.Context, pid string) (*Puzzle, error) {
	p := &Puzzle{}
	var content []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT id, pid, pid_numeric, is_public, uploaded_at, times_solved,
		       content, COALESCE(created_by, '')
		FROM puzzles WHERE pid = $1`, pid,
	).Scan(&p.ID, &p.PID, &p.PIDNumeric, &p.IsPublic, &p.UploadedAt,
		&p.TimesSolved, &content, &p.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find puzzle %s: %w", pid, err)
	}
	if err := json.Unmarshal(content, &p.Content); err != nil {
		return nil, fmt.Errorf("decode puzzle %s content: %w", pid, err)
	}
	return p, nil
}

// Delete removes a puzzle by pid.
func (c *PostgresCatalog) Delete(ctx context.Context, pid string) error {
	res, err := c.db.ExecContext(ctx, "DELETE FROM puzzles WHERE pid = $1", pid)
	if err != nil {
		return fmt.Errorf("delete puzzle %s: %w", pid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPublic returns the public listing, newest pid first. Ordering is by
// pid_numeric, a near-immutable field, so paging stays stable under
// concurrent inserts.
func (c *PostgresCatalog) ListPublic(ctx context.Context, filter ListFilter, limit, offset int) ([]Listing, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := []string{"is_public"}
	args := []interface{}{}

	if len(filter.Types) > 0 {
		args = append(args, pq.Array(filter.Types))
		where = append(where, fmt.Sprintf("content->'info'->>'type' = ANY($%d)", len(args)))
	}
	for _, token := range strings.Fields(filter.Search) {
		args = append(args, "%"+escapeLike(token)+"%")
		where = append(where, fmt.Sprintf(
			"(COALESCE(content->'info'->>'title', '') || ' ' || COALESCE(content->'info'->>'author', '')) ILIKE $%d", len(args)))
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT pid, times_solved, uploaded_at,
		       COALESCE(content->'info'->>'title', ''),
		       COALESCE(content->'info'->>'author', ''),
		       COALESCE(content->'info'->>'type', '')
		FROM puzzles
		WHERE %s
		ORDER BY pid_numeric DESC NULLS LAST, pid DESC
		LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list puzzles: %w", err)
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.PID, &l.TimesSolved, &l.UploadedAt,
			&l.Info.Title, &l.Info.Author, &l.Info.Type); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// IncrementSolveCount bumps times_solved inside the caller's transaction.
// Only the solve service calls this, and only with the transaction that
// inserts the solve row.
func (c *PostgresCatalog) IncrementSolveCount(ctx context.Context, tx *sql.Tx, pid string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE puzzles SET times_solved = times_solved + 1 WHERE pid = $1", pid)
	if err != nil {
		return fmt.Errorf("increment solve count %s: %w", pid, err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
