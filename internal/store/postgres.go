package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/acrosshouse/backend/internal/event"
)

// PostgresStore implements EventStore on PostgreSQL.
//
// Append strategy: advisory-lock-per-stream. Each append takes
// pg_advisory_xact_lock on a 64-bit FNV hash of "kind:id" for the duration
// of the insert, so writers to the same stream serialize store-wide while
// writers to different streams proceed in parallel. The UNIQUE(gid, seq)
// index remains the backstop: a unique violation (possible only on hash
// collision or an out-of-band writer) is retried with exponential backoff
// and surfaces as ErrConflict once the budget is spent.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, verifies the connection and bootstraps the
// event schema.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrBackendUnavailable, err)
	}

	s := &PostgresStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// DB exposes the underlying pool so the catalog and solve repositories can
// share connections and transactions with the event store.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS game_events (
			id BIGSERIAL PRIMARY KEY,
			gid TEXT NOT NULL,
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			user_id TEXT,
			ts BIGINT NOT NULL,
			version INT NOT NULL DEFAULT 1,
			UNIQUE (gid, seq)
		);

		CREATE TABLE IF NOT EXISTS room_events (
			id BIGSERIAL PRIMARY KEY,
			rid TEXT NOT NULL,
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			user_id TEXT,
			ts BIGINT NOT NULL,
			UNIQUE (rid, seq)
		);

		CREATE TABLE IF NOT EXISTS game_snapshots (
			gid TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			snapshot_seq BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// streamLockKey hashes (kind, id) into the advisory lock keyspace.
func streamLockKey(kind event.StreamKind, streamID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(string(kind)))
	h.Write([]byte{':'})
	h.Write([]byte(streamID))
	return int64(h.Sum64())
}

func eventTable(kind event.StreamKind) (table, idCol string) {
	if kind == event.StreamRoom {
		return "room_events", "rid"
	}
	return "game_events", "gid"
}

// Append implements EventStore.Append.
func (s *PostgresStore) Append(ctx context.Context, kind event.StreamKind, streamID string, d Draft) (*event.Event, error) {
	var lastErr error
	for attempt := 0; attempt < appendRetryMax; attempt++ {
		if attempt > 0 {
			backoff := appendRetryBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rec, err := s.appendOnce(ctx, kind, streamID, d)
		if err == nil {
			return rec, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
		slog.Debug("append seq collision, retrying",
			"stream", string(kind)+":"+streamID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: %s %s: %v", ErrConflict, kind, streamID, lastErr)
}

func (s *PostgresStore) appendOnce(ctx context.Context, kind event.StreamKind, streamID string, d Draft) (*event.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrBackendUnavailable, err)
	}
	defer tx.Rollback()

	// Transaction-scoped lock: released automatically at commit/rollback.
	if _, err := tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock($1)", streamLockKey(kind, streamID)); err != nil {
		return nil, fmt.Errorf("%w: advisory lock: %v", ErrBackendUnavailable, err)
	}

	table, idCol := eventTable(kind)

	var seq int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE %s = $1", table, idCol),
		streamID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("%w: next seq: %v", ErrBackendUnavailable, err)
	}
	seq++

	version := d.Version
	if version == 0 {
		version = 1
	}

	if kind == event.StreamRoom {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_events (rid, seq, event_type, payload, user_id, ts)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
			streamID, seq, string(d.Type), d.Payload, d.UserID, d.Timestamp)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO game_events (gid, seq, event_type, payload, user_id, ts, version)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
			streamID, seq, string(d.Type), d.Payload, d.UserID, d.Timestamp, version)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: insert: %v", ErrBackendUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: commit: %v", ErrBackendUnavailable, err)
	}

	return &event.Event{
		StreamKind: kind,
		StreamID:   streamID,
		Seq:        seq,
		Type:       d.Type,
		Payload:    d.Payload,
		UserID:     d.UserID,
		Timestamp:  d.Timestamp,
		Version:    version,
	}, nil
}

// Read implements EventStore.Read.
func (s *PostgresStore) Read(ctx context.Context, kind event.StreamKind, streamID string, fromSeq, toSeq int64) ([]event.Event, error) {
	table, idCol := eventTable(kind)

	query := fmt.Sprintf(`
		SELECT seq, event_type, payload, COALESCE(user_id, ''), ts,
		       %s
		FROM %s
		WHERE %s = $1 AND seq >= $2 AND ($3 = 0 OR seq <= $3)
		ORDER BY seq ASC`,
		versionColumn(kind), table, idCol)

	if fromSeq <= 0 {
		fromSeq = 1
	}

	rows, err := s.db.QueryContext(ctx, query, streamID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrBackendUnavailable, streamID, err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		e := event.Event{StreamKind: kind, StreamID: streamID}
		var typ string
		var payload []byte
		if err := rows.Scan(&e.Seq, &typ, &payload, &e.UserID, &e.Timestamp, &e.Version); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrBackendUnavailable, err)
		}
		e.Payload = payload
		e.Type = event.Type(typ)
		if !e.Type.Valid(kind) {
			// An unknown persisted tag means the reader is older than the
			// writer. Fail loud; a silent drop would break seq contiguity.
			return nil, fmt.Errorf("read %s: unknown persisted event type %q at seq %d", streamID, typ, e.Seq)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrBackendUnavailable, streamID, err)
	}
	return out, nil
}

// room_events has no schema_version column; select a constant 1 instead.
func versionColumn(kind event.StreamKind) string {
	if kind == event.StreamRoom {
		return "1"
	}
	return "version"
}

// GetSnapshot implements EventStore.GetSnapshot.
func (s *PostgresStore) GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	snap := &Snapshot{StreamID: streamID}
	err := s.db.QueryRowContext(ctx, `
		SELECT data, snapshot_seq, created_at, updated_at
		FROM game_snapshots WHERE gid = $1`, streamID,
	).Scan(&snap.Data, &snap.Seq, &snap.CreatedAt, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", ErrBackendUnavailable, streamID, err)
	}
	return snap, nil
}

// UpsertSnapshot implements EventStore.UpsertSnapshot.
func (s *PostgresStore) UpsertSnapshot(ctx context.Context, streamID string, data []byte, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO game_snapshots (gid, data, snapshot_seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (gid) DO UPDATE
		SET data = EXCLUDED.data,
		    snapshot_seq = EXCLUDED.snapshot_seq,
		    updated_at = NOW()`,
		streamID, data, seq)
	if err != nil {
		return fmt.Errorf("%w: upsert snapshot %s: %v", ErrBackendUnavailable, streamID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
