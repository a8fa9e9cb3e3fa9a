package solve

import (
	"context"
	"sync"

	"github.com/acrosshouse/backend/internal/puzzle"
)

// MemoryRepository implements Repository for tests and the dev fallback.
// One mutex covers the check-insert-increment sequence, which is exactly
// the atomicity the SQL transaction provides.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	records map[[2]string]*Record
	catalog *puzzle.MemoryCatalog
}

func NewMemoryRepository(catalog *puzzle.MemoryCatalog) *MemoryRepository {
	return &MemoryRepository{
		records: make(map[[2]string]*Record),
		catalog: catalog,
	}
}

func (r *MemoryRepository) Find(_ context.Context, pid, gid string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[[2]string{pid, gid}]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (r *MemoryRepository) RecordOnce(ctx context.Context, rec *Record) (*Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]string{rec.PID, rec.GID}
	if existing, ok := r.records[key]; ok {
		cp := *existing
		return &cp, false, nil
	}

	r.nextID++
	rec.ID = r.nextID
	cp := *rec
	r.records[key] = &cp

	if r.catalog != nil {
		if err := r.catalog.IncrementSolveCount(ctx, rec.PID); err != nil {
			delete(r.records, key)
			return nil, false, err
		}
	}
	return rec, true, nil
}
