package puzzle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryCatalog implements the catalog in process memory for tests and the
// dev fallback. Filter semantics mirror the SQL implementation exactly.
type MemoryCatalog struct {
	mu      sync.RWMutex
	nextID  int64
	puzzles map[string]*Puzzle
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{puzzles: make(map[string]*Puzzle)}
}

func (c *MemoryCatalog) Create(_ context.Context, p *Puzzle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.puzzles[p.PID]; exists {
		return fmt.Errorf("insert puzzle %s: duplicate pid", p.PID)
	}
	c.nextID++
	p.ID = c.nextID
	p.PIDNumeric = NumericPrefix(p.PID)
	if p.UploadedAt.IsZero() {
		p.UploadedAt = time.Now()
	}
	cp := *p
	c.puzzles[p.PID] = &cp
	return nil
}

func (c *MemoryCatalog) FindByPid(_ context.Context, pid string) (*Puzzle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.puzzles[pid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (c *MemoryCatalog) Delete(_ context.Context, pid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.puzzles[pid]; !ok {
		return ErrNotFound
	}
	delete(c.puzzles, pid)
	return nil
}

func (c *MemoryCatalog) ListPublic(_ context.Context, filter ListFilter, limit, offset int) ([]Listing, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	typeSet := make(map[string]bool, len(filter.Types))
	for _, t := range filter.Types {
		typeSet[t] = true
	}
	tokens := strings.Fields(strings.ToLower(filter.Search))

	c.mu.RLock()
	var matched []*Puzzle
	for _, p := range c.puzzles {
		if !p.IsPublic {
			continue
		}
		if len(typeSet) > 0 && !typeSet[p.Content.Info.Type] {
			continue
		}
		haystack := strings.ToLower(p.Content.Info.Title + " " + p.Content.Info.Author)
		ok := true
		for _, tok := range tokens {
			if !strings.Contains(haystack, tok) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, p)
		}
	}
	c.mu.RUnlock()

	// pid_numeric DESC NULLS LAST, pid DESC as tiebreak.
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].PIDNumeric, matched[j].PIDNumeric
		switch {
		case a != nil && b != nil && *a != *b:
			return *a > *b
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return matched[i].PID > matched[j].PID
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]Listing, len(matched))
	for i, p := range matched {
		out[i] = Listing{
			PID:         p.PID,
			Info:        p.Content.Info,
			TimesSolved: p.TimesSolved,
			UploadedAt:  p.UploadedAt,
		}
	}
	return out, nil
}

// IncrementSolveCount is the memory analogue of the transactional bump; the
// memory solve repository calls it under its own lock ordering.
func (c *MemoryCatalog) IncrementSolveCount(_ context.Context, pid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.puzzles[pid]; ok {
		p.TimesSolved++
	}
	return nil
}

// TimesSolved reports the current counter, for tests.
func (c *MemoryCatalog) TimesSolved(pid string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.puzzles[pid]; ok {
		return p.TimesSolved
	}
	return 0
}
