package evidence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default in-process backend. Writes serialize on a
// mutex so id assignment is totally ordered; reads take the read lock only.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory evidence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		clock:   time.Now,
	}
}

// SetClock overrides the timestamp source. Tests use this for reproducible
// records.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clock != nil {
		s.clock = clock
	}
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, draft Draft) (string, error) {
	if err := draft.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := NewID()
	for {
		if _, exists := s.records[id]; !exists {
			break
		}
		id = NewID()
	}
	s.records[id] = Record{
		ID:            id,
		Source:        draft.Source,
		Context:       append([]string(nil), draft.Context...),
		Answer:        draft.Answer,
		RetrievedAt:   s.clock().UTC(),
		RetrievalTool: draft.RetrievalTool,
	}
	s.order = append(s.order, id)
	return id, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// MultiGet implements Store.
func (s *MemoryStore) MultiGet(ctx context.Context, ids []string) ([]Lookup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Lookup, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.records[id]
		out = append(out, Lookup{ID: id, Record: rec, Found: ok})
	}
	return out, nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// IDs returns stored ids in assignment order.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}
