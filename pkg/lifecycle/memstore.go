package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store and HistoryStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ModelRecord
	history map[string][]Transition
	closed  bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*ModelRecord),
		history: make(map[string][]Transition),
	}
}

// Get returns a copy of the record, including deleted ones.
func (s *MemoryStore) Get(_ context.Context, id string) (*ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, NewNotFoundError(id)
	}
	return rec.Clone(), nil
}

// List returns non-deleted records ordered by creation time, then id.
func (s *MemoryStore) List(_ context.Context, offset, limit int) ([]*ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	live := make([]*ModelRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.State != StateDeleted {
			live = append(live, rec)
		}
	}
	sortRecords(live)

	if offset >= len(live) {
		return []*ModelRecord{}, nil
	}
	end := len(live)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]*ModelRecord, 0, end-offset)
	for _, rec := range live[offset:end] {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Create stores a new record.
func (s *MemoryStore) Create(_ context.Context, rec *ModelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if _, exists := s.records[rec.ID]; exists {
		return NewConflictError("model already exists", nil).WithModel(rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// CASUpdate replaces the record if its version still matches.
func (s *MemoryStore) CASUpdate(_ context.Context, id string, expectedVersion int64, rec *ModelRecord) error {
	if rec.StateVersion <= expectedVersion {
		return NewValidationError("state version must increase").WithModel(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	cur, ok := s.records[id]
	if !ok {
		return NewNotFoundError(id)
	}
	if cur.StateVersion != expectedVersion {
		return NewConcurrentModificationError(id, expectedVersion)
	}
	s.records[id] = rec.Clone()
	return nil
}

// RecordTransition appends t to the model's history.
func (s *MemoryStore) RecordTransition(_ context.Context, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[t.ModelID] = append(s.history[t.ModelID], t)
	return nil
}

// ListTransitions returns the model's history oldest first.
func (s *MemoryStore) ListTransitions(_ context.Context, modelID string, offset, limit int) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[modelID]
	if offset >= len(h) {
		return []Transition{}, nil
	}
	end := len(h)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Transition, end-offset)
	copy(out, h[offset:end])
	return out, nil
}

// HealthCheck always succeeds on an open store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortRecords(recs []*ModelRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
