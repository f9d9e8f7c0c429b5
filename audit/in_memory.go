package audit

import (
	"context"
	"sync"

	"github.com/hupe1980/collabmesh/core"
)

// InMemoryStore is a volatile AuditStore implementation keeping records in
// process-local slices. It is safe for concurrent access and best suited
// for tests or ephemeral sessions. Returned slices are copies to prevent
// external mutation of internal state.
type InMemoryStore struct {
	mu        sync.RWMutex
	bySession map[string][]core.ActivityRecord
	bySpace   map[string][]core.ActivityRecord
}

// NewInMemoryStore constructs an empty in-memory audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		bySession: make(map[string][]core.ActivityRecord),
		bySpace:   make(map[string][]core.ActivityRecord),
	}
}

// Append stores a record, preserving per-session append order.
func (s *InMemoryStore) Append(_ context.Context, rec core.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession[rec.SessionID] = append(s.bySession[rec.SessionID], rec)
	if rec.SpaceID != "" {
		s.bySpace[rec.SpaceID] = append(s.bySpace[rec.SpaceID], rec)
	}
	return nil
}

// List returns all records of a session in append order.
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]core.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.ActivityRecord(nil), s.bySession[sessionID]...), nil
}

// ListBySpace returns all records of a space in append order.
func (s *InMemoryStore) ListBySpace(_ context.Context, spaceID string) ([]core.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.ActivityRecord(nil), s.bySpace[spaceID]...), nil
}

// Close releases nothing for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
