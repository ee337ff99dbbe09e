// Package checkpoint persists workflow state at node boundaries so that an
// interrupted run resumes from the last completed node.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no checkpoint exists for a thread.
var ErrNotFound = errors.New("checkpoint not found")

// Record is one persisted checkpoint. State is the serialized workflow state;
// Node is the last completed node.
type Record struct {
	ThreadID  string
	Node      string
	State     []byte
	UpdatedAt time.Time
}

// Store persists checkpoints keyed by thread id. Put overwrites any previous
// checkpoint for the thread.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, threadID string) (*Record, error)
	Delete(ctx context.Context, threadID string) error
}

// MemoryStore is an in-process Store for tests and single-node deployments
// that do not need durability across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now()
	s.records[rec.ThreadID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, threadID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, threadID)
	return nil
}

// Ensure MemoryStore implements Store interface.
var _ Store = (*MemoryStore)(nil)
