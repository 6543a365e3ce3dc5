package zoesync

import (
	"context"
	"sort"
	"sync"
)

// ============================================================================
// Mutation Store
// ============================================================================

// MutationStore is a FIFO queue of mutation records partitioned by user.
// Implementations must allow snapshot reads concurrent with new enqueues;
// records appended during a drain are simply picked up by the next pass.
type MutationStore interface {
	// Enqueue appends a record. It fails only on a storage-layer error,
	// which is fatal to the calling write.
	Enqueue(ctx context.Context, m *Mutation) error

	// MutationsByUser returns all pending records for the user in creation
	// order. The result is a snapshot; it does not mutate state.
	MutationsByUser(ctx context.Context, userID string) ([]*Mutation, error)

	// UpdateMutation merges patch fields into a record. A missing id is a
	// no-op: the record was already removed by a concurrent drain.
	UpdateMutation(ctx context.Context, id string, patch MutationPatch) error

	// RemoveMutation deletes a record. Removing a missing id is not an error.
	RemoveMutation(ctx context.Context, id string) error

	// PendingCount returns the total record count across all users.
	PendingCount(ctx context.Context) (int, error)
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory MutationStore. It does not
// survive restarts; use SQLiteStore for durable queueing.
type MemoryStore struct {
	mu      sync.RWMutex
	nextSeq int64
	seqs    map[string]int64
	records map[string]*Mutation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seqs:    make(map[string]int64),
		records: make(map[string]*Mutation),
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.records[m.ID] = &cp
	s.seqs[m.ID] = s.nextSeq
	s.nextSeq++
	return nil
}

func (s *MemoryStore) MutationsByUser(_ context.Context, userID string) ([]*Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Mutation
	for _, m := range s.records {
		if m.UserID == userID {
			cp := *m
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return s.seqs[result[i].ID] < s.seqs[result[j].ID]
	})
	return result, nil
}

func (s *MemoryStore) UpdateMutation(_ context.Context, id string, patch MutationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		return nil
	}
	if patch.RetryCount != nil {
		m.RetryCount = *patch.RetryCount
	}
	if patch.Error != nil {
		m.Error = *patch.Error
	}
	return nil
}

func (s *MemoryStore) RemoveMutation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	delete(s.seqs, id)
	return nil
}

func (s *MemoryStore) PendingCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}
