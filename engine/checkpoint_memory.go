package engine

import (
	"context"
	"sync"
	"time"
)

// MemoryCheckpointStore is an in-process CheckpointStore used in tests and
// single-node setups. Entries older than the retention window are dropped
// lazily on access.
type MemoryCheckpointStore struct {
	mutex     sync.Mutex
	entries   map[string]memoryCheckpointEntry
	retention time.Duration
	puts      int
}

type memoryCheckpointEntry struct {
	checkpoint Checkpoint
	savedAt    time.Time
}

// NewMemoryCheckpointStore creates an in-memory checkpoint store. A zero
// retention means entries never expire.
func NewMemoryCheckpointStore(retention time.Duration) *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		entries:   map[string]memoryCheckpointEntry{},
		retention: retention,
	}
}

// Put stores a copy of the checkpoint under (namespace, runID).
func (s *MemoryCheckpointStore) Put(ctx context.Context, namespace, runID string, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.puts++
	s.entries[CheckpointKey(namespace, runID)] = memoryCheckpointEntry{
		checkpoint: *checkpoint,
		savedAt:    time.Now(),
	}
	return nil
}

// Get returns the checkpoint stored under (namespace, runID).
func (s *MemoryCheckpointStore) Get(ctx context.Context, namespace, runID string) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := CheckpointKey(namespace, runID)
	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	if s.retention > 0 && time.Since(entry.savedAt) > s.retention {
		delete(s.entries, key)
		return nil, ErrCheckpointNotFound
	}
	checkpoint := entry.checkpoint
	return &checkpoint, nil
}

// Puts returns the number of Put calls, which tests use to verify that a
// checkpoint is written after every step.
func (s *MemoryCheckpointStore) Puts() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.puts
}
