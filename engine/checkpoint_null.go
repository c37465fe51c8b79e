package engine

import (
	"context"
)

// NullCheckpointStore is a no-op CheckpointStore for runs that do not need
// durability, such as forced reprocessing in a development environment.
type NullCheckpointStore struct{}

// NewNullCheckpointStore creates a checkpoint store that discards all saves.
func NewNullCheckpointStore() *NullCheckpointStore {
	return &NullCheckpointStore{}
}

func (s *NullCheckpointStore) Put(ctx context.Context, namespace, runID string, checkpoint *Checkpoint) error {
	return nil
}

func (s *NullCheckpointStore) Get(ctx context.Context, namespace, runID string) (*Checkpoint, error) {
	return nil, ErrCheckpointNotFound
}
