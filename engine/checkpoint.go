package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// CheckpointVersion is written into every checkpoint so a future format
// change can detect and migrate old snapshots.
const CheckpointVersion = 1

// ErrCheckpointNotFound is returned by a CheckpointStore when no checkpoint
// exists for the given key.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is a durable snapshot of a run, written after every step. The
// state blob is the full serialized state container; Completed lists the
// steps that have produced a state, which lets a resumed run skip them.
type Checkpoint struct {
	Namespace string          `json:"namespace"`
	RunID     string          `json:"run_id"`
	State     json.RawMessage `json:"state"`
	LastStep  string          `json:"last_step"`
	Completed []string        `json:"completed"`
	SavedAt   time.Time       `json:"saved_at"`
	Version   int             `json:"version"`
}

// CheckpointStore persists checkpoints keyed by (namespace, run_id). The
// namespace disambiguates workflow type so two workflows can reuse run ids
// without collision. Put must be atomic per key; entries may be
// garbage-collected by the store after its retention window.
type CheckpointStore interface {
	// Put saves or overwrites the checkpoint for the given key.
	Put(ctx context.Context, namespace, runID string, checkpoint *Checkpoint) error

	// Get loads the checkpoint for the given key, or ErrCheckpointNotFound.
	Get(ctx context.Context, namespace, runID string) (*Checkpoint, error)
}

// CheckpointKey returns the canonical storage key for a checkpoint.
func CheckpointKey(namespace, runID string) string {
	return namespace + ":" + runID
}
