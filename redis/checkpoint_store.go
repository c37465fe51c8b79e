// Package redisstore backs the engine's checkpoint store and dedup lock
// with Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/driftlock/mailpipe/engine"
)

// DefaultRetention is the checkpoint TTL. Runs that neither finish nor
// resume within this window lose their snapshot and start over at prepare.
const DefaultRetention = 24 * time.Hour

// CheckpointStore is a Redis-backed engine.CheckpointStore. Each checkpoint
// is one value under the key "{namespace}:{run_id}", written with SET, which
// gives the atomic per-key overwrite the engine requires. Expiry is left to
// Redis via the TTL.
type CheckpointStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// CheckpointStoreOptions configures a CheckpointStore.
type CheckpointStoreOptions struct {
	// Retention is the checkpoint TTL. Defaults to DefaultRetention.
	Retention time.Duration
}

// NewCheckpointStore creates a checkpoint store on the given Redis client.
func NewCheckpointStore(client redis.UniversalClient, opts CheckpointStoreOptions) (*CheckpointStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &CheckpointStore{client: client, retention: opts.Retention}, nil
}

// Put saves the checkpoint, refreshing its TTL.
func (s *CheckpointStore) Put(ctx context.Context, namespace, runID string, checkpoint *engine.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	key := engine.CheckpointKey(namespace, runID)
	if err := s.client.Set(ctx, key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", key, err)
	}
	return nil
}

// Get loads the checkpoint for (namespace, runID).
func (s *CheckpointStore) Get(ctx context.Context, namespace, runID string) (*engine.Checkpoint, error) {
	key := engine.CheckpointKey(namespace, runID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, engine.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
	}
	var checkpoint engine.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", key, err)
	}
	return &checkpoint, nil
}
