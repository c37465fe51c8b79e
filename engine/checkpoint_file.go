package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileCheckpointStore persists checkpoints as JSON files on disk. It is
// meant for local single-node use; deployments with more than one worker
// should use the redis store instead.
type FileCheckpointStore struct {
	dataDir   string
	retention time.Duration
}

// NewFileCheckpointStore creates a file-based checkpoint store rooted at
// dataDir. A zero retention means checkpoints never expire.
func NewFileCheckpointStore(dataDir string, retention time.Duration) (*FileCheckpointStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".mailpipe", "checkpoints")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointStore{dataDir: dataDir, retention: retention}, nil
}

// Put writes the checkpoint atomically by writing to a temp file and
// renaming it over the previous snapshot.
func (s *FileCheckpointStore) Put(ctx context.Context, namespace, runID string, checkpoint *Checkpoint) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	path := s.path(namespace, runID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}

// Get reads the checkpoint for (namespace, runID). Expired snapshots are
// removed and reported as not found.
func (s *FileCheckpointStore) Get(ctx context.Context, namespace, runID string) (*Checkpoint, error) {
	path := s.path(namespace, runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if s.retention > 0 && time.Since(checkpoint.SavedAt) > s.retention {
		_ = os.Remove(path)
		return nil, ErrCheckpointNotFound
	}
	return &checkpoint, nil
}

func (s *FileCheckpointStore) path(namespace, runID string) string {
	// Keys become file names, so path separators are flattened.
	key := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(CheckpointKey(namespace, runID))
	return filepath.Join(s.dataDir, key+".json")
}
