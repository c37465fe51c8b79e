package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCheckpoint(runID string) *Checkpoint {
	return &Checkpoint{
		Namespace: "orders",
		RunID:     runID,
		State:     json.RawMessage(`{"values":{"a":"1"}}`),
		LastStep:  "a",
		Completed: []string{"a"},
		SavedAt:   time.Now(),
		Version:   CheckpointVersion,
	}
}

func TestCheckpointKey(t *testing.T) {
	require.Equal(t, "orders:run-1", CheckpointKey("orders", "run-1"))
}

func TestMemoryCheckpointStore(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		store := NewMemoryCheckpointStore(0)
		_, err := store.Get(ctx, "orders", "missing")
		require.ErrorIs(t, err, ErrCheckpointNotFound)

		require.NoError(t, store.Put(ctx, "orders", "run-1", testCheckpoint("run-1")))
		got, err := store.Get(ctx, "orders", "run-1")
		require.NoError(t, err)
		require.Equal(t, "run-1", got.RunID)
		require.Equal(t, []string{"a"}, got.Completed)
		require.Equal(t, 1, store.Puts())
	})

	t.Run("expires entries past the retention window", func(t *testing.T) {
		store := NewMemoryCheckpointStore(time.Millisecond)
		require.NoError(t, store.Put(ctx, "orders", "run-1", testCheckpoint("run-1")))
		time.Sleep(5 * time.Millisecond)

		_, err := store.Get(ctx, "orders", "run-1")
		require.ErrorIs(t, err, ErrCheckpointNotFound)
	})
}

func TestFileCheckpointStore(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		store, err := NewFileCheckpointStore(t.TempDir(), 0)
		require.NoError(t, err)

		_, err = store.Get(ctx, "orders", "missing")
		require.ErrorIs(t, err, ErrCheckpointNotFound)

		require.NoError(t, store.Put(ctx, "orders", "run-1", testCheckpoint("run-1")))
		got, err := store.Get(ctx, "orders", "run-1")
		require.NoError(t, err)
		require.Equal(t, "run-1", got.RunID)
		require.Equal(t, "a", got.LastStep)
	})

	t.Run("overwrites the previous snapshot", func(t *testing.T) {
		store, err := NewFileCheckpointStore(t.TempDir(), 0)
		require.NoError(t, err)

		require.NoError(t, store.Put(ctx, "orders", "run-1", testCheckpoint("run-1")))
		second := testCheckpoint("run-1")
		second.LastStep = "b"
		second.Completed = []string{"a", "b"}
		require.NoError(t, store.Put(ctx, "orders", "run-1", second))

		got, err := store.Get(ctx, "orders", "run-1")
		require.NoError(t, err)
		require.Equal(t, "b", got.LastStep)
		require.Equal(t, []string{"a", "b"}, got.Completed)
	})

	t.Run("expires snapshots past the retention window", func(t *testing.T) {
		store, err := NewFileCheckpointStore(t.TempDir(), time.Millisecond)
		require.NoError(t, err)

		old := testCheckpoint("run-1")
		old.SavedAt = time.Now().Add(-time.Hour)
		require.NoError(t, store.Put(ctx, "orders", "run-1", old))

		_, err = store.Get(ctx, "orders", "run-1")
		require.ErrorIs(t, err, ErrCheckpointNotFound)
	})
}

func TestNullCheckpointStore(t *testing.T) {
	ctx := context.Background()
	store := NewNullCheckpointStore()

	require.NoError(t, store.Put(ctx, "orders", "run-1", testCheckpoint("run-1")))
	_, err := store.Get(ctx, "orders", "run-1")
	require.ErrorIs(t, err, ErrCheckpointNotFound)
}
