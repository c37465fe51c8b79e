package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func decodeTestState(data []byte) (*testState, error) {
	var state testState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func newTestExecutor(t *testing.T, nodes []Node[*testState], store CheckpointStore) *Executor[*testState] {
	t.Helper()
	graph, err := NewGraph("test-graph", nodes)
	require.NoError(t, err)
	executor, err := NewExecutor(ExecutorOptions[*testState]{
		Graph:       graph,
		Checkpoints: store,
		DecodeState: decodeTestState,
	})
	require.NoError(t, err)
	return executor
}

// countingStep tracks how many times its execute function actually ran.
func countingStep(name string, calls *atomic.Int32) *Lifecycle[*testState] {
	return &Lifecycle[*testState]{
		StepName: name,
		Execute: func(ctx context.Context, s *testState) (*testState, error) {
			calls.Add(1)
			out := s.Clone()
			out.Values[name] = "done"
			return out, nil
		},
	}
}

func TestExecutorValidation(t *testing.T) {
	graph, err := NewGraph("g", []Node[*testState]{{Step: setStep("a", "a", "1")}})
	require.NoError(t, err)

	_, err = NewExecutor(ExecutorOptions[*testState]{DecodeState: decodeTestState})
	require.ErrorContains(t, err, "graph is required")

	_, err = NewExecutor(ExecutorOptions[*testState]{Graph: graph})
	require.ErrorContains(t, err, "state decoder is required")

	executor, err := NewExecutor(ExecutorOptions[*testState]{Graph: graph, DecodeState: decodeTestState})
	require.NoError(t, err)
	require.Equal(t, "g", executor.Namespace())
}

func TestExecutorRun(t *testing.T) {
	ctx := context.Background()

	t.Run("runs every step and checkpoints each one", func(t *testing.T) {
		store := NewMemoryCheckpointStore(0)
		executor := newTestExecutor(t, diamondNodes(), store)

		final, result, err := executor.Run(ctx, "run-1", newTestState(false))
		require.NoError(t, err)
		require.True(t, result.Success)
		require.False(t, result.HasErrors)
		require.Empty(t, result.FailedSteps)
		for _, key := range []string{"a", "b", "c", "d"} {
			require.Contains(t, final.Values, key)
		}
		require.Equal(t, 4, store.Puts())

		checkpoint, err := store.Get(ctx, "test-graph", "run-1")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"a", "b", "c", "d"}, checkpoint.Completed)
		require.Equal(t, "d", checkpoint.LastStep)
		require.Equal(t, CheckpointVersion, checkpoint.Version)
	})

	t.Run("join waits for the slow branch", func(t *testing.T) {
		slow := &Lifecycle[*testState]{
			StepName: "b",
			Execute: func(ctx context.Context, s *testState) (*testState, error) {
				time.Sleep(50 * time.Millisecond)
				out := s.Clone()
				out.Values["b"] = "slow"
				return out, nil
			},
		}
		var joinInput *testState
		join := &Lifecycle[*testState]{
			StepName: "d",
			Execute: func(ctx context.Context, s *testState) (*testState, error) {
				joinInput = s.Clone()
				return s, nil
			},
		}
		executor := newTestExecutor(t, []Node[*testState]{
			{Step: setStep("a", "a", "1")},
			{Step: slow, DependsOn: []string{"a"}},
			{Step: setStep("c", "c", "fast"), DependsOn: []string{"a"}},
			{Step: join, DependsOn: []string{"b", "c"}},
		}, NewNullCheckpointStore())

		_, result, err := executor.Run(ctx, "run-join", newTestState(false))
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, "slow", joinInput.Values["b"])
		require.Equal(t, "fast", joinInput.Values["c"])
	})

	t.Run("branch errors stay out of sibling branches", func(t *testing.T) {
		failing := &Lifecycle[*testState]{
			StepName: "b",
			Execute: func(ctx context.Context, s *testState) (*testState, error) {
				return s, errors.New("branch b blew up")
			},
		}
		var siblingSawErrors atomic.Bool
		sibling := &Lifecycle[*testState]{
			StepName: "c",
			Execute: func(ctx context.Context, s *testState) (*testState, error) {
				siblingSawErrors.Store(s.HasErrors())
				out := s.Clone()
				out.Values["c"] = "done"
				return out, nil
			},
		}
		var joinCalls atomic.Int32
		executor := newTestExecutor(t, []Node[*testState]{
			{Step: setStep("a", "a", "1")},
			{Step: failing, DependsOn: []string{"a"}},
			{Step: sibling, DependsOn: []string{"a"}},
			{Step: countingStep("d", &joinCalls), DependsOn: []string{"b", "c"}},
		}, NewNullCheckpointStore())

		final, result, err := executor.Run(ctx, "run-isolated", newTestState(false))
		require.NoError(t, err)
		require.False(t, result.Success)
		require.True(t, result.HasErrors)
		require.Equal(t, []string{"b"}, result.FailedSteps)
		require.False(t, siblingSawErrors.Load(), "sibling branch must not observe the failure")
		require.Equal(t, "done", final.Values["c"], "sibling output survives the failure")
		require.Equal(t, int32(0), joinCalls.Load(), "join admission gate skips after a failure")
	})

	t.Run("resumes from an incomplete checkpoint", func(t *testing.T) {
		store := NewMemoryCheckpointStore(0)
		var aCalls, bCalls, cCalls atomic.Int32
		nodes := []Node[*testState]{
			{Step: countingStep("a", &aCalls)},
			{Step: countingStep("b", &bCalls), DependsOn: []string{"a"}},
			{Step: countingStep("c", &cCalls), DependsOn: []string{"b"}},
		}
		executor := newTestExecutor(t, nodes, store)

		saved := newTestState(false)
		saved.Values["a"] = "done"
		saved.Values["b"] = "done"
		data, err := json.Marshal(saved)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, "test-graph", "run-resume", &Checkpoint{
			Namespace: "test-graph",
			RunID:     "run-resume",
			State:     data,
			LastStep:  "b",
			Completed: []string{"a", "b"},
			SavedAt:   time.Now(),
			Version:   CheckpointVersion,
		}))

		final, result, err := executor.Run(ctx, "run-resume", newTestState(false))
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, int32(0), aCalls.Load())
		require.Equal(t, int32(0), bCalls.Load())
		require.Equal(t, int32(1), cCalls.Load())
		require.Equal(t, "done", final.Values["a"], "checkpointed fields survive the resume")
	})

	t.Run("finished checkpoint starts a fresh run", func(t *testing.T) {
		store := NewMemoryCheckpointStore(0)
		var aCalls, bCalls atomic.Int32
		nodes := []Node[*testState]{
			{Step: countingStep("a", &aCalls)},
			{Step: countingStep("b", &bCalls), DependsOn: []string{"a"}},
		}
		executor := newTestExecutor(t, nodes, store)

		data, err := json.Marshal(newTestState(false))
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, "test-graph", "run-finished", &Checkpoint{
			State:     data,
			LastStep:  "b",
			Completed: []string{"a", "b"},
			SavedAt:   time.Now(),
		}))

		_, result, err := executor.Run(ctx, "run-finished", newTestState(false))
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, int32(1), aCalls.Load())
		require.Equal(t, int32(1), bCalls.Load())
	})

	t.Run("forced runs ignore the checkpoint", func(t *testing.T) {
		store := NewMemoryCheckpointStore(0)
		var aCalls, bCalls atomic.Int32
		nodes := []Node[*testState]{
			{Step: countingStep("a", &aCalls)},
			{Step: countingStep("b", &bCalls), DependsOn: []string{"a"}},
		}
		executor := newTestExecutor(t, nodes, store)

		data, err := json.Marshal(newTestState(false))
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, "test-graph", "run-forced", &Checkpoint{
			State:     data,
			LastStep:  "a",
			Completed: []string{"a"},
			SavedAt:   time.Now(),
		}))

		_, result, err := executor.Run(ctx, "run-forced", newTestState(true))
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, int32(1), aCalls.Load())
		require.Equal(t, int32(1), bCalls.Load())
	})

	t.Run("undecodable checkpoint starts fresh", func(t *testing.T) {
		store := NewMemoryCheckpointStore(0)
		var aCalls atomic.Int32
		executor := newTestExecutor(t, []Node[*testState]{
			{Step: countingStep("a", &aCalls)},
		}, store)

		require.NoError(t, store.Put(ctx, "test-graph", "run-garbled", &Checkpoint{
			State:     json.RawMessage(`{"values": 42}`),
			LastStep:  "a",
			Completed: []string{},
			SavedAt:   time.Now(),
		}))

		_, result, err := executor.Run(ctx, "run-garbled", newTestState(false))
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, int32(1), aCalls.Load())
	})

	t.Run("fatal step failure aborts the run", func(t *testing.T) {
		cause := errors.New("nothing to work with")
		fatal := &Lifecycle[*testState]{
			StepName: "a",
			Fatal:    true,
			Execute: func(ctx context.Context, s *testState) (*testState, error) {
				return s, cause
			},
		}
		var bCalls atomic.Int32
		executor := newTestExecutor(t, []Node[*testState]{
			{Step: fatal},
			{Step: countingStep("b", &bCalls), DependsOn: []string{"a"}},
		}, NewNullCheckpointStore())

		_, result, err := executor.Run(ctx, "run-fatal", newTestState(false))
		require.ErrorIs(t, err, cause)
		require.True(t, result.HasErrors)
		require.Equal(t, int32(0), bCalls.Load())
	})

	t.Run("cancelled context aborts between steps", func(t *testing.T) {
		runCtx, cancel := context.WithCancel(ctx)
		var mu sync.Mutex
		var ran []string
		blocker := &Lifecycle[*testState]{
			StepName: "a",
			Execute: func(ctx context.Context, s *testState) (*testState, error) {
				mu.Lock()
				ran = append(ran, "a")
				mu.Unlock()
				cancel()
				time.Sleep(20 * time.Millisecond)
				return s, nil
			},
		}
		executor := newTestExecutor(t, []Node[*testState]{
			{Step: blocker},
			{Step: setStep("b", "b", "2"), DependsOn: []string{"a"}},
		}, NewNullCheckpointStore())

		_, _, err := executor.Run(runCtx, "run-cancelled", newTestState(false))
		require.ErrorIs(t, err, context.Canceled)
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, []string{"a"}, ran)
	})
}
