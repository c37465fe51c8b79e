package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Result summarizes a finished run.
type Result struct {
	Success     bool     `json:"success"`
	HasErrors   bool     `json:"has_errors"`
	FailedSteps []string `json:"failed_step_names"`
}

// ExecutorOptions configures an Executor.
type ExecutorOptions[S State[S]] struct {
	Graph       *Graph[S]
	Checkpoints CheckpointStore
	Namespace   string
	Logger      *slog.Logger

	// DecodeState deserializes a checkpointed state blob. Required, because
	// the executor cannot construct a domain state on its own.
	DecodeState func(data []byte) (S, error)
}

// Executor drives a graph over a state container: it resolves ready steps,
// runs independent branches concurrently, merges branch states at join
// points, and writes a checkpoint after every step. An Executor is built
// once per graph and is safe for concurrent runs with distinct run ids.
type Executor[S State[S]] struct {
	graph       *Graph[S]
	checkpoints CheckpointStore
	namespace   string
	logger      *slog.Logger
	decode      func(data []byte) (S, error)
}

// NewExecutor creates an executor for the given graph.
func NewExecutor[S State[S]](opts ExecutorOptions[S]) (*Executor[S], error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.DecodeState == nil {
		return nil, fmt.Errorf("state decoder is required")
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewNullCheckpointStore()
	}
	if opts.Namespace == "" {
		opts.Namespace = opts.Graph.Name()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor[S]{
		graph:       opts.Graph,
		checkpoints: opts.Checkpoints,
		namespace:   opts.Namespace,
		logger:      opts.Logger,
		decode:      opts.DecodeState,
	}, nil
}

// Namespace returns the checkpoint namespace used by this executor.
func (e *Executor[S]) Namespace() string { return e.namespace }

type stepResult[S State[S]] struct {
	name    string
	state   S
	outcome Outcome
	err     error
}

// Run executes the graph over the given initial state and blocks until the
// run completes or aborts. If an incomplete checkpoint exists for runID and
// the run is not forced, execution resumes from the checkpointed state and
// already-completed steps are not re-executed.
func (e *Executor[S]) Run(ctx context.Context, runID string, initial S) (S, Result, error) {
	logger := e.logger.With("run_id", runID)

	acc := initial
	outputs := map[string]S{}
	var completedOrder []string

	if !initial.Forced() {
		restored, restoredOrder, ok := e.restore(ctx, runID, logger)
		if ok {
			acc = restored
			completedOrder = restoredOrder
			for _, name := range completedOrder {
				outputs[name] = acc
			}
		}
	}

	completed := make(map[string]bool, len(completedOrder))
	for _, name := range completedOrder {
		completed[name] = true
	}

	inflight := map[string]bool{}
	results := make(chan stepResult[S], len(e.graph.StepNames()))
	var wg sync.WaitGroup

	launch := func(name string) {
		step, _ := e.graph.Step(name)
		input := e.inputState(name, acc, outputs)
		inflight[name] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, outcome, err := step.Run(ctx, input)
			results <- stepResult[S]{name: name, state: state, outcome: outcome, err: err}
		}()
	}

	var runErr error
	aborting := false
	for {
		if !aborting {
			for _, name := range e.graph.StepNames() {
				if completed[name] || inflight[name] {
					continue
				}
				ready := true
				for _, pred := range e.graph.Predecessors(name) {
					if !completed[pred] {
						ready = false
						break
					}
				}
				if ready {
					launch(name)
				}
			}
		}
		if len(inflight) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			if runErr == nil {
				runErr = ctx.Err()
			}
			aborting = true
			wg.Wait()
			// Drain pending results so the channel is settled before return.
			for len(inflight) > 0 {
				res := <-results
				delete(inflight, res.name)
			}
		case res := <-results:
			delete(inflight, res.name)
			if res.err != nil {
				logger.Error("step failed fatally", "step", res.name, "error", res.err)
				if runErr == nil {
					runErr = res.err
				}
				aborting = true
				continue
			}
			outputs[res.name] = res.state
			acc = acc.Merge(res.state)
			completed[res.name] = true
			completedOrder = append(completedOrder, res.name)

			if err := e.saveCheckpoint(ctx, runID, acc, res.name, completedOrder); err != nil {
				logger.Error("failed to save checkpoint", "step", res.name, "error", err)
				if runErr == nil {
					runErr = err
				}
				aborting = true
				continue
			}
			logger.Debug("step finished",
				"step", res.name,
				"outcome", res.outcome,
				"completed", len(completedOrder))
		}
	}

	if runErr != nil {
		return acc, Result{HasErrors: true, FailedSteps: acc.FailedSteps()}, runErr
	}

	result := Result{
		Success:     !acc.HasErrors(),
		HasErrors:   acc.HasErrors(),
		FailedSteps: acc.FailedSteps(),
	}
	if result.FailedSteps == nil {
		result.FailedSteps = []string{}
	}
	if result.Success {
		logger.Info("run completed", "steps", len(completedOrder))
	} else {
		logger.Warn("run completed with errors", "failed_steps", result.FailedSteps)
	}
	return acc, result, nil
}

// inputState builds the state a step starts from: the entry step receives
// the accumulated state, every other step receives the union of its
// predecessors' outputs. Branches therefore never observe errors or fields
// written by steps they do not depend on.
func (e *Executor[S]) inputState(name string, acc S, outputs map[string]S) S {
	preds := e.graph.Predecessors(name)
	if len(preds) == 0 {
		return acc.Clone()
	}
	input := outputs[preds[0]].Clone()
	for _, pred := range preds[1:] {
		input = input.Merge(outputs[pred])
	}
	return input
}

// restore loads an incomplete checkpoint for runID, if any.
func (e *Executor[S]) restore(ctx context.Context, runID string, logger *slog.Logger) (S, []string, bool) {
	var zero S
	checkpoint, err := e.checkpoints.Get(ctx, e.namespace, runID)
	if err != nil {
		if !errors.Is(err, ErrCheckpointNotFound) {
			logger.Warn("failed to load checkpoint, starting fresh", "error", err)
		}
		return zero, nil, false
	}
	if slices.Contains(checkpoint.Completed, e.graph.Exit()) {
		// The prior run finished; a new invocation starts over.
		return zero, nil, false
	}
	state, err := e.decode(checkpoint.State)
	if err != nil {
		logger.Warn("failed to decode checkpointed state, starting fresh", "error", err)
		return zero, nil, false
	}
	logger.Info("resuming run from checkpoint",
		"last_step", checkpoint.LastStep,
		"completed_steps", len(checkpoint.Completed),
		"saved_at", checkpoint.SavedAt)
	return state, append([]string{}, checkpoint.Completed...), true
}

func (e *Executor[S]) saveCheckpoint(ctx context.Context, runID string, acc S, lastStep string, completed []string) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return e.checkpoints.Put(ctx, e.namespace, runID, &Checkpoint{
		Namespace: e.namespace,
		RunID:     runID,
		State:     data,
		LastStep:  lastStep,
		Completed: append([]string{}, completed...),
		SavedAt:   time.Now(),
		Version:   CheckpointVersion,
	})
}
