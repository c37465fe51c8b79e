package engine

import (
	"context"
	"fmt"
)

// Outcome describes how a step invocation concluded. Skips are an ordinary
// result, not an error: a step whose admission check fails simply does not
// run and the state passes through unchanged.
type Outcome string

const (
	OutcomeRan     Outcome = "ran"
	OutcomeSkipped Outcome = "skipped"
	OutcomeErrored Outcome = "errored"
)

// Step is a named unit of execution in a graph. Run returns the next state,
// the outcome, and an error only when the failure is fatal to the whole run.
// Non-fatal failures are folded into the state's error ledger instead.
type Step[S State[S]] interface {
	Name() string
	Run(ctx context.Context, state S) (S, Outcome, error)
}

// Hook is an optional setup or cleanup function around a step's core logic.
type Hook[S State[S]] func(ctx context.Context, state S) (S, error)

// Lifecycle wraps a core Execute function with admission checks and optional
// Before/After hooks. It implements the standard step semantics: skip when a
// prior step has errored, skip when declared inputs are missing, skip when
// the output already exists (unless the run is forced), and convert any
// failure into a ledger entry so the run continues.
type Lifecycle[S State[S]] struct {
	// StepName identifies the step in the graph and in the error ledger.
	StepName string

	// Execute is the core logic. Required.
	Execute Hook[S]

	// Before and After run around Execute. Either may be nil.
	Before Hook[S]
	After  Hook[S]

	// Requires gates admission on declared input fields. A false return
	// skips the step silently. Nil means no input dependencies.
	Requires func(state S) bool

	// Completed short-circuits the step when its output fields are already
	// populated, which makes resumed runs skip finished work. Bypassed when
	// the run is forced. Nil means no short-circuit.
	Completed func(state S) bool

	// AlwaysRun disables the error-ledger admission gate. Used by the
	// finalize step, which must observe accumulated errors.
	AlwaysRun bool

	// Fatal promotes any failure into a run-aborting error instead of a
	// ledger entry. Used by the prepare step, where there is nothing
	// meaningful to finalize if the record cannot be loaded.
	Fatal bool
}

func (l *Lifecycle[S]) Name() string { return l.StepName }

// Run applies the three-phase lifecycle to the given state.
func (l *Lifecycle[S]) Run(ctx context.Context, state S) (S, Outcome, error) {
	if l.Execute == nil {
		return state, OutcomeErrored, fmt.Errorf("step %q has no execute function", l.StepName)
	}
	if !l.AlwaysRun && state.HasErrors() {
		return state, OutcomeSkipped, nil
	}
	if l.Requires != nil && !l.Requires(state) {
		return state, OutcomeSkipped, nil
	}
	if !state.Forced() && l.Completed != nil && l.Completed(state) {
		return state, OutcomeSkipped, nil
	}

	next, err := l.invoke(ctx, state)
	if err != nil {
		if l.Fatal {
			return state, OutcomeErrored, fmt.Errorf("step %q: %w", l.StepName, err)
		}
		// Discard any partial output and record the failure.
		return state.WithStepError(l.StepName, err), OutcomeErrored, nil
	}
	return next, OutcomeRan, nil
}

func (l *Lifecycle[S]) invoke(ctx context.Context, state S) (S, error) {
	var err error
	next := state
	if l.Before != nil {
		if next, err = l.Before(ctx, next); err != nil {
			return state, err
		}
	}
	if next, err = l.Execute(ctx, next); err != nil {
		return state, err
	}
	if l.After != nil {
		if next, err = l.After(ctx, next); err != nil {
			return state, err
		}
	}
	return next, nil
}
