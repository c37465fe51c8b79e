package engine

// State is the contract a domain state container must satisfy to be driven
// by the executor. Implementations are value objects: every method that
// changes data returns a new state rather than mutating the receiver.
type State[S any] interface {
	// Clone returns an independent copy of the state. Each graph branch
	// receives its own clone, so no locking is needed during a run.
	Clone() S

	// Merge folds another state into a copy of the receiver. Branches write
	// disjoint fields, so the merge is a plain field union with no
	// arbitration.
	Merge(other S) S

	// WithStepError returns a copy with an entry appended to the step error
	// ledger. The ledger is append-only.
	WithStepError(step string, err error) S

	// HasErrors reports whether any step has recorded an error.
	HasErrors() bool

	// FailedSteps returns the sorted names of steps with recorded errors.
	FailedSteps() []string

	// Forced reports whether the run is a forced re-execution. Forced runs
	// bypass the already-completed short-circuit of each step.
	Forced() bool
}
