package mailpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/driftlock/mailpipe/engine"
)

// Namespace is the checkpoint namespace for this workflow type.
const Namespace = "email-processing"

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Records    RecordStore
	OCR        OCRClient
	Merger     ContentMerger
	Summarizer Summarizer
	Tickets    TicketClient

	// Notifier receives the coarse lifecycle events. Defaults to a null
	// notifier.
	Notifier Notifier

	// Checkpoints persists run snapshots. Defaults to a null store, which
	// disables resume.
	Checkpoints engine.CheckpointStore

	// Topology overrides the step graph shape. Defaults to DefaultTopology.
	// Step logic is fixed; only the wiring between the known steps is
	// configurable.
	Topology *engine.Topology

	Logger *slog.Logger
}

// Pipeline owns the fixed email-processing step graph and starts runs over
// it. The graph and its executor are built once on first use and reused for
// every run; concurrent runs with distinct run ids are safe.
type Pipeline struct {
	records    RecordStore
	ocr        OCRClient
	merger     ContentMerger
	summarizer Summarizer
	tickets    TicketClient
	notifier   Notifier
	logger     *slog.Logger

	checkpoints engine.CheckpointStore
	topology    *engine.Topology

	buildOnce sync.Once
	executor  *engine.Executor[*RunState]
	buildErr  error
}

// NewPipeline creates a pipeline from the given options.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Records == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if opts.OCR == nil {
		return nil, fmt.Errorf("ocr client is required")
	}
	if opts.Merger == nil {
		return nil, fmt.Errorf("content merger is required")
	}
	if opts.Summarizer == nil {
		return nil, fmt.Errorf("summarizer is required")
	}
	if opts.Tickets == nil {
		return nil, fmt.Errorf("ticket client is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNullNotifier()
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = engine.NewNullCheckpointStore()
	}
	if opts.Topology == nil {
		opts.Topology = DefaultTopology()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		records:     opts.Records,
		ocr:         opts.OCR,
		merger:      opts.Merger,
		summarizer:  opts.Summarizer,
		tickets:     opts.Tickets,
		notifier:    opts.Notifier,
		checkpoints: opts.Checkpoints,
		topology:    opts.Topology,
		logger:      opts.Logger,
	}, nil
}

// StartRun executes the workflow for the given run id and blocks until it
// completes. It is safe to call repeatedly with the same run id: an
// incomplete prior run resumes from its last checkpoint, a finished one
// starts over at prepare. With force set, every step re-executes and the
// durable record status is left untouched.
func (p *Pipeline) StartRun(ctx context.Context, runID string, force bool) (engine.Result, error) {
	if runID == "" {
		return engine.Result{}, fmt.Errorf("run id is required")
	}
	executor, err := p.build()
	if err != nil {
		return engine.Result{}, err
	}
	_, result, err := executor.Run(ctx, runID, NewRunState(runID, force))
	return result, err
}

// build constructs the graph and executor once.
func (p *Pipeline) build() (*engine.Executor[*RunState], error) {
	p.buildOnce.Do(func() {
		graph, err := engine.BuildGraph(p.topology, p.steps())
		if err != nil {
			p.buildErr = fmt.Errorf("failed to build pipeline graph: %w", err)
			return
		}
		p.executor, p.buildErr = engine.NewExecutor(engine.ExecutorOptions[*RunState]{
			Graph:       graph,
			Checkpoints: p.checkpoints,
			Namespace:   Namespace,
			Logger:      p.logger,
			DecodeState: decodeRunState,
		})
	})
	return p.executor, p.buildErr
}

func decodeRunState(data []byte) (*RunState, error) {
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
