package mailpipe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/driftlock/mailpipe/engine"
)

// DefaultDispatchSchedule starts a dispatch pass every minute.
const DefaultDispatchSchedule = "* * * * *"

// DefaultDispatchLockName is the dedup lock guarding dispatch passes.
const DefaultDispatchLockName = "mailpipe:dispatch"

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Pipeline *Pipeline
	Records  RecordStore

	// Locks is the run-dedup lock. It guards the trigger layer so two
	// schedulers never run a dispatch pass concurrently; individual runs
	// for distinct run ids need no lock.
	Locks engine.Locker

	// Schedule is a cron expression for the dispatch pass. Defaults to
	// DefaultDispatchSchedule.
	Schedule string

	// LockName and LockTTL configure the dedup lock. The TTL defaults to
	// five minutes, bounding how long a crashed pass blocks the next one.
	LockName string
	LockTTL  time.Duration

	// BatchSize caps how many fetched records one pass picks up. Defaults
	// to 10.
	BatchSize int

	Logger *slog.Logger
}

// Dispatcher is the periodic trigger that picks up FETCHED records and
// starts a run for each. Lock contention is not an error: it means another
// dispatcher is already on it, and the tick is skipped.
type Dispatcher struct {
	pipeline  *Pipeline
	records   RecordStore
	locks     engine.Locker
	schedule  string
	lockName  string
	lockTTL   time.Duration
	batchSize int
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewDispatcher creates a dispatcher from the given options.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if opts.Records == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultDispatchSchedule
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid dispatch schedule: %w", err)
	}
	if opts.LockName == "" {
		opts.LockName = DefaultDispatchLockName
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		pipeline:  opts.Pipeline,
		records:   opts.Records,
		locks:     opts.Locks,
		schedule:  opts.Schedule,
		lockName:  opts.LockName,
		lockTTL:   opts.LockTTL,
		batchSize: opts.BatchSize,
		logger:    opts.Logger.With("module", "dispatcher"),
	}, nil
}

// Dispatch runs one pass: acquire the dedup lock, pick up fetched records,
// and start a run for each. Returns the number of runs started.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	acquired, err := d.locks.TryAcquire(ctx, d.lockName, d.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire dispatch lock: %w", err)
	}
	if !acquired {
		d.logger.DebugContext(ctx, "dispatch pass already running elsewhere, skipping tick")
		return 0, nil
	}
	defer func() {
		if err := d.locks.Release(ctx, d.lockName); err != nil {
			d.logger.WarnContext(ctx, "failed to release dispatch lock", "error", err)
		}
	}()

	ids, err := d.records.ListFetched(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list fetched records: %w", err)
	}

	started := 0
	for _, id := range ids {
		result, err := d.pipeline.StartRun(ctx, id, false)
		if err != nil {
			d.logger.ErrorContext(ctx, "run aborted", "run_id", id, "error", err)
			continue
		}
		started++
		if result.HasErrors {
			d.logger.WarnContext(ctx, "run finished with errors",
				"run_id", id, "failed_steps", result.FailedSteps)
		} else {
			d.logger.InfoContext(ctx, "run finished", "run_id", id)
		}
	}
	return started, nil
}

// Start schedules periodic dispatch passes. Overlapping passes on the same
// process are skipped; passes across processes are deduplicated by the lock.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.cron != nil {
		return fmt.Errorf("dispatcher already started")
	}
	d.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))
	_, err := d.cron.AddFunc(d.schedule, func() {
		if _, err := d.Dispatch(ctx); err != nil {
			d.logger.ErrorContext(ctx, "dispatch pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule dispatch pass: %w", err)
	}
	d.logger.InfoContext(ctx, "starting dispatcher", "schedule", d.schedule, "batch_size", d.batchSize)
	d.cron.Start()
	return nil
}

// Stop halts the periodic dispatch and waits for an in-flight pass.
func (d *Dispatcher) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
		d.cron = nil
	}
}
