package mailpipe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReclaimTimeout is how long a record may sit in PROCESSING before
// the reclaimer considers its run stuck.
const DefaultReclaimTimeout = 30 * time.Minute

// DefaultReclaimSchedule runs the sweep every ten minutes.
const DefaultReclaimSchedule = "*/10 * * * *"

// ReclaimerOptions configures a Reclaimer.
type ReclaimerOptions struct {
	Records RecordStore

	// Timeout is the PROCESSING age beyond which a run counts as stuck.
	// Defaults to DefaultReclaimTimeout.
	Timeout time.Duration

	// Schedule is a cron expression for the periodic sweep. Defaults to
	// DefaultReclaimSchedule.
	Schedule string

	// Notifier receives a failed event for each reclaimed record. Defaults
	// to a null notifier.
	Notifier Notifier

	Logger *slog.Logger
}

// Reclaimer periodically fails runs that have been stuck in PROCESSING past
// the timeout, making their records eligible for a fresh attempt. It only
// repairs the durable status; checkpoints expire on their own TTL.
type Reclaimer struct {
	records  RecordStore
	timeout  time.Duration
	schedule string
	notifier Notifier
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewReclaimer creates a reclaimer from the given options.
func NewReclaimer(opts ReclaimerOptions) (*Reclaimer, error) {
	if opts.Records == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultReclaimTimeout
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultReclaimSchedule
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid reclaim schedule: %w", err)
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNullNotifier()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reclaimer{
		records:  opts.Records,
		timeout:  opts.Timeout,
		schedule: opts.Schedule,
		notifier: opts.Notifier,
		logger:   opts.Logger.With("module", "reclaimer"),
	}, nil
}

// Sweep runs one reclamation pass and returns the reclaimed run ids.
func (r *Reclaimer) Sweep(ctx context.Context) ([]string, error) {
	ids, err := r.records.ReclaimStuck(ctx, r.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stuck runs: %w", err)
	}
	for _, id := range ids {
		r.logger.WarnContext(ctx, "reclaimed stuck run", "run_id", id, "timeout", r.timeout)
		r.notifier.Notify(ctx, NewEvent(EventFailed, id, nil))
	}
	if len(ids) > 0 {
		r.logger.InfoContext(ctx, "reclamation sweep finished", "reclaimed", len(ids))
	}
	return ids, nil
}

// Start schedules periodic sweeps. Overlapping sweeps are skipped.
func (r *Reclaimer) Start(ctx context.Context) error {
	if r.cron != nil {
		return fmt.Errorf("reclaimer already started")
	}
	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))
	_, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.ErrorContext(ctx, "reclamation sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reclamation sweep: %w", err)
	}
	r.logger.InfoContext(ctx, "starting reclaimer", "schedule", r.schedule, "timeout", r.timeout)
	r.cron.Start()
	return nil
}

// Stop halts the periodic sweep and waits for an in-flight pass to finish.
func (r *Reclaimer) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
}
