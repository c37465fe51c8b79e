package mailpipe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewReclaimer(t *testing.T) {
	t.Run("requires a record store", func(t *testing.T) {
		_, err := NewReclaimer(ReclaimerOptions{})
		require.ErrorContains(t, err, "record store is required")
	})

	t.Run("rejects an invalid schedule", func(t *testing.T) {
		_, err := NewReclaimer(ReclaimerOptions{
			Records:  NewMemoryStore(),
			Schedule: "not a cron expression",
		})
		require.ErrorContains(t, err, "invalid reclaim schedule")
	})

	t.Run("applies defaults", func(t *testing.T) {
		r, err := NewReclaimer(ReclaimerOptions{Records: NewMemoryStore()})
		require.NoError(t, err)
		require.Equal(t, DefaultReclaimTimeout, r.timeout)
		require.Equal(t, DefaultReclaimSchedule, r.schedule)
	})
}

func TestReclaimerSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	notifier := &recordingNotifier{}

	stale := fetchedMessage("msg-stale")
	stale.Status = StatusProcessing
	stale.UpdatedAt = time.Now().Add(-2 * time.Hour)
	store.Put(stale)

	fresh := fetchedMessage("msg-fresh")
	fresh.Status = StatusProcessing
	fresh.UpdatedAt = time.Now()
	store.Put(fresh)

	reclaimer, err := NewReclaimer(ReclaimerOptions{
		Records:  store,
		Timeout:  30 * time.Minute,
		Notifier: notifier,
	})
	require.NoError(t, err)

	ids, err := reclaimer.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"msg-stale"}, ids)

	reclaimed, err := store.Load(ctx, "msg-stale")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, reclaimed.Status)
	require.Equal(t, TimedOutDetail, reclaimed.StatusDetail)

	untouched, err := store.Load(ctx, "msg-fresh")
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, untouched.Status)

	require.Equal(t, []EventKind{EventFailed}, notifier.Kinds())
	require.Equal(t, "msg-stale", notifier.events[0].RunID)

	// A second sweep finds nothing left to reclaim.
	ids, err = reclaimer.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestReclaimerStartStop(t *testing.T) {
	reclaimer, err := NewReclaimer(ReclaimerOptions{Records: NewMemoryStore()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, reclaimer.Start(ctx))
	require.Error(t, reclaimer.Start(ctx), "double start is rejected")
	reclaimer.Stop()
	require.NoError(t, reclaimer.Start(ctx), "a stopped reclaimer can be restarted")
	reclaimer.Stop()
}
