package mailpipe

import (
	"context"
	"time"

	"go.jetify.com/typeid"
)

// EventKind is one of the four coarse lifecycle events exposed to external
// notifiers. This is the only state observable from outside without
// inspecting a checkpoint.
type EventKind string

const (
	EventFetched    EventKind = "fetched"
	EventProcessing EventKind = "processing"
	EventSuccess    EventKind = "success"
	EventFailed     EventKind = "failed"
)

// Event is one lifecycle notification.
type Event struct {
	ID          string    `json:"id"`
	Kind        EventKind `json:"kind"`
	RunID       string    `json:"run_id"`
	Time        time.Time `json:"timestamp"`
	FailedSteps []string  `json:"failed_step_names,omitempty"`
}

// NewEvent creates a lifecycle event with a fresh id.
func NewEvent(kind EventKind, runID string, failedSteps []string) Event {
	return Event{
		ID:          newEventID(),
		Kind:        kind,
		RunID:       runID,
		Time:        time.Now(),
		FailedSteps: failedSteps,
	}
}

func newEventID() string {
	id, err := typeid.WithPrefix("evt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Notifier delivers lifecycle events to an external surface, typically a
// webhook. Delivery failures are the notifier's problem; the engine never
// fails a run over a notification.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NullNotifier discards all events.
type NullNotifier struct{}

// NewNullNotifier creates a notifier that discards all events.
func NewNullNotifier() *NullNotifier {
	return &NullNotifier{}
}

func (n *NullNotifier) Notify(ctx context.Context, event Event) {}
