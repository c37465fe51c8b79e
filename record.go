package mailpipe

import (
	"context"
	"errors"
	"time"
)

// Status is the durable state of a business record. Intermediate per-step
// progress never reaches this machine; it lives only in the checkpoint.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusFetched    Status = "FETCHED"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// ErrRecordNotFound is returned by a RecordStore when no record exists for
// the given run id.
var ErrRecordNotFound = errors.New("record not found")

// TimedOutDetail is the status detail written by the stuck-run reclaimer.
const TimedOutDetail = "timed out"

// AttachmentRecord is the durable row for one attachment.
type AttachmentRecord struct {
	ID            string
	Path          string
	ContentType   string
	ExtractedText *string
}

// Message is the durable business record for one inbound message. Its id
// doubles as the run id.
type Message struct {
	ID           string
	Subject      string
	Sender       string
	Body         string
	Attachments  []AttachmentRecord
	Status       Status
	StatusDetail string

	MergedContent   *string
	SummaryTitle    *string
	SummaryBody     *string
	SummaryPriority *string
	TicketID        *string
	TicketURL       *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordStore is the durable storage collaborator. Only the prepare step
// (MarkProcessing), the finalize step (SyncResults, MarkFailed) and the
// stuck-run reclaimer (ReclaimStuck) drive transitions; business steps never
// touch it.
type RecordStore interface {
	// Load returns the record for the given id, or ErrRecordNotFound.
	Load(ctx context.Context, id string) (*Message, error)

	// MarkProcessing transitions the record into PROCESSING and bumps its
	// update timestamp.
	MarkProcessing(ctx context.Context, id string) error

	// SyncResults writes every populated result field of the state to the
	// record and its child rows in one transaction. When markSuccess is set
	// the record status becomes SUCCESS in the same transaction. SyncResults
	// must be idempotent: running it twice with the same state produces the
	// same durable end-state.
	SyncResults(ctx context.Context, state *RunState, markSuccess bool) error

	// MarkFailed transitions the record into FAILED with the given detail.
	MarkFailed(ctx context.Context, id string, failedSteps []string, detail string) error

	// ListFetched returns up to limit record ids in FETCHED status, oldest
	// first. Used by the dispatcher to pick up work.
	ListFetched(ctx context.Context, limit int) ([]string, error)

	// ReclaimStuck transitions records stuck in PROCESSING for longer than
	// olderThan into FAILED and returns their ids.
	ReclaimStuck(ctx context.Context, olderThan time.Duration) ([]string, error)
}
