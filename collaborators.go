package mailpipe

import (
	"context"
)

// Summary is the output of the summarize step.
type Summary struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// TicketRequest carries the fields for creating an issue-tracker ticket.
type TicketRequest struct {
	RunID    string `json:"run_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// Ticket identifies a created issue-tracker ticket.
type Ticket struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// OCRClient extracts text from an image attachment. Called by the ocr step,
// once per image attachment.
type OCRClient interface {
	ExtractText(ctx context.Context, attachment Attachment) (string, error)
}

// ContentMerger produces the canonical message content from the raw subject
// and body. Called by the merge_content step.
type ContentMerger interface {
	MergeContent(ctx context.Context, subject, body string) (string, error)
}

// Summarizer condenses the merged content and any extracted attachment
// texts into ticket-ready fields. Called by the summarize step.
type Summarizer interface {
	Summarize(ctx context.Context, content string, extractedTexts []string) (Summary, error)
}

// TicketClient creates a ticket in the external issue tracker. Called by
// the create_ticket step.
type TicketClient interface {
	CreateTicket(ctx context.Context, req TicketRequest) (Ticket, error)
}
