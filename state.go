package mailpipe

import (
	"sort"
	"strings"
	"time"
)

// StepError is one entry in the append-only error ledger.
type StepError struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Attachment describes one attachment of the inbound message. ExtractedText
// is populated by the ocr step for image attachments.
type Attachment struct {
	ID            string  `json:"id"`
	Path          string  `json:"path"`
	ContentType   string  `json:"content_type"`
	ExtractedText *string `json:"extracted_text,omitempty"`
}

// IsImage reports whether the attachment is a candidate for text extraction.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}

// RunState is the state container threaded through all steps of one run. It
// carries the input fields copied from the business record by the prepare
// step, one optional result field per business step, and the control fields.
// It is never mutated in place: every step derives a new value from the
// previous one, which is what makes branch-local copies and checkpoint
// snapshots safe without locking.
type RunState struct {
	RunID string `json:"run_id"`
	Force bool   `json:"force"`

	// Input fields, populated by prepare.
	Loaded      bool         `json:"loaded"`
	Subject     string       `json:"subject,omitempty"`
	Sender      string       `json:"sender,omitempty"`
	Body        string       `json:"body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Result fields, one slot per business step.
	MergedContent   *string `json:"merged_content,omitempty"`
	SummaryTitle    *string `json:"summary_title,omitempty"`
	SummaryBody     *string `json:"summary_body,omitempty"`
	SummaryPriority *string `json:"summary_priority,omitempty"`
	TicketID        *string `json:"ticket_id,omitempty"`
	TicketURL       *string `json:"ticket_url,omitempty"`

	// StepErrors is the append-only error ledger, keyed by step name.
	StepErrors map[string][]StepError `json:"step_errors,omitempty"`
}

// NewRunState creates the initial state for a run.
func NewRunState(runID string, force bool) *RunState {
	return &RunState{RunID: runID, Force: force}
}

// Clone returns an independent deep copy of the state.
func (s *RunState) Clone() *RunState {
	out := *s
	out.Attachments = make([]Attachment, len(s.Attachments))
	for i, att := range s.Attachments {
		out.Attachments[i] = att
		out.Attachments[i].ExtractedText = copyString(att.ExtractedText)
	}
	out.MergedContent = copyString(s.MergedContent)
	out.SummaryTitle = copyString(s.SummaryTitle)
	out.SummaryBody = copyString(s.SummaryBody)
	out.SummaryPriority = copyString(s.SummaryPriority)
	out.TicketID = copyString(s.TicketID)
	out.TicketURL = copyString(s.TicketURL)
	out.StepErrors = copyStepErrors(s.StepErrors)
	return &out
}

// Merge folds fields set in other into a copy of the receiver. Branches
// write disjoint result fields, so the union needs no conflict resolution:
// a field is taken from other only when the receiver has not set it.
// Extracted attachment texts are matched by attachment id, and the error
// ledgers are unioned per step.
func (s *RunState) Merge(other *RunState) *RunState {
	out := s.Clone()
	if other == nil {
		return out
	}
	if !out.Loaded && other.Loaded {
		out.Loaded = true
		out.Subject = other.Subject
		out.Sender = other.Sender
		out.Body = other.Body
	}
	if len(out.Attachments) == 0 && len(other.Attachments) > 0 {
		for _, att := range other.Attachments {
			att.ExtractedText = copyString(att.ExtractedText)
			out.Attachments = append(out.Attachments, att)
		}
	} else {
		texts := make(map[string]*string, len(other.Attachments))
		for _, att := range other.Attachments {
			if att.ExtractedText != nil {
				texts[att.ID] = att.ExtractedText
			}
		}
		for i, att := range out.Attachments {
			if att.ExtractedText == nil {
				out.Attachments[i].ExtractedText = copyString(texts[att.ID])
			}
		}
	}
	if out.MergedContent == nil {
		out.MergedContent = copyString(other.MergedContent)
	}
	if out.SummaryTitle == nil {
		out.SummaryTitle = copyString(other.SummaryTitle)
	}
	if out.SummaryBody == nil {
		out.SummaryBody = copyString(other.SummaryBody)
	}
	if out.SummaryPriority == nil {
		out.SummaryPriority = copyString(other.SummaryPriority)
	}
	if out.TicketID == nil {
		out.TicketID = copyString(other.TicketID)
	}
	if out.TicketURL == nil {
		out.TicketURL = copyString(other.TicketURL)
	}
	for step, entries := range other.StepErrors {
		if len(entries) > len(out.StepErrors[step]) {
			if out.StepErrors == nil {
				out.StepErrors = map[string][]StepError{}
			}
			out.StepErrors[step] = copyStepErrorList(entries)
		}
	}
	return out
}

// WithStepError returns a copy with an entry appended to the error ledger.
func (s *RunState) WithStepError(step string, err error) *RunState {
	out := s.Clone()
	if out.StepErrors == nil {
		out.StepErrors = map[string][]StepError{}
	}
	out.StepErrors[step] = append(out.StepErrors[step], StepError{
		Message: err.Error(),
		Time:    time.Now(),
	})
	return out
}

// HasErrors reports whether any step has recorded an error.
func (s *RunState) HasErrors() bool {
	return len(s.StepErrors) > 0
}

// FailedSteps returns the sorted names of steps with recorded errors.
func (s *RunState) FailedSteps() []string {
	if len(s.StepErrors) == 0 {
		return nil
	}
	steps := make([]string, 0, len(s.StepErrors))
	for step := range s.StepErrors {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	return steps
}

// Forced reports whether this run bypasses completion short-circuits and
// durable status transitions.
func (s *RunState) Forced() bool {
	return s.Force
}

// ExtractedTexts returns the non-empty extracted texts in attachment order.
func (s *RunState) ExtractedTexts() []string {
	var texts []string
	for _, att := range s.Attachments {
		if att.ExtractedText != nil && *att.ExtractedText != "" {
			texts = append(texts, *att.ExtractedText)
		}
	}
	return texts
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

func copyStepErrors(m map[string][]StepError) map[string][]StepError {
	if m == nil {
		return nil
	}
	out := make(map[string][]StepError, len(m))
	for step, entries := range m {
		out[step] = copyStepErrorList(entries)
	}
	return out
}

func copyStepErrorList(entries []StepError) []StepError {
	return append([]StepError{}, entries...)
}
