package mailpipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftlock/mailpipe/engine"
)

// Step names. They identify graph nodes, ledger entries and checkpoint
// metadata, so they are part of the durable format.
const (
	StepPrepare      = "prepare"
	StepOCR          = "ocr"
	StepMergeContent = "merge_content"
	StepSummarize    = "summarize"
	StepCreateTicket = "create_ticket"
	StepFinalize     = "finalize"
)

// ErrAlreadySucceeded aborts a non-forced run against a record that has
// already been processed successfully.
var ErrAlreadySucceeded = errors.New("record already processed successfully")

// DefaultTopology returns the fixed step graph: prepare fans out into the
// ocr branch and the content branch, summarize joins them, and the ticket
// step leads into finalize.
func DefaultTopology() *engine.Topology {
	return &engine.Topology{
		Name: Namespace,
		Steps: []engine.TopologyStep{
			{Name: StepPrepare},
			{Name: StepOCR, DependsOn: []string{StepPrepare}},
			{Name: StepMergeContent, DependsOn: []string{StepPrepare}},
			{Name: StepSummarize, DependsOn: []string{StepOCR, StepMergeContent}},
			{Name: StepCreateTicket, DependsOn: []string{StepSummarize}},
			{Name: StepFinalize, DependsOn: []string{StepCreateTicket}},
		},
	}
}

func (p *Pipeline) steps() map[string]engine.Step[*RunState] {
	return map[string]engine.Step[*RunState]{
		StepPrepare:      p.prepareStep(),
		StepOCR:          p.ocrStep(),
		StepMergeContent: p.mergeContentStep(),
		StepSummarize:    p.summarizeStep(),
		StepCreateTicket: p.createTicketStep(),
		StepFinalize:     p.finalizeStep(),
	}
}

// prepareStep is the sole entry point for reading the business record into
// the state. A missing record is fatal: there is nothing to finalize.
func (p *Pipeline) prepareStep() *engine.Lifecycle[*RunState] {
	return &engine.Lifecycle[*RunState]{
		StepName:  StepPrepare,
		Fatal:     true,
		Completed: func(s *RunState) bool { return s.Loaded },
		Execute: func(ctx context.Context, s *RunState) (*RunState, error) {
			msg, err := p.records.Load(ctx, s.RunID)
			if err != nil {
				return s, err
			}
			if msg.Status == StatusSuccess && !s.Force {
				return s, fmt.Errorf("%w: %s", ErrAlreadySucceeded, s.RunID)
			}

			out := s.Clone()
			out.Loaded = true
			out.Subject = msg.Subject
			out.Sender = msg.Sender
			out.Body = msg.Body
			out.Attachments = make([]Attachment, 0, len(msg.Attachments))
			for _, att := range msg.Attachments {
				out.Attachments = append(out.Attachments, Attachment{
					ID:          att.ID,
					Path:        att.Path,
					ContentType: att.ContentType,
				})
			}

			if !s.Force {
				if err := p.records.MarkProcessing(ctx, s.RunID); err != nil {
					return s, err
				}
				p.notifier.Notify(ctx, NewEvent(EventProcessing, s.RunID, nil))
			}
			return out, nil
		},
	}
}

// ocrStep extracts text from every image attachment. It is silently skipped
// when the message has no image attachments.
func (p *Pipeline) ocrStep() *engine.Lifecycle[*RunState] {
	hasImages := func(s *RunState) bool {
		for _, att := range s.Attachments {
			if att.IsImage() {
				return true
			}
		}
		return false
	}
	return &engine.Lifecycle[*RunState]{
		StepName: StepOCR,
		Requires: func(s *RunState) bool { return s.Loaded && hasImages(s) },
		Completed: func(s *RunState) bool {
			for _, att := range s.Attachments {
				if att.IsImage() && att.ExtractedText == nil {
					return false
				}
			}
			return true
		},
		Execute: func(ctx context.Context, s *RunState) (*RunState, error) {
			out := s.Clone()
			for i, att := range out.Attachments {
				if !att.IsImage() {
					continue
				}
				if att.ExtractedText != nil && !s.Force {
					continue
				}
				text, err := p.ocr.ExtractText(ctx, att)
				if err != nil {
					return s, fmt.Errorf("ocr failed for attachment %s: %w", att.ID, err)
				}
				out.Attachments[i].ExtractedText = &text
			}
			return out, nil
		},
	}
}

// mergeContentStep produces the canonical content from subject and body.
func (p *Pipeline) mergeContentStep() *engine.Lifecycle[*RunState] {
	return &engine.Lifecycle[*RunState]{
		StepName:  StepMergeContent,
		Requires:  func(s *RunState) bool { return s.Loaded },
		Completed: func(s *RunState) bool { return s.MergedContent != nil },
		Execute: func(ctx context.Context, s *RunState) (*RunState, error) {
			content, err := p.merger.MergeContent(ctx, s.Subject, s.Body)
			if err != nil {
				return s, err
			}
			out := s.Clone()
			out.MergedContent = &content
			return out, nil
		},
	}
}

// summarizeStep joins the ocr and content branches and produces the ticket
// summary fields.
func (p *Pipeline) summarizeStep() *engine.Lifecycle[*RunState] {
	return &engine.Lifecycle[*RunState]{
		StepName:  StepSummarize,
		Requires:  func(s *RunState) bool { return s.MergedContent != nil },
		Completed: func(s *RunState) bool { return s.SummaryTitle != nil && s.SummaryBody != nil },
		Execute: func(ctx context.Context, s *RunState) (*RunState, error) {
			summary, err := p.summarizer.Summarize(ctx, *s.MergedContent, s.ExtractedTexts())
			if err != nil {
				return s, err
			}
			out := s.Clone()
			out.SummaryTitle = &summary.Title
			out.SummaryBody = &summary.Body
			out.SummaryPriority = &summary.Priority
			return out, nil
		},
	}
}

// createTicketStep files the issue-tracker ticket.
func (p *Pipeline) createTicketStep() *engine.Lifecycle[*RunState] {
	return &engine.Lifecycle[*RunState]{
		StepName:  StepCreateTicket,
		Requires:  func(s *RunState) bool { return s.SummaryTitle != nil && s.SummaryBody != nil },
		Completed: func(s *RunState) bool { return s.TicketID != nil },
		Execute: func(ctx context.Context, s *RunState) (*RunState, error) {
			req := TicketRequest{
				RunID: s.RunID,
				Title: *s.SummaryTitle,
				Body:  *s.SummaryBody,
			}
			if s.SummaryPriority != nil {
				req.Priority = *s.SummaryPriority
			}
			ticket, err := p.tickets.CreateTicket(ctx, req)
			if err != nil {
				return s, err
			}
			out := s.Clone()
			out.TicketID = &ticket.ID
			out.TicketURL = &ticket.URL
			return out, nil
		},
	}
}

// finalizeStep is the sole exit point. It always runs, inspects the error
// ledger, and resolves the run into a durable SUCCESS or FAILED status.
func (p *Pipeline) finalizeStep() *engine.Lifecycle[*RunState] {
	return &engine.Lifecycle[*RunState]{
		StepName:  StepFinalize,
		AlwaysRun: true,
		Execute: func(ctx context.Context, s *RunState) (*RunState, error) {
			if s.HasErrors() {
				if !s.Force {
					failed := s.FailedSteps()
					if err := p.records.MarkFailed(ctx, s.RunID, failed, "step failures"); err != nil {
						return s, err
					}
					p.notifier.Notify(ctx, NewEvent(EventFailed, s.RunID, failed))
				}
				return s, nil
			}
			if err := p.records.SyncResults(ctx, s, !s.Force); err != nil {
				return s, err
			}
			if !s.Force {
				p.notifier.Notify(ctx, NewEvent(EventSuccess, s.RunID, nil))
			}
			return s, nil
		},
	}
}
