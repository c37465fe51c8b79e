package mailpipe

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory RecordStore used in tests and local setups.
type MemoryStore struct {
	mutex    sync.Mutex
	messages map[string]*Message
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: map[string]*Message{}}
}

// Put inserts or replaces a record. Timestamps are preserved as given so
// tests can age records for the reclaimer.
func (s *MemoryStore) Put(msg *Message) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	copied := copyMessage(msg)
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	if copied.UpdatedAt.IsZero() {
		copied.UpdatedAt = time.Now()
	}
	s.messages[msg.ID] = copied
}

// Load returns the record for the given id.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Message, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyMessage(msg), nil
}

// MarkProcessing transitions the record into PROCESSING.
func (s *MemoryStore) MarkProcessing(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrRecordNotFound
	}
	msg.Status = StatusProcessing
	msg.StatusDetail = ""
	msg.UpdatedAt = time.Now()
	return nil
}

// SyncResults writes the populated result fields of the state back to the
// record. The write replaces field-for-field, so repeating it with the same
// state is a no-op.
func (s *MemoryStore) SyncResults(ctx context.Context, state *RunState, markSuccess bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	msg, ok := s.messages[state.RunID]
	if !ok {
		return ErrRecordNotFound
	}
	msg.MergedContent = copyString(state.MergedContent)
	msg.SummaryTitle = copyString(state.SummaryTitle)
	msg.SummaryBody = copyString(state.SummaryBody)
	msg.SummaryPriority = copyString(state.SummaryPriority)
	msg.TicketID = copyString(state.TicketID)
	msg.TicketURL = copyString(state.TicketURL)

	texts := make(map[string]*string, len(state.Attachments))
	for _, att := range state.Attachments {
		texts[att.ID] = att.ExtractedText
	}
	for i, att := range msg.Attachments {
		if text := texts[att.ID]; text != nil {
			msg.Attachments[i].ExtractedText = copyString(text)
		}
	}

	if markSuccess {
		msg.Status = StatusSuccess
		msg.StatusDetail = ""
	}
	msg.UpdatedAt = time.Now()
	return nil
}

// MarkFailed transitions the record into FAILED.
func (s *MemoryStore) MarkFailed(ctx context.Context, id string, failedSteps []string, detail string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrRecordNotFound
	}
	msg.Status = StatusFailed
	if len(failedSteps) > 0 {
		detail = detail + ": " + strings.Join(failedSteps, ", ")
	}
	msg.StatusDetail = detail
	msg.UpdatedAt = time.Now()
	return nil
}

// ListFetched returns up to limit FETCHED record ids, oldest first.
func (s *MemoryStore) ListFetched(ctx context.Context, limit int) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var fetched []*Message
	for _, msg := range s.messages {
		if msg.Status == StatusFetched {
			fetched = append(fetched, msg)
		}
	}
	sort.Slice(fetched, func(i, j int) bool {
		return fetched[i].UpdatedAt.Before(fetched[j].UpdatedAt)
	})

	var ids []string
	for _, msg := range fetched {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

// ReclaimStuck fails records stuck in PROCESSING for longer than olderThan.
func (s *MemoryStore) ReclaimStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var ids []string
	for id, msg := range s.messages {
		if msg.Status == StatusProcessing && msg.UpdatedAt.Before(cutoff) {
			msg.Status = StatusFailed
			msg.StatusDetail = TimedOutDetail
			msg.UpdatedAt = time.Now()
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func copyMessage(msg *Message) *Message {
	out := *msg
	out.Attachments = make([]AttachmentRecord, len(msg.Attachments))
	for i, att := range msg.Attachments {
		out.Attachments[i] = att
		out.Attachments[i].ExtractedText = copyString(att.ExtractedText)
	}
	out.MergedContent = copyString(msg.MergedContent)
	out.SummaryTitle = copyString(msg.SummaryTitle)
	out.SummaryBody = copyString(msg.SummaryBody)
	out.SummaryPriority = copyString(msg.SummaryPriority)
	out.TicketID = copyString(msg.TicketID)
	out.TicketURL = copyString(msg.TicketURL)
	return &out
}
