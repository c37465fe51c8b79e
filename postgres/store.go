// Package postgres implements the durable business record store on
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"

	mailpipe "github.com/driftlock/mailpipe"
)

// Store is a PostgreSQL-backed mailpipe.RecordStore. A message row holds the
// 5-value status machine and the flat result fields; attachments and the
// created ticket live in child tables keyed by the message id.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore connects to the database, runs migrations and returns the store.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger.With("module", "postgres_store"),
	}
	if err := store.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the message record and its attachments.
func (s *Store) Load(ctx context.Context, id string) (*mailpipe.Message, error) {
	const query = `
		SELECT id, subject, sender, body, status, status_detail,
		       merged_content, summary_title, summary_body, summary_priority,
		       created_at, updated_at
		FROM messages WHERE id = $1
	`
	var msg mailpipe.Message
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&msg.ID, &msg.Subject, &msg.Sender, &msg.Body,
		&msg.Status, &msg.StatusDetail,
		&msg.MergedContent, &msg.SummaryTitle, &msg.SummaryBody, &msg.SummaryPriority,
		&msg.CreatedAt, &msg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailpipe.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}

	const ticketQuery = `SELECT ticket_id, ticket_url FROM tickets WHERE message_id = $1`
	var ticketID, ticketURL string
	switch err := s.db.QueryRowContext(ctx, ticketQuery, id).Scan(&ticketID, &ticketURL); {
	case err == nil:
		msg.TicketID = &ticketID
		msg.TicketURL = &ticketURL
	case errors.Is(err, sql.ErrNoRows):
		// no ticket yet
	default:
		return nil, fmt.Errorf("failed to load ticket for message %s: %w", id, err)
	}

	const attachmentQuery = `
		SELECT id, path, content_type, extracted_text
		FROM attachments WHERE message_id = $1 ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, attachmentQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load attachments for message %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var att mailpipe.AttachmentRecord
		if err := rows.Scan(&att.ID, &att.Path, &att.ContentType, &att.ExtractedText); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attachments: %w", err)
	}
	return &msg, nil
}

// MarkProcessing transitions the record into PROCESSING.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	const query = `
		UPDATE messages
		SET status = $2, status_detail = '', updated_at = NOW()
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query, id, mailpipe.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark message %s processing: %w", id, err)
	}
	return s.expectOneRow(result, id)
}

// SyncResults writes every populated result field, the per-attachment
// extracted texts and the ticket row in a single transaction. Every write is
// an idempotent upsert, so a retried finalize produces the same end-state.
func (s *Store) SyncResults(ctx context.Context, state *mailpipe.RunState, markSuccess bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const messageQuery = `
		UPDATE messages
		SET merged_content = $2,
		    summary_title = $3,
		    summary_body = $4,
		    summary_priority = $5,
		    status = CASE WHEN $6 THEN 'SUCCESS' ELSE status END,
		    status_detail = CASE WHEN $6 THEN '' ELSE status_detail END,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := tx.ExecContext(ctx, messageQuery, state.RunID,
		state.MergedContent, state.SummaryTitle, state.SummaryBody, state.SummaryPriority,
		markSuccess)
	if err != nil {
		return fmt.Errorf("failed to sync message %s: %w", state.RunID, err)
	}
	if err := s.expectOneRow(result, state.RunID); err != nil {
		return err
	}

	const attachmentQuery = `
		UPDATE attachments SET extracted_text = $3
		WHERE message_id = $1 AND id = $2
	`
	for _, att := range state.Attachments {
		if att.ExtractedText == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, attachmentQuery, state.RunID, att.ID, *att.ExtractedText); err != nil {
			return fmt.Errorf("failed to sync attachment %s: %w", att.ID, err)
		}
	}

	if state.TicketID != nil {
		const ticketQuery = `
			INSERT INTO tickets (message_id, ticket_id, ticket_url, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (message_id)
			DO UPDATE SET ticket_id = EXCLUDED.ticket_id, ticket_url = EXCLUDED.ticket_url
		`
		var url string
		if state.TicketURL != nil {
			url = *state.TicketURL
		}
		if _, err := tx.ExecContext(ctx, ticketQuery, state.RunID, *state.TicketID, url); err != nil {
			return fmt.Errorf("failed to sync ticket for message %s: %w", state.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results for message %s: %w", state.RunID, err)
	}
	s.logger.DebugContext(ctx, "synced run results", "run_id", state.RunID, "mark_success", markSuccess)
	return nil
}

// MarkFailed transitions the record into FAILED with the given detail.
func (s *Store) MarkFailed(ctx context.Context, id string, failedSteps []string, detail string) error {
	if len(failedSteps) > 0 {
		detail = detail + ": " + strings.Join(failedSteps, ", ")
	}
	const query = `
		UPDATE messages
		SET status = $2, status_detail = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query, id, mailpipe.StatusFailed, detail)
	if err != nil {
		return fmt.Errorf("failed to mark message %s failed: %w", id, err)
	}
	return s.expectOneRow(result, id)
}

// ListFetched returns up to limit FETCHED record ids, oldest first.
func (s *Store) ListFetched(ctx context.Context, limit int) ([]string, error) {
	const query = `
		SELECT id FROM messages
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, mailpipe.StatusFetched, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fetched messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fetched messages: %w", err)
	}
	return ids, nil
}

// ReclaimStuck fails records stuck in PROCESSING for longer than olderThan
// and returns their ids.
func (s *Store) ReclaimStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	const query = `
		UPDATE messages
		SET status = $1, status_detail = $2, updated_at = NOW()
		WHERE status = $3 AND updated_at < NOW() - ($4 * INTERVAL '1 second')
		RETURNING id
	`
	rows, err := s.db.QueryContext(ctx, query,
		mailpipe.StatusFailed, mailpipe.TimedOutDetail,
		mailpipe.StatusProcessing, int64(olderThan.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stuck messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reclaimed messages: %w", err)
	}
	return ids, nil
}

func (s *Store) expectOneRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", mailpipe.ErrRecordNotFound, id)
	}
	return nil
}
