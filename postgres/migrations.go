package postgres

import (
	"context"
	"fmt"
	"sort"
)

// migrations are applied in version order inside one transaction each. New
// schema changes get the next version number.
var migrations = map[int]string{
	1: `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'CREATED',
			status_detail TEXT NOT NULL DEFAULT '',
			merged_content TEXT,
			summary_title TEXT,
			summary_body TEXT,
			summary_priority TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS attachments (
			message_id TEXT NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
			id TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			extracted_text TEXT,
			PRIMARY KEY (message_id, id)
		);

		CREATE TABLE IF NOT EXISTS tickets (
			message_id TEXT PRIMARY KEY REFERENCES messages (id) ON DELETE CASCADE,
			ticket_id TEXT NOT NULL,
			ticket_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_messages_status_updated
			ON messages (status, updated_at);
	`,
}

func (s *Store) migrate(ctx context.Context) error {
	const migrationsTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := s.db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}

	versions := make([]int, 0, len(migrations))
	for version := range migrations {
		versions = append(versions, version)
	}
	sort.Ints(versions)

	for _, version := range versions {
		if version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[version]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
		s.logger.InfoContext(ctx, "applied migration", "version", version)
	}
	return nil
}
