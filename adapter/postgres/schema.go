package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Timestamps are stored as Unix nanoseconds so messages round-trip exactly.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	seq            BIGSERIAL,
	id             TEXT PRIMARY KEY,
	topic          TEXT NOT NULL,
	type           TEXT NOT NULL,
	ts_ns          BIGINT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	handled_count  INT NOT NULL DEFAULT 0,
	bag            JSONB NOT NULL DEFAULT '{}',
	content_type   TEXT NOT NULL DEFAULT '',
	body           BYTEA,
	dispatched_ns  BIGINT
);
CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s (ts_ns) WHERE dispatched_ns IS NULL;
CREATE TABLE IF NOT EXISTS %[2]s (
	request_id  TEXT NOT NULL,
	context_key TEXT NOT NULL,
	handled_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (request_id, context_key)
);
CREATE TABLE IF NOT EXISTS %[3]s (LIKE %[1]s INCLUDING INDEXES);
`

// Schema returns the DDL for cfg's tables.
func Schema(cfg Config) string {
	return fmt.Sprintf(schemaTemplate,
		pq.QuoteIdentifier(cfg.OutboxTable),
		pq.QuoteIdentifier(cfg.InboxTable),
		pq.QuoteIdentifier(cfg.ArchiveTable),
		pq.QuoteIdentifier(cfg.OutboxTable+"_outstanding_idx"),
	)
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, cfg Config) error {
	_, err := db.ExecContext(ctx, Schema(cfg))
	return err
}
