package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/trickstertwo/xdispatch"
)

// Inbox is an xdispatch.Inbox on a Postgres table keyed by
// (request_id, context_key). Statements join the transaction set with WithTx.
type Inbox struct {
	db    *sql.DB
	table string
}

var _ xdispatch.Inbox = (*Inbox)(nil)

func NewInbox(db *sql.DB, cfg Config) *Inbox {
	return &Inbox{db: db, table: pq.QuoteIdentifier(cfg.InboxTable)}
}

func (i *Inbox) Exists(ctx context.Context, requestID, contextKey string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE request_id = $1 AND context_key = $2)`, i.table)
	var ok bool
	err := conn(ctx, i.db).QueryRowContext(ctx, query, requestID, contextKey).Scan(&ok)
	return ok, err
}

func (i *Inbox) Add(ctx context.Context, requestID, contextKey string) error {
	query := fmt.Sprintf(`
        INSERT INTO %s (request_id, context_key) VALUES ($1, $2)
        ON CONFLICT (request_id, context_key) DO NOTHING`, i.table)
	_, err := conn(ctx, i.db).ExecContext(ctx, query, requestID, contextKey)
	return err
}
