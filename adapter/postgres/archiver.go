package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/trickstertwo/xdispatch"
)

// Archiver copies dispatched outbox rows into the archive table before the
// mediator deletes them.
type Archiver struct {
	db      *sql.DB
	outbox  string
	archive string
}

var _ xdispatch.Archiver = (*Archiver)(nil)

func NewArchiver(db *sql.DB, cfg Config) *Archiver {
	return &Archiver{
		db:      db,
		outbox:  pq.QuoteIdentifier(cfg.OutboxTable),
		archive: pq.QuoteIdentifier(cfg.ArchiveTable),
	}
}

func (a *Archiver) Archive(ctx context.Context, records []xdispatch.OutboxRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.Message.ID()
	}
	query := fmt.Sprintf(`
        INSERT INTO %s SELECT * FROM %s WHERE id = ANY($1)
        ON CONFLICT (id) DO NOTHING`, a.archive, a.outbox)
	_, err := conn(ctx, a.db).ExecContext(ctx, query, pq.Array(ids))
	return err
}
