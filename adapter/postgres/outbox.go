package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/trickstertwo/xdispatch"
)

// Outbox is an xdispatch.Outbox on a Postgres table. Statements join the
// transaction set with WithTx.
type Outbox struct {
	db    *sql.DB
	table string
}

var _ xdispatch.Outbox = (*Outbox)(nil)

const outboxColumns = `id, topic, type, ts_ns, correlation_id, handled_count, bag, content_type, body, dispatched_ns`

func NewOutbox(db *sql.DB, cfg Config) *Outbox {
	return &Outbox{db: db, table: pq.QuoteIdentifier(cfg.OutboxTable)}
}

// Add inserts msgs in one transaction; ids already present are left untouched.
func (o *Outbox) Add(ctx context.Context, msgs ...xdispatch.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
        INSERT INTO %s (id, topic, type, ts_ns, correlation_id, handled_count, bag, content_type, body)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO NOTHING`, o.table)

	added := 0
	err := inTx(ctx, o.db, func(q querier) error {
		for _, m := range msgs {
			if m.ID() == "" {
				return errors.New("postgres outbox: message without id")
			}
			bag, err := json.Marshal(m.Header.Bag)
			if err != nil {
				return fmt.Errorf("postgres outbox: encode bag of %s: %w", m.ID(), err)
			}
			h := m.Header
			res, err := q.ExecContext(ctx, query,
				h.ID, h.Topic, string(h.Type), unixNano(h.Timestamp), h.CorrelationID, h.HandledCount,
				string(bag), m.Body.ContentType, m.Body.Bytes,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func (o *Outbox) Get(ctx context.Context, id string) (xdispatch.OutboxRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, outboxColumns, o.table)
	recs, err := o.query(ctx, query, id)
	if err != nil {
		return xdispatch.OutboxRecord{}, err
	}
	if len(recs) == 0 {
		return xdispatch.OutboxRecord{}, fmt.Errorf("%w: %s", xdispatch.ErrMessageNotFound, id)
	}
	return recs[0], nil
}

func (o *Outbox) List(ctx context.Context, page, size int) ([]xdispatch.OutboxRecord, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		return nil, nil
	}
	query := fmt.Sprintf(`
        SELECT %s FROM %s
        ORDER BY ts_ns ASC, seq ASC
        LIMIT $1 OFFSET $2`, outboxColumns, o.table)
	return o.query(ctx, query, size, (page-1)*size)
}

func (o *Outbox) OutstandingMessages(ctx context.Context, olderThan time.Time, limit int, skipTopics ...string) ([]xdispatch.Message, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM %s
        WHERE dispatched_ns IS NULL AND ts_ns <= $1 AND topic <> ALL($3::text[])
        ORDER BY ts_ns ASC, seq ASC
        LIMIT NULLIF($2, 0)`, outboxColumns, o.table)
	// a NULL array would filter every row
	skip := append([]string{}, skipTopics...)
	recs, err := o.query(ctx, query, olderThan.UnixNano(), max(limit, 0), pq.Array(skip))
	if err != nil {
		return nil, err
	}
	out := make([]xdispatch.Message, len(recs))
	for i, r := range recs {
		out[i] = r.Message
	}
	return out, nil
}

func (o *Outbox) OutstandingCount(ctx context.Context) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE dispatched_ns IS NULL`, o.table)
	err := conn(ctx, o.db).QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

// MarkDispatched flags id as dispatched at at. A second mark keeps the
// first timestamp.
func (o *Outbox) MarkDispatched(ctx context.Context, id string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET dispatched_ns = $2
        WHERE id = $1 AND dispatched_ns IS NULL`, o.table)

	q := conn(ctx, o.db)
	result, err := q.ExecContext(ctx, query, id, at.UnixNano())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	var exists bool
	if err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, o.table), id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", xdispatch.ErrMessageNotFound, id)
	}
	return false, nil
}

func (o *Outbox) DispatchedMessages(ctx context.Context, dispatchedBefore time.Time, limit int) ([]xdispatch.OutboxRecord, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM %s
        WHERE dispatched_ns IS NOT NULL AND dispatched_ns <= $1
        ORDER BY dispatched_ns ASC
        LIMIT NULLIF($2, 0)`, outboxColumns, o.table)
	return o.query(ctx, query, dispatchedBefore.UnixNano(), max(limit, 0))
}

func (o *Outbox) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, o.table)
	_, err := conn(ctx, o.db).ExecContext(ctx, query, pq.Array(ids))
	return err
}

func (o *Outbox) query(ctx context.Context, query string, args ...any) ([]xdispatch.OutboxRecord, error) {
	rows, err := conn(ctx, o.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []xdispatch.OutboxRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (xdispatch.OutboxRecord, error) {
	var (
		h            xdispatch.Header
		typ          string
		tsNs         int64
		bag          []byte
		body         xdispatch.Body
		dispatchedNs sql.NullInt64
	)
	if err := rows.Scan(
		&h.ID,
		&h.Topic,
		&typ,
		&tsNs,
		&h.CorrelationID,
		&h.HandledCount,
		&bag,
		&body.ContentType,
		&body.Bytes,
		&dispatchedNs,
	); err != nil {
		return xdispatch.OutboxRecord{}, err
	}
	h.Type = xdispatch.MessageType(typ)
	if tsNs != 0 {
		h.Timestamp = time.Unix(0, tsNs).UTC()
	}
	if len(bag) > 0 {
		if err := json.Unmarshal(bag, &h.Bag); err != nil {
			return xdispatch.OutboxRecord{}, fmt.Errorf("postgres outbox: decode bag of %s: %w", h.ID, err)
		}
	}

	rec := xdispatch.OutboxRecord{Message: xdispatch.NewMessage(h, body)}
	if dispatchedNs.Valid {
		at := time.Unix(0, dispatchedNs.Int64).UTC()
		rec.Dispatched = true
		rec.DispatchedAt = &at
	}
	return rec, nil
}

// unixNano maps the zero time to 0 so it round-trips as zero.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
