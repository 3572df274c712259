package postgres

import (
	"context"
	"database/sql"
)

type txKey struct{}

// WithTx makes the outbox and inbox run their statements on tx, so a
// deposit commits or rolls back with the caller's own writes.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction set by WithTx.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// querier is the subset of *sql.DB and *sql.Tx the stores use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func conn(ctx context.Context, db *sql.DB) querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}

// inTx runs fn on the caller's transaction or on a new one committed on success.
func inTx(ctx context.Context, db *sql.DB, fn func(q querier) error) error {
	if tx, ok := TxFromContext(ctx); ok {
		return fn(tx)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
