package postgres

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Leader elects one sweeper across processes with a session-level advisory
// lock. The lock lives as long as the dedicated connection holding it.
type Leader struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

func NewLeader(db *sql.DB, cfg Config) *Leader {
	return &Leader{db: db, key: cfg.LeaderLockKey}
}

// IsLeader reports whether this process holds the lock, trying to take it
// when it does not. It fits xdispatch.ProcessorBuilder.WithSweep.
func (l *Leader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if l.conn != nil {
		if err := l.conn.PingContext(ctx); err == nil {
			return true
		}
		// connection lost, and the lock with it
		_ = l.conn.Close()
		l.conn = nil
	}

	c, err := l.db.Conn(ctx)
	if err != nil {
		return false
	}
	var ok bool
	if err := c.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil || !ok {
		_ = c.Close()
		return false
	}
	l.conn = c
	return true
}

// Release gives up the lock if held.
func (l *Leader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	cerr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return cerr
}
