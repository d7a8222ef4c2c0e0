package pgbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLocker implements Locker with PostgreSQL session advisory locks keyed by
// envelope id. Each held lock pins one pooled connection; the lock lives
// exactly as long as that session, so if the holding process crashes the
// server releases the lock on its own and no envelope is stranded.
type PGLocker struct {
	pool *pgxpool.Pool
}

// NewPGLocker creates an advisory-lock coordinator on the given pool.
func NewPGLocker(pool *pgxpool.Pool) *PGLocker {
	return &PGLocker{pool: pool}
}

// Acquire implements Locker. It uses pg_try_advisory_lock, which returns
// immediately: ok is false when another session holds the lock.
func (l *PGLocker) Acquire(ctx context.Context, id int64) (Lock, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock conn: %w", err)
	}

	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&got); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %d: %w", id, err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}
	return &pgLock{conn: conn, id: id}, true, nil
}

type pgLock struct {
	mu   sync.Mutex
	conn *pgxpool.Conn
	id   int64
}

// Release unlocks and returns the connection to the pool. Calling it again is
// a no-op.
func (l *pgLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.id); err != nil {
		// The session still holds the lock; destroying the connection makes
		// the server release it.
		conn.Conn().Close(ctx)
		return fmt.Errorf("advisory unlock %d: %w", l.id, err)
	}
	return nil
}
