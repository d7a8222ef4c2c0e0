package pgbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Source is the wake-up signal side of the bus: a subscription to one or
// more channels that blocks until a signal arrives. Signals are lossy by
// contract - the Listener never relies on them for correctness, only to cut
// polling latency.
type Source interface {
	// Connect (re)establishes the subscription for the given channels.
	Connect(ctx context.Context, channels []string) error

	// Wait blocks until a signal arrives on a subscribed channel and returns
	// the channel name. It returns the context's error on cancellation or
	// deadline, and any other error means the subscription is broken and
	// Connect must be called again.
	Wait(ctx context.Context) (string, error)

	// Close tears the subscription down.
	Close(ctx context.Context) error
}

// PGSource subscribes with LISTEN on a dedicated connection and waits for
// notifications. One PGSource serves one listener process.
type PGSource struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

// NewPGSource creates a LISTEN-based signal source on the given pool.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

// Connect implements Source. It pins a connection from the pool and issues
// LISTEN for every channel.
func (s *PGSource) Connect(ctx context.Context, channels []string) error {
	if s.conn != nil {
		s.Close(ctx)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}

	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			conn.Release()
			return fmt.Errorf("listen %q: %w", ch, err)
		}
	}

	s.conn = conn
	return nil
}

// Wait implements Source. A context deadline set by the caller implements the
// poll timeout: pgx unblocks the wait without invalidating the connection.
func (s *PGSource) Wait(ctx context.Context) (string, error) {
	if s.conn == nil {
		return "", errors.New("pgbus: source not connected")
	}

	n, err := s.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Channel, nil
}

// Close implements Source. The UNLISTEN is best-effort; a broken connection
// is discarded by the pool on release.
func (s *PGSource) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil

	if !conn.Conn().IsClosed() {
		conn.Exec(ctx, "UNLISTEN *")
	}
	conn.Release()
	return nil
}
