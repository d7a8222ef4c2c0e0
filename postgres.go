package pgbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the PostgreSQL implementation of Store, plus the publish side of
// the bus. One ledger table holds every envelope; all state changes go through
// the compare-and-swap in Transition.
//
// Publishing writes the ledger row and issues pg_notify in the caller's
// transaction. PostgreSQL queues NOTIFY until commit, so a rollback discards
// both the row and the wake-up signal - listeners can never be woken for an
// envelope that doesn't exist.
type PGStore struct {
	pool       *pgxpool.Pool
	schema     string
	table      string
	staleAfter time.Duration

	pruneInterval  time.Duration
	pruneOlderThan time.Duration
	pruneClose     chan struct{}
	pruneDone      chan struct{}
	closeOnce      sync.Once
}

// PGStoreOption configures a PGStore.
type PGStoreOption func(*PGStore)

// WithTable sets the ledger table name.
// Default: "pgbus_envelopes"
func WithTable(name string) PGStoreOption {
	return func(s *PGStore) {
		s.table = name
	}
}

// WithSchema sets the PostgreSQL schema for the ledger table.
// Default: "public"
func WithSchema(schema string) PGStoreOption {
	return func(s *PGStore) {
		s.schema = schema
	}
}

// WithStaleAfter sets how long an envelope may sit in_progress before the
// catch-up scan treats its holder as crashed and re-queues it. Set it well
// above the longest expected handler run, or a slow-but-alive holder's work
// may be handed to another process.
// Default: 5 minutes
func WithStaleAfter(d time.Duration) PGStoreOption {
	return func(s *PGStore) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithPrune enables periodic deletion of done envelopes older than the given
// age. Failed envelopes are never pruned - they stay for inspection and
// manual replay. If not set, call PruneDone manually (e.g. via cron).
// Default: no automatic pruning
func WithPrune(interval, olderThan time.Duration) PGStoreOption {
	return func(s *PGStore) {
		s.pruneInterval = interval
		s.pruneOlderThan = olderThan
	}
}

// NewPGStore creates a PostgreSQL-backed ledger store. The table must exist;
// create it with CreateTable. The pool must remain open for the lifetime of
// the store.
func NewPGStore(pool *pgxpool.Pool, opts ...PGStoreOption) *PGStore {
	s := &PGStore{
		pool:       pool,
		schema:     "public",
		table:      "pgbus_envelopes",
		staleAfter: 5 * time.Minute,
		pruneClose: make(chan struct{}),
		pruneDone:  make(chan struct{}),
	}

	// No prune loop by default
	close(s.pruneDone)

	for _, opt := range opts {
		opt(s)
	}

	// The loop starts only after every option has been applied, so it never
	// observes a half-configured store.
	if s.pruneInterval > 0 {
		s.pruneDone = make(chan struct{})
		go s.pruneLoop(s.pruneInterval, s.pruneOlderThan)
	}
	return s
}

func (s *PGStore) ident() string {
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

// CreateTable creates the envelope ledger table and its indexes.
func (s *PGStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			channel TEXT NOT NULL,
			payload BYTEA NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			lock_token TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			claimed_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ
		)
	`, s.ident())

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return err
	}

	// Partial index covering the catch-up scan
	idxName := s.table + "_pending_idx"
	idxQuery := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s ON %s (channel, id)
		WHERE state IN ('pending', 'in_progress')
	`, pgx.Identifier{idxName}.Sanitize(), s.ident())

	_, err := s.pool.Exec(ctx, idxQuery)
	return err
}

// Append writes a new pending envelope inside the caller's transaction and
// returns its id. A rollback of tx discards the envelope.
func (s *PGStore) Append(ctx context.Context, tx pgx.Tx, channel string, payload []byte) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (channel, payload) VALUES ($1, $2) RETURNING id
	`, s.ident())

	var id int64
	if err := tx.QueryRow(ctx, query, channel, payload).Scan(&id); err != nil {
		return 0, fmt.Errorf("append envelope: %w", err)
	}
	return id, nil
}

// Publish appends an envelope and emits the wake-up NOTIFY on the channel,
// both inside the caller's transaction. The server delivers the NOTIFY only
// if tx commits. The notification payload carries the envelope id, but
// listeners treat it as a wake-up only - the ledger row is the source of
// truth, and a dropped notification is recovered by the poll-timeout scan.
func (s *PGStore) Publish(ctx context.Context, tx pgx.Tx, channel string, payload []byte) (int64, error) {
	id, err := s.Append(ctx, tx, channel, payload)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, strconv.FormatInt(id, 10)); err != nil {
		return 0, fmt.Errorf("notify %q: %w", channel, err)
	}
	return id, nil
}

// ClaimPending implements Store. Stale in_progress envelopes are flipped back
// to pending first, so a crashed holder's work surfaces in the same scan.
func (s *PGStore) ClaimPending(ctx context.Context, channel string, limit int) ([]int64, error) {
	reclaim := fmt.Sprintf(`
		UPDATE %s
		SET state = 'pending', lock_token = NULL, claimed_at = NULL
		WHERE channel = $1 AND state = 'in_progress' AND claimed_at < NOW() - $2::interval
	`, s.ident())

	stale := fmt.Sprintf("%f seconds", s.staleAfter.Seconds())
	if _, err := s.pool.Exec(ctx, reclaim, channel, stale); err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE channel = $1 AND state = 'pending'
		ORDER BY id
		LIMIT $2
	`, s.ident())

	rows, err := s.pool.Query(ctx, query, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Load implements Store.
func (s *PGStore) Load(ctx context.Context, id int64) (Envelope, error) {
	query := fmt.Sprintf(`
		SELECT id, channel, payload, state, attempts,
		       COALESCE(lock_token, ''), created_at, claimed_at, processed_at
		FROM %s WHERE id = $1
	`, s.ident())

	var e Envelope
	var claimedAt, processedAt *time.Time
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.Channel, &e.Payload, &e.State, &e.Attempts,
		&e.LockToken, &e.CreatedAt, &claimedAt, &processedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Envelope{}, ErrNotFound
		}
		return Envelope{}, fmt.Errorf("load envelope %d: %w", id, err)
	}
	if claimedAt != nil {
		e.ClaimedAt = *claimedAt
	}
	if processedAt != nil {
		e.ProcessedAt = *processedAt
	}
	return e, nil
}

// Transition implements Store.
func (s *PGStore) Transition(ctx context.Context, id int64, from, to State, token string) (bool, error) {
	var query string
	var args []any

	switch to {
	case StateInProgress:
		query = fmt.Sprintf(`
			UPDATE %s
			SET state = $1, attempts = attempts + 1, lock_token = $2, claimed_at = NOW()
			WHERE id = $3 AND state = $4
		`, s.ident())
		args = []any{to, token, id, from}
	case StateDone, StateFailed:
		query = fmt.Sprintf(`
			UPDATE %s
			SET state = $1, lock_token = NULL, processed_at = NOW()
			WHERE id = $2 AND state = $3
		`, s.ident())
		args = []any{to, id, from}
	default:
		query = fmt.Sprintf(`
			UPDATE %s
			SET state = $1, lock_token = NULL, claimed_at = NULL
			WHERE id = $2 AND state = $3
		`, s.ident())
		args = []any{to, id, from}
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition envelope %d %s->%s: %w", id, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// PruneDone deletes done envelopes whose processed_at is older than olderThan.
// Returns the number of envelopes deleted. Failed envelopes are kept.
func (s *PGStore) PruneDone(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE state = 'done' AND processed_at < NOW() - $1::interval
	`, s.ident())

	age := fmt.Sprintf("%f seconds", olderThan.Seconds())
	tag, err := s.pool.Exec(ctx, query, age)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// pruneLoop runs PruneDone at the specified interval.
func (s *PGStore) pruneLoop(interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.pruneDone)

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.PruneDone(ctx, olderThan)
			cancel()
		case <-s.pruneClose:
			return
		}
	}
}

// Close stops the background prune goroutine if one is running. It is safe
// to call more than once. It does NOT close the pool, which may be shared
// with other components.
func (s *PGStore) Close() error {
	s.closeOnce.Do(func() { close(s.pruneClose) })
	<-s.pruneDone
	return nil
}
