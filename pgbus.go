// Package pgbus provides a durable publish/subscribe event bus built on
// PostgreSQL's LISTEN/NOTIFY.
//
// NOTIFY alone is lossy - a notification sent while no one is listening is
// gone. pgbus pairs every notification with a ledger row written in the
// publisher's own transaction, so events survive listener restarts and can be
// replayed or audited. Listeners use the NOTIFY wake-up purely as a latency
// optimization: a periodic catch-up scan over the ledger is the source of
// truth, and a cooperative advisory lock per row guarantees that at most one
// worker across all processes handles a given event at a time.
//
// Two implementations of the storage and locking contracts are provided:
//   - PGStore/PGLocker: PostgreSQL-backed, multi-process
//   - InMemory: channel-based, single-process, for tests and development
package pgbus

import (
	"context"
	"errors"
)

// Common errors.
var (
	// ErrClosed is returned when operations are attempted on a closed component.
	ErrClosed = errors.New("pgbus: closed")

	// ErrNotFound is returned when an envelope does not exist.
	ErrNotFound = errors.New("pgbus: envelope not found")

	// ErrDuplicateHandler is returned when a handler id is registered twice
	// for the same channel.
	ErrDuplicateHandler = errors.New("pgbus: duplicate handler")
)

// Handler processes the payload of one envelope. A non-nil error marks the
// attempt as failed and drives the retry/dead-letter policy; a panic is
// recovered and treated the same way.
type Handler func(ctx context.Context, payload []byte) error

// Store is the durable envelope ledger shared by all listener processes.
// Implementations must make Transition an atomic compare-and-swap: it is the
// only way envelope state changes, and a false return means another worker
// won the race, not an error.
type Store interface {
	// ClaimPending returns the ids of envelopes on the channel that are ready
	// for dispatch, in ascending id order, at most limit. Envelopes stuck
	// in_progress past the stale deadline (a crashed holder) are re-queued as
	// pending before being returned.
	ClaimPending(ctx context.Context, channel string, limit int) ([]int64, error)

	// Load returns the envelope with the given id, or ErrNotFound.
	Load(ctx context.Context, id int64) (Envelope, error)

	// Transition atomically moves the envelope from one state to another,
	// returning false if the envelope is no longer in the from state.
	// Entering StateInProgress increments attempts and records token as the
	// holder; entering a terminal state stamps processed_at and clears the
	// holder.
	Transition(ctx context.Context, id int64, from, to State, token string) (bool, error)
}

// Lock is a held coordination lock for one envelope.
type Lock interface {
	// Release gives the lock up. It is safe to call more than once.
	Release(ctx context.Context) error
}

// Locker hands out cooperative, cross-process locks keyed by envelope id.
// Acquire never blocks on contention: ok is false when another holder is
// active, and the caller is expected to skip the envelope and let a later
// scan pick it up. A holder that dies without releasing must not strand the
// lock forever.
type Locker interface {
	Acquire(ctx context.Context, id int64) (lock Lock, ok bool, err error)
}
