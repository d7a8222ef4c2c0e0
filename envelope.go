package pgbus

import "time"

// State is the processing state of an envelope.
//
// The only legal transitions are pending -> in_progress -> {done, failed} and
// in_progress -> pending (re-queue after a failed attempt or a stale-lock
// reclaim). Done and failed are terminal; a terminal envelope is never
// resurrected.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether the state is an end state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Envelope is one persisted event on a channel.
//
// The payload is opaque bytes - pgbus never inspects or validates it, so
// JSON, protobuf, or double-encoded payloads all pass through untouched.
// Attempts counts dispatch attempts and never decreases. LockToken identifies
// the holder currently processing the envelope and is empty when unlocked.
type Envelope struct {
	ID        int64
	Channel   string
	Payload   []byte
	State     State
	Attempts  int
	LockToken string
	CreatedAt time.Time

	// ClaimedAt is set each time the envelope enters in_progress; it is what
	// the stale-lock reclaim compares against.
	ClaimedAt time.Time

	// ProcessedAt is set once, on the transition to done or failed.
	ProcessedAt time.Time
}
