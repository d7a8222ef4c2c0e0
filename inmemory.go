package pgbus

import (
	"context"
	"slices"
	"sync"
	"time"
)

// InMemory is a single-process implementation of Store and Locker, with an
// in-process wake-up signal source. It's suitable for tests and development:
// same contracts, no database. Nothing is persisted.
type InMemory struct {
	mu         sync.Mutex
	seq        int64
	rows       map[int64]*Envelope
	locks      map[int64]bool
	subs       []chan string
	staleAfter time.Duration
	dropSigs   bool
	closed     bool
}

// InMemoryOption configures an InMemory bus.
type InMemoryOption func(*InMemory)

// WithMemoryStaleAfter sets the stale-lock reclaim deadline.
// Default: 5 minutes
func WithMemoryStaleAfter(d time.Duration) InMemoryOption {
	return func(m *InMemory) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// NewInMemory creates an in-memory bus.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{
		rows:       make(map[int64]*Envelope),
		locks:      make(map[int64]bool),
		staleAfter: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish appends a pending envelope and signals subscribed sources.
// There is no transaction to gate on, so the signal is immediate; like NOTIFY
// it is fire-and-forget and dropped if a subscriber's buffer is full.
func (m *InMemory) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	m.seq++
	id := m.seq
	m.rows[id] = &Envelope{
		ID:        id,
		Channel:   channel,
		Payload:   slices.Clone(payload),
		State:     StatePending,
		CreatedAt: time.Now(),
	}

	if !m.dropSigs {
		for _, sub := range m.subs {
			select {
			case sub <- channel:
			default:
			}
		}
	}
	return id, nil
}

// DropSignals disables or re-enables wake-up signal delivery. Publishing
// still writes the ledger; this simulates the lossy side of NOTIFY so tests
// can exercise the poll-timeout catch-up path.
func (m *InMemory) DropSignals(drop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSigs = drop
}

// Source returns a wake-up signal source backed by this bus. Each call
// returns an independent subscriber.
func (m *InMemory) Source() Source {
	return &memSource{bus: m}
}

// ClaimPending implements Store.
func (m *InMemory) ClaimPending(ctx context.Context, channel string, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(-m.staleAfter)
	var ids []int64
	for id, e := range m.rows {
		if e.Channel != channel {
			continue
		}
		if e.State == StateInProgress && e.ClaimedAt.Before(deadline) {
			e.State = StatePending
			e.LockToken = ""
			e.ClaimedAt = time.Time{}
		}
		if e.State == StatePending {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Load implements Store.
func (m *InMemory) Load(ctx context.Context, id int64) (Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.rows[id]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	cp := *e
	cp.Payload = slices.Clone(e.Payload)
	return cp, nil
}

// Transition implements Store.
func (m *InMemory) Transition(ctx context.Context, id int64, from, to State, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.rows[id]
	if !ok || e.State != from {
		return false, nil
	}

	e.State = to
	switch to {
	case StateInProgress:
		e.Attempts++
		e.LockToken = token
		e.ClaimedAt = time.Now()
	case StateDone, StateFailed:
		e.LockToken = ""
		e.ProcessedAt = time.Now()
	default:
		e.LockToken = ""
		e.ClaimedAt = time.Time{}
	}
	return true, nil
}

// Acquire implements Locker.
func (m *InMemory) Acquire(ctx context.Context, id int64) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	if m.locks[id] {
		return nil, false, nil
	}
	m.locks[id] = true
	return &memLock{bus: m, id: id}, true, nil
}

// Close marks the bus closed and wakes all subscribers.
func (m *InMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	for _, sub := range m.subs {
		close(sub)
	}
	m.subs = nil
	return nil
}

type memLock struct {
	mu       sync.Mutex
	bus      *InMemory
	id       int64
	released bool
}

func (l *memLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	l.bus.mu.Lock()
	delete(l.bus.locks, l.id)
	l.bus.mu.Unlock()
	return nil
}

// memSource delivers this bus's wake-up signals, filtered to the channels it
// was connected with.
type memSource struct {
	bus      *InMemory
	signals  chan string
	channels map[string]bool
}

func (s *memSource) Connect(ctx context.Context, channels []string) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.bus.closed {
		return ErrClosed
	}
	s.channels = make(map[string]bool, len(channels))
	for _, ch := range channels {
		s.channels[ch] = true
	}
	if s.signals == nil {
		s.signals = make(chan string, 64)
		s.bus.subs = append(s.bus.subs, s.signals)
	}
	return nil
}

func (s *memSource) Wait(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ch, ok := <-s.signals:
			if !ok {
				return "", ErrClosed
			}
			if s.channels[ch] {
				return ch, nil
			}
		}
	}
}

func (s *memSource) Close(ctx context.Context) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for i, sub := range s.bus.subs {
		if sub == s.signals {
			s.bus.subs = slices.Delete(s.bus.subs, i, i+1)
			break
		}
	}
	s.signals = nil
	return nil
}
