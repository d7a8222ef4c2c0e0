package pgbus

import (
	"fmt"
	"slices"
)

// Registration describes one handler bound to a channel.
type Registration struct {
	// ID uniquely identifies the handler within its channel, for logs and
	// duplicate detection.
	ID string

	Handler Handler

	// Idempotent declares that the handler tolerates being run again for the
	// same envelope. It is metadata only - the dispatcher guarantees at most
	// one concurrent run and no re-dispatch after a terminal state either way.
	Idempotent bool
}

// Registry maps channel names to ordered handler sets. Build it once during
// process startup, before handing it to a Listener; it is not safe for
// concurrent mutation and is treated as immutable afterwards.
//
// Two processes may register different handler sets for the same channel
// (e.g. during a rolling deploy) - each dispatches only the handlers in its
// own registry.
type Registry struct {
	channels map[string][]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string][]Registration)}
}

// Register binds a handler to a channel. Handlers run in registration order.
// It returns ErrDuplicateHandler if id is already registered for the channel.
func (r *Registry) Register(channel, id string, h Handler, idempotent bool) error {
	for _, reg := range r.channels[channel] {
		if reg.ID == id {
			return fmt.Errorf("%w: %q on channel %q", ErrDuplicateHandler, id, channel)
		}
	}
	r.channels[channel] = append(r.channels[channel], Registration{
		ID:         id,
		Handler:    h,
		Idempotent: idempotent,
	})
	return nil
}

// HandlersFor returns the handlers for a channel in registration order.
// An empty result is valid: a channel with no local handlers is simply never
// dispatched by this process.
func (r *Registry) HandlersFor(channel string) []Registration {
	return slices.Clone(r.channels[channel])
}

// Channels returns all registered channel names, sorted.
func (r *Registry) Channels() []string {
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
