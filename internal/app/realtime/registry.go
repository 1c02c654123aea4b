package realtime

import (
	"sync"

	"github.com/tasklane/platform/internal/contracts"
)

const connBuffer = 64

// Registry is the process-local connection registry: user id to the set of
// live connections on this instance. It is deliberately non-durable; on
// restart clients reconnect and the map rebuilds. Every streamer instance
// consumes the full update stream, so no cross-instance state is needed.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	byUser map[string]map[uint64]chan contracts.Envelope
}

func NewRegistry() *Registry {
	return &Registry{byUser: map[string]map[uint64]chan contracts.Envelope{}}
}

// Add registers one connection for the user and returns its receive
// channel plus a release func the connection handler must defer.
func (r *Registry) Add(userID string) (<-chan contracts.Envelope, func()) {
	ch := make(chan contracts.Envelope, connBuffer)

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	conns, ok := r.byUser[userID]
	if !ok {
		conns = map[uint64]chan contracts.Envelope{}
		r.byUser[userID] = conns
	}
	conns[id] = ch
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		conns, ok := r.byUser[userID]
		if !ok {
			return
		}
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
	return ch, release
}

// Broadcast pushes the envelope to every live connection of the user on
// this instance, and to nobody else. A slow connection's full buffer is
// skipped rather than blocking the consumer loop. Returns the number of
// connections the envelope was handed to.
func (r *Registry) Broadcast(userID string, env contracts.Envelope) int {
	r.mu.Lock()
	targets := make([]chan contracts.Envelope, 0, len(r.byUser[userID]))
	for _, ch := range r.byUser[userID] {
		targets = append(targets, ch)
	}
	r.mu.Unlock()

	delivered := 0
	for _, ch := range targets {
		select {
		case ch <- env:
			delivered++
		default:
		}
	}
	return delivered
}

// Connections reports the live connection count for one user.
func (r *Registry) Connections(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// Total reports the live connection count across all users.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, conns := range r.byUser {
		total += len(conns)
	}
	return total
}
