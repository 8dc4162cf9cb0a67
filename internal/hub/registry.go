// internal/hub/registry.go
package hub

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	conn *Connection
	seq  uint64
}

// Registry is the set of active connections keyed by id. It is safe for
// concurrent use; Snapshot copies so iteration never holds the lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	nextSeq uint64
	closed  bool
}

// NewRegistry returns an empty, open registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register assigns a fresh id to c, moves it to Active and inserts it.
// The connection becomes visible to Snapshot only once it is Active.
func (r *Registry) Register(c *Connection) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrRegistryClosed
	}

	id := uuid.NewString()
	for {
		if _, taken := r.entries[id]; !taken {
			break
		}
		id = uuid.NewString()
	}

	if err := c.activate(id); err != nil {
		return "", err
	}

	r.nextSeq++
	r.entries[id] = entry{conn: c, seq: r.nextSeq}
	return id, nil
}

// Unregister removes id and returns the connection that held it. Unknown
// ids are a no-op.
func (r *Registry) Unregister(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return e.conn, true
}

// Get looks up an active connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return e.conn, ok
}

// Snapshot returns the current members in registration order.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	entries := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	conns := make([]*Connection, len(entries))
	for i, e := range entries {
		conns[i] = e.conn
	}
	return conns
}

// Len reports how many connections are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close rejects further registrations. Existing entries stay until they
// unregister themselves.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
