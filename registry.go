package convoke

import "sync"

// Registry tracks the live connections of one server instance. It is owned by
// the Server and shared across connection read loops, so all mutation happens
// under its lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func newRegistry() *Registry {
	return &Registry{conns: map[string]*Conn{}}
}

func (r *Registry) add(conn *Conn) {
	r.mu.Lock()
	r.conns[conn.id] = conn
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Get returns a live connection by ID.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// snapshot returns the current connections without holding the lock during
// delivery, so a slow or faulty connection cannot block the registry.
func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
