// ABOUTME: In-memory registry mapping online identities to their live connections
// ABOUTME: Single source of truth for reachability; last-connected-wins per identity

package presence

import (
	"log/slog"
	"sync"
)

// Conn is the minimal surface the registry needs from a live connection.
// The relay's websocket connection satisfies it.
type Conn interface {
	// Identity returns the authenticated identity bound to the connection.
	Identity() string
	// Send queues an event for delivery to the connection's peer.
	Send(eventType string, payload any)
}

// Registry tracks which identities currently have a live connection.
// Policy: at most one active connection per identity. A newer connection
// for the same identity supersedes the old one; removal is guarded so a
// stale disconnect from a superseded connection cannot evict its successor.
//
// Registries are plain values passed to the gateway, router, and
// broadcaster - there is no package-level instance.
type Registry struct {
	mu     sync.RWMutex
	online map[string]Conn
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		online: make(map[string]Conn),
		logger: logger.With("component", "presence"),
	}
}

// SetOnline records conn as the identity's active connection, superseding
// any previous one. The superseded connection (or nil) is returned so the
// caller can close it.
func (r *Registry) SetOnline(identity string, conn Conn) Conn {
	r.mu.Lock()
	prev := r.online[identity]
	r.online[identity] = conn
	total := len(r.online)
	r.mu.Unlock()

	r.logger.Info("identity online",
		"identity", identity,
		"superseded", prev != nil,
		"total_online", total)
	return prev
}

// SetOffline removes the identity's entry only if conn is still the
// connection on record. Returns true if the entry was removed. A stale
// disconnect racing a newer reconnect is a no-op.
func (r *Registry) SetOffline(identity string, conn Conn) bool {
	r.mu.Lock()
	current, ok := r.online[identity]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.online, identity)
	total := len(r.online)
	r.mu.Unlock()

	r.logger.Info("identity offline",
		"identity", identity,
		"total_online", total)
	return true
}

// IsOnline reports whether the identity has an active connection.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[identity]
	return ok
}

// Get returns the identity's active connection, if any.
func (r *Registry) Get(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.online[identity]
	return conn, ok
}

// AllOnline returns the identities currently connected.
func (r *Registry) AllOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	return ids
}

// Each calls fn for every online connection. The snapshot is taken under
// the read lock; fn runs outside it so sends cannot block the registry.
func (r *Registry) Each(fn func(Conn)) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.online))
	for _, c := range r.online {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}
