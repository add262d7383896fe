// Package registry owns the mapping from user identity to live connection.
// It is the only component that tracks connection handles; everything else
// resolves a peer by identity at the moment it needs one.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the slice of a transport connection the core needs. Satisfied by
// *transport.Connection.
type Conn interface {
	ID() uuid.UUID
	Send(msg []byte)
	Close(err error)
	Alive() bool
	ResetAlive() bool
}

// Entry is one tracked identity→connection binding.
type Entry struct {
	Identity   string
	Username   string
	Conn       Conn
	Registered time.Time
}

// Registry maps user identities to their single live connection. A later
// registration for the same identity supersedes the earlier one; the
// superseded connection is no longer tracked but is not closed here.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	onOnline  []func(e *Entry)
	onOffline []func(e *Entry)

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger.With(slog.String("component", "registry")),
	}
}

// SubscribeOnline adds a callback invoked after a binding appears. Presence
// subscribes here. Subscription happens during wiring, before traffic.
func (r *Registry) SubscribeOnline(fn func(e *Entry)) {
	r.onOnline = append(r.onOnline, fn)
}

// SubscribeOffline adds a callback invoked after a binding disappears. Both
// presence and call teardown subscribe here, which is how an eviction
// cascades into active-call cleanup.
func (r *Registry) SubscribeOffline(fn func(e *Entry)) {
	r.onOffline = append(r.onOffline, fn)
}

func (r *Registry) notifyOnline(e *Entry) {
	for _, fn := range r.onOnline {
		fn(e)
	}
}

func (r *Registry) notifyOffline(e *Entry) {
	for _, fn := range r.onOffline {
		fn(e)
	}
}

// Register binds identity to conn, replacing any prior binding. It never
// fails. The presence online handler fires for every registration, including
// a superseding one.
func (r *Registry) Register(identity, username string, conn Conn) {
	entry := &Entry{
		Identity:   identity,
		Username:   username,
		Conn:       conn,
		Registered: time.Now(),
	}

	r.mu.Lock()
	prev := r.entries[identity]
	r.entries[identity] = entry
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("Superseding existing connection for identity",
			slog.String("identity", identity),
			slog.String("oldConnID", prev.Conn.ID().String()),
			slog.String("newConnID", conn.ID().String()),
		)
	} else {
		r.logger.Debug("Identity registered", slog.String("identity", identity))
	}

	r.notifyOnline(entry)
}

// Lookup resolves an identity to its live connection. Absence means the user
// is offline; whether the identity exists at all is a data-layer question.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

// Entry returns the full binding for an identity, including the display name
// captured at registration.
func (r *Registry) Entry(identity string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	return e, ok
}

// Unregister removes the binding for identity if present. Idempotent.
func (r *Registry) Unregister(identity string) {
	r.mu.Lock()
	e, ok := r.entries[identity]
	if ok {
		delete(r.entries, identity)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Debug("Identity unregistered", slog.String("identity", identity))
	r.notifyOffline(e)
}

// UnregisterConn removes the binding only if it still refers to the given
// connection. The transport close handler uses this so a superseded
// connection's teardown cannot evict its successor. Reports whether a
// binding was removed.
func (r *Registry) UnregisterConn(identity string, connID uuid.UUID) bool {
	r.mu.Lock()
	e, ok := r.entries[identity]
	if !ok || e.Conn.ID() != connID {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, identity)
	r.mu.Unlock()

	r.logger.Debug("Identity unregistered", slog.String("identity", identity))
	r.notifyOffline(e)
	return true
}

// ListOnline returns a snapshot of the currently registered identities.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Entries returns a snapshot of all bindings, for the heartbeat sweep and
// shutdown.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Broadcast sends msg to every registered connection except the one bound to
// skipIdentity (pass "" to reach everyone).
func (r *Registry) Broadcast(skipIdentity string, msg []byte) {
	for _, e := range r.Entries() {
		if e.Identity == skipIdentity {
			continue
		}
		e.Conn.Send(msg)
	}
}
