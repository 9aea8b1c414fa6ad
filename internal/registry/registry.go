// Package registry tracks the live connections known to the broker and the
// identity each one has claimed. It is owned by the broker loop and is not
// safe for concurrent use.
package registry

import (
	"sort"
	"time"

	"github.com/whisper/pairchat/internal/chat"
)

// Connection is the broker's view of one client connection.
type Connection struct {
	ID          string
	Name        string
	Fingerprint string
	SessionID   chat.SessionID // empty when not in a session
	Admin       bool
	Banned      bool // told "banned" on this connection
	BanReason   string
	BanUntil    time.Time
	ConnectedAt time.Time

	// BanCheck is non-zero while a ban lookup is in flight. A result
	// carrying a different value is stale.
	BanCheck uint64
}

// InSession reports whether the connection is bound to a session.
func (c *Connection) InSession() bool { return c.SessionID != "" }

// Registry maps connection ids to connections and indexes them by
// fingerprint.
type Registry struct {
	byID map[string]*Connection
	byFp map[string]map[string]*Connection // fingerprint -> id -> conn
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byID: make(map[string]*Connection),
		byFp: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection. Adding an id twice replaces the entry.
func (r *Registry) Add(c *Connection) {
	if old, ok := r.byID[c.ID]; ok {
		r.unindex(old)
	}
	r.byID[c.ID] = c
	r.index(c)
}

// Get returns the connection for id, or nil.
func (r *Registry) Get(id string) *Connection {
	return r.byID[id]
}

// Remove drops id and returns the removed connection, or nil.
func (r *Registry) Remove(id string) *Connection {
	c, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	r.unindex(c)
	return c
}

// SetFingerprint changes the fingerprint a connection is indexed under.
func (r *Registry) SetFingerprint(c *Connection, fp string) {
	if c.Fingerprint == fp {
		return
	}
	r.unindex(c)
	c.Fingerprint = fp
	r.index(c)
}

// ByFingerprint returns every connection claiming fp, ordered by id.
func (r *Registry) ByFingerprint(fp string) []*Connection {
	set := r.byFp[fp]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int { return len(r.byID) }

// IDs returns every registered connection id, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) index(c *Connection) {
	if c.Fingerprint == "" {
		return
	}
	set, ok := r.byFp[c.Fingerprint]
	if !ok {
		set = make(map[string]*Connection)
		r.byFp[c.Fingerprint] = set
	}
	set[c.ID] = c
}

func (r *Registry) unindex(c *Connection) {
	set, ok := r.byFp[c.Fingerprint]
	if !ok {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(r.byFp, c.Fingerprint)
	}
}
