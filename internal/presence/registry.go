package presence

import (
	"sort"
	"sync"
)

// Registry is the process-local map of open connections. Entries vanish with
// the process; the session store is reconciled for anything left behind.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Identity // connID -> identity
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Identity)}
}

// Register inserts or overwrites the entry for connID. When an entry was
// already present it is returned with replaced=true (last write wins).
func (r *Registry) Register(connID string, identity Identity) (previous Identity, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, replaced = r.entries[connID]
	r.entries[connID] = identity
	return previous, replaced
}

// Unregister removes and returns the entry. Absent entries are not an error.
func (r *Registry) Unregister(connID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.entries[connID]
	if ok {
		delete(r.entries, connID)
	}
	return identity, ok
}

// Lookup returns the entry for connID
func (r *Registry) Lookup(connID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.entries[connID]
	return identity, ok
}

// Entry is one registry row as returned by Snapshot
type Entry struct {
	ConnectionID string
	Identity
}

// Snapshot copies every entry, oldest connection first
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for connID, identity := range r.entries {
		entries = append(entries, Entry{ConnectionID: connID, Identity: identity})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ConnectedAt.Equal(entries[j].ConnectedAt) {
			return entries[i].ConnectionID < entries[j].ConnectionID
		}
		return entries[i].ConnectedAt.Before(entries[j].ConnectedAt)
	})
	return entries
}

// Len returns the number of entries
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Counts splits the registry into regular users and observers
func (r *Registry) Counts() (users, observers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, identity := range r.entries {
		if identity.Observer {
			observers++
		} else {
			users++
		}
	}
	return users, observers
}

// UserConnections lists the connection ids held by userID
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var connIDs []string
	for connID, identity := range r.entries {
		if identity.UserID == userID {
			connIDs = append(connIDs, connID)
		}
	}
	sort.Strings(connIDs)
	return connIDs
}
