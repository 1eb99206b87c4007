package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // connectionID -> session
}

// NewMemoryStore creates a new in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

// Create creates a new session
func (s *MemoryStore) Create(ctx context.Context, session *Session) error {
	if err := validate(session); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ConnectionID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, session.ConnectionID)
	}

	s.sessions[session.ConnectionID] = session.Clone()
	return nil
}

// Touch refreshes last activity of an active session
func (s *MemoryStore) Touch(ctx context.Context, connID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.active(connID)
	if !ok {
		return false, nil
	}
	session.LastActivity = at
	return true, nil
}

// Navigate records the current page of an active session
func (s *MemoryStore) Navigate(ctx context.Context, connID, page, title string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.active(connID)
	if !ok {
		return false, nil
	}
	session.CurrentPage = page
	session.PageTitle = title
	session.LastActivity = at
	return true, nil
}

// Deactivate marks an active session inactive
func (s *MemoryStore) Deactivate(ctx context.Context, connID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.active(connID)
	if !ok {
		return false, nil
	}
	session.Active = false
	disconnectedAt := at
	session.DisconnectedAt = &disconnectedAt
	return true, nil
}

// ListActive lists active sessions, most recently active first
func (s *MemoryStore) ListActive(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	result := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.Active {
			result = append(result, session.Clone())
		}
	}
	s.mu.RUnlock()

	sortByActivity(result)
	return result, nil
}

// Get returns a copy of the session for connID, active or not
func (s *MemoryStore) Get(ctx context.Context, connID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[connID]
	if !ok {
		return nil, false
	}
	return session.Clone(), true
}

// Count returns the total number of stored sessions
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemoryStore) active(connID string) (*Session, bool) {
	session, ok := s.sessions[connID]
	if !ok || !session.Active {
		return nil, false
	}
	return session, true
}

// sortByActivity orders sessions most recently active first; sessions
// without a last activity go last.
func sortByActivity(sessions []*Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
}

// MemoryDirectory is a map-backed Directory
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryDirectory creates a directory seeded with users
func NewMemoryDirectory(users ...*User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]*User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put adds or replaces a user
func (d *MemoryDirectory) Put(user *User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.ID] = user
}

// Users implements Directory
func (d *MemoryDirectory) Users(ctx context.Context, ids []string) (map[string]*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[string]*User, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			copied := *u
			result[id] = &copied
		}
	}
	return result, nil
}
