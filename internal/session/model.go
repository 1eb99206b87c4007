package session

import (
	"time"
)

// Session is the durable presence record of one transport connection.
type Session struct {
	// UserID identifies the authenticated principal
	UserID string

	// SessionID is the application-level session id (from the login token)
	SessionID string

	// ConnectionID is the transport connection id, unique per live connection
	ConnectionID string

	// IPAddress and UserAgent are captured once at connect time
	IPAddress string
	UserAgent string

	// Active is true from connect until disconnect or stale demotion
	Active bool

	// CurrentPage and PageTitle are empty until the first navigation event
	CurrentPage string
	PageTitle   string

	ConnectedAt time.Time

	// LastActivity is zero when the stored value is missing or unparsable
	LastActivity time.Time

	// DisconnectedAt is nil while the record is active
	DisconnectedAt *time.Time
}

// IsStale reports whether the session has been silent longer than threshold.
// A missing last activity is stale by definition.
func (s *Session) IsStale(now time.Time, threshold time.Duration) bool {
	if s.LastActivity.IsZero() {
		return true
	}
	return now.Sub(s.LastActivity) > threshold
}

// Clone returns a deep copy
func (s *Session) Clone() *Session {
	c := *s
	if s.DisconnectedAt != nil {
		t := *s.DisconnectedAt
		c.DisconnectedAt = &t
	}
	return &c
}

// User is the identity row the online roster is joined against.
type User struct {
	ID    string
	Name  string
	Email string
	Role  string
}
