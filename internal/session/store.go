/*
Session store

┌──────────────────────────────────────┐
│        Presence Event Handler        │
│  - Connect / Disconnect              │
│  - Navigate / Heartbeat              │
│  - Reconciler sweep                  │
└──────────────┬───────────────────────┘
               │ Store interface
┌──────────────▼───────────────────────┐
│  Create / Touch / Navigate /         │
│  Deactivate / ListActive             │
└──────────────┬───────────────────────┘
     ┌─────────┼──────────┐
┌────▼───┐ ┌───▼─────┐ ┌──▼────┐
│ Memory │ │Postgres │ │ Redis │
└────────┘ └─────────┘ └───────┘
*/
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionExists is returned by Create when the connection id is already stored
	ErrSessionExists = errors.New("session already exists")
	// ErrInvalidSession is returned for records missing a connection or user id
	ErrInvalidSession = errors.New("invalid session")
)

// Store is the durable, cross-process table of presence records keyed by
// connection id. Updates are single-row and last-writer-wins.
type Store interface {
	// Create inserts a new active record
	Create(ctx context.Context, session *Session) error

	// Touch refreshes last_activity on the active record for connID.
	// It reports whether an active record matched.
	Touch(ctx context.Context, connID string, at time.Time) (bool, error)

	// Navigate sets current_page, page_title and last_activity on the active
	// record for connID. It reports whether an active record matched.
	Navigate(ctx context.Context, connID, page, title string, at time.Time) (bool, error)

	// Deactivate marks the active record for connID inactive and stamps
	// disconnected_at. Inactive or unknown records are left untouched.
	Deactivate(ctx context.Context, connID string, at time.Time) (bool, error)

	// ListActive returns all active records, most recently active first
	ListActive(ctx context.Context) ([]*Session, error)
}

// Directory resolves user identities by id.
type Directory interface {
	// Users returns the known users among ids, keyed by id. Unknown ids are omitted.
	Users(ctx context.Context, ids []string) (map[string]*User, error)
}

func validate(session *Session) error {
	if session == nil {
		return ErrInvalidSession
	}
	if session.ConnectionID == "" || session.UserID == "" {
		return ErrInvalidSession
	}
	return nil
}
