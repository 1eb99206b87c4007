package presence

import (
	"strings"
	"time"
)

// DefaultObserverRoles roles classified as observers when none are configured
var DefaultObserverRoles = []string{"admin"}

// Principal authenticated caller as delivered by the transport
type Principal struct {
	UserID    string
	SessionID string
	Name      string
	Email     string
	Role      string
}

// Identity is what the registry keeps per live connection. Observer is
// decided once at connect and never re-derived.
type Identity struct {
	UserID      string
	DisplayName string
	SessionID   string
	Role        string
	Observer    bool
	ConnectedAt time.Time
}

// Classifier decides whether a role observes presence instead of being part of it
type Classifier struct {
	roles map[string]bool
}

// NewClassifier creates a classifier for roles; role matching ignores case
func NewClassifier(roles []string) *Classifier {
	if len(roles) == 0 {
		roles = DefaultObserverRoles
	}
	c := &Classifier{roles: make(map[string]bool, len(roles))}
	for _, r := range roles {
		c.roles[strings.ToLower(strings.TrimSpace(r))] = true
	}
	return c
}

// IsObserver reports whether role is an observer role
func (c *Classifier) IsObserver(role string) bool {
	return c.roles[strings.ToLower(strings.TrimSpace(role))]
}

func displayName(p *Principal) string {
	if p.Name != "" {
		return p.Name
	}
	if p.Email != "" {
		return p.Email
	}
	return p.UserID
}
