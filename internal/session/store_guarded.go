package session

import (
	"context"
	"time"
)

// Executor runs fn under some protection policy, e.g. a circuit breaker.
type Executor interface {
	ExecuteContext(ctx context.Context, fn func(context.Context) error) error
}

// GuardedStore routes every Store call through an Executor so that a failing
// backend is rejected fast instead of stalling each presence event.
type GuardedStore struct {
	next Store
	exec Executor
}

// NewGuardedStore wraps next with exec
func NewGuardedStore(next Store, exec Executor) *GuardedStore {
	return &GuardedStore{next: next, exec: exec}
}

// Create implements Store
func (g *GuardedStore) Create(ctx context.Context, session *Session) error {
	return g.exec.ExecuteContext(ctx, func(ctx context.Context) error {
		return g.next.Create(ctx, session)
	})
}

// Touch implements Store
func (g *GuardedStore) Touch(ctx context.Context, connID string, at time.Time) (bool, error) {
	var matched bool
	err := g.exec.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		matched, err = g.next.Touch(ctx, connID, at)
		return err
	})
	return matched, err
}

// Navigate implements Store
func (g *GuardedStore) Navigate(ctx context.Context, connID, page, title string, at time.Time) (bool, error) {
	var matched bool
	err := g.exec.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		matched, err = g.next.Navigate(ctx, connID, page, title, at)
		return err
	})
	return matched, err
}

// Deactivate implements Store
func (g *GuardedStore) Deactivate(ctx context.Context, connID string, at time.Time) (bool, error) {
	var matched bool
	err := g.exec.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		matched, err = g.next.Deactivate(ctx, connID, at)
		return err
	})
	return matched, err
}

// ListActive implements Store
func (g *GuardedStore) ListActive(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	err := g.exec.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		sessions, err = g.next.ListActive(ctx)
		return err
	})
	return sessions, err
}
