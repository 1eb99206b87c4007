package presence

import (
	"context"
	"time"

	"github.com/customsportal/portal/internal/gateway/metrics"
	"github.com/customsportal/portal/internal/session"
)

// InstrumentStore records latency and failures of every call to store.
// A nil m returns store unchanged.
func InstrumentStore(store session.Store, m *metrics.Metrics) session.Store {
	if m == nil {
		return store
	}
	return &instrumentedStore{next: store, metrics: m}
}

type instrumentedStore struct {
	next    session.Store
	metrics *metrics.Metrics
}

func (s *instrumentedStore) Create(ctx context.Context, sess *session.Session) error {
	start := time.Now()
	err := s.next.Create(ctx, sess)
	s.metrics.RecordStoreOperation("create", time.Since(start), err)
	return err
}

func (s *instrumentedStore) Touch(ctx context.Context, connID string, at time.Time) (bool, error) {
	start := time.Now()
	ok, err := s.next.Touch(ctx, connID, at)
	s.metrics.RecordStoreOperation("touch", time.Since(start), err)
	return ok, err
}

func (s *instrumentedStore) Navigate(ctx context.Context, connID, page, title string, at time.Time) (bool, error) {
	start := time.Now()
	ok, err := s.next.Navigate(ctx, connID, page, title, at)
	s.metrics.RecordStoreOperation("navigate", time.Since(start), err)
	return ok, err
}

func (s *instrumentedStore) Deactivate(ctx context.Context, connID string, at time.Time) (bool, error) {
	start := time.Now()
	ok, err := s.next.Deactivate(ctx, connID, at)
	s.metrics.RecordStoreOperation("deactivate", time.Since(start), err)
	return ok, err
}

func (s *instrumentedStore) ListActive(ctx context.Context) ([]*session.Session, error) {
	start := time.Now()
	sessions, err := s.next.ListActive(ctx)
	s.metrics.RecordStoreOperation("list_active", time.Since(start), err)
	return sessions, err
}
