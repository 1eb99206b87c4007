package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/customsportal/portal/internal/gateway/websocket"
	"github.com/customsportal/portal/internal/session"
)

var errStoreDown = errors.New("store down")

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder is an in-memory Broadcaster that keeps every delivered message
type recorder struct {
	mu       sync.Mutex
	conns    map[string]bool
	channels map[string]map[string]bool
	inbox    map[string][]*websocket.Message
}

func newRecorder() *recorder {
	return &recorder{
		conns:    make(map[string]bool),
		channels: make(map[string]map[string]bool),
		inbox:    make(map[string][]*websocket.Message),
	}
}

func (r *recorder) open(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = true
}

func (r *recorder) close(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	for _, subs := range r.channels {
		delete(subs, connID)
	}
}

func (r *recorder) Send(connID string, msg *websocket.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.conns[connID] {
		return websocket.ErrConnectionNotFound
	}
	r.inbox[connID] = append(r.inbox[connID], msg)
	return nil
}

func (r *recorder) Broadcast(msg *websocket.Message) int {
	return r.BroadcastExcept("", msg)
}

func (r *recorder) BroadcastExcept(exceptID string, msg *websocket.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for connID := range r.conns {
		if connID == exceptID {
			continue
		}
		r.inbox[connID] = append(r.inbox[connID], msg)
		n++
	}
	return n
}

func (r *recorder) BroadcastToChannel(channel string, msg *websocket.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for connID := range r.channels[channel] {
		if r.conns[connID] {
			r.inbox[connID] = append(r.inbox[connID], msg)
			n++
		}
	}
	return n
}

func (r *recorder) SubscribeChannel(connID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.conns[connID] {
		return websocket.ErrConnectionNotFound
	}
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]bool)
	}
	r.channels[channel][connID] = true
	return nil
}

func (r *recorder) subscribed(connID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[channel][connID]
}

// received returns the messages of type t delivered to connID
func (r *recorder) received(connID string, t websocket.MessageType) []*websocket.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*websocket.Message
	for _, msg := range r.inbox[connID] {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func (r *recorder) last(t *testing.T, connID string, msgType websocket.MessageType) *websocket.Message {
	t.Helper()
	msgs := r.received(connID, msgType)
	require.NotEmpty(t, msgs, "no %s delivered to %s", msgType, connID)
	return msgs[len(msgs)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox = make(map[string][]*websocket.Message)
}

// flakyStore injects failures into a MemoryStore
type flakyStore struct {
	*session.MemoryStore
	mu         sync.Mutex
	failCreate bool
	failList   bool
	failTouch  bool
	panicOn    string
}

func (s *flakyStore) set(fn func(*flakyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *flakyStore) check(op string, fail bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOn == op {
		panic("injected panic in " + op)
	}
	if fail {
		return errStoreDown
	}
	return nil
}

func (s *flakyStore) Create(ctx context.Context, sess *session.Session) error {
	if err := s.check("create", s.failCreate); err != nil {
		return err
	}
	return s.MemoryStore.Create(ctx, sess)
}

func (s *flakyStore) Touch(ctx context.Context, connID string, at time.Time) (bool, error) {
	if err := s.check("touch", s.failTouch); err != nil {
		return false, err
	}
	return s.MemoryStore.Touch(ctx, connID, at)
}

func (s *flakyStore) Navigate(ctx context.Context, connID, page, title string, at time.Time) (bool, error) {
	if err := s.check("navigate", false); err != nil {
		return false, err
	}
	return s.MemoryStore.Navigate(ctx, connID, page, title, at)
}

func (s *flakyStore) ListActive(ctx context.Context) ([]*session.Session, error) {
	if err := s.check("list", s.failList); err != nil {
		return nil, err
	}
	return s.MemoryStore.ListActive(ctx)
}

type fixture struct {
	handler   *Handler
	store     *flakyStore
	directory *session.MemoryDirectory
	out       *recorder
	clock     *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:     &flakyStore{MemoryStore: session.NewMemoryStore()},
		directory: session.NewMemoryDirectory(),
		out:       newRecorder(),
		clock:     newFakeClock(),
	}

	handler, err := NewHandler(&HandlerConfig{
		Store:                  f.store,
		Directory:              f.directory,
		Broadcaster:            f.out,
		OpportunisticThreshold: 5 * time.Minute,
		Logger:                 zaptest.NewLogger(t),
		Now:                    f.clock.Now,
	})
	require.NoError(t, err)
	f.handler = handler

	return f
}

var (
	alice = &Principal{UserID: "u-alice", SessionID: "s-alice", Name: "Alice", Email: "alice@example.com", Role: "user"}
	bruno = &Principal{UserID: "u-bruno", SessionID: "s-bruno", Name: "Bruno", Email: "bruno@example.com", Role: "user"}
	admin = &Principal{UserID: "u-admin", SessionID: "s-admin", Name: "Admin", Email: "admin@example.com", Role: "admin"}
)

func (f *fixture) connect(t *testing.T, connID string, p *Principal) {
	t.Helper()
	f.out.open(connID)
	f.directory.Put(&session.User{ID: p.UserID, Name: p.Name, Email: p.Email, Role: p.Role})
	require.NoError(t, f.handler.Connect(context.Background(), ConnectRequest{
		ConnectionID: connID,
		Principal:    p,
		IPAddress:    "10.1.1.1",
		UserAgent:    "test-browser",
	}))
}

func (f *fixture) disconnect(connID string) {
	f.out.close(connID)
	f.handler.Disconnect(context.Background(), connID)
}

func (f *fixture) row(t *testing.T, connID string) *session.Session {
	t.Helper()
	s, ok := f.store.Get(context.Background(), connID)
	require.True(t, ok, "no session row for %s", connID)
	return s
}

func (f *fixture) onlineList(t *testing.T, observerConn string) OnlineUsersList {
	t.Helper()
	require.NoError(t, f.handler.ListOnlineUsers(context.Background(), observerConn))
	msg := f.out.last(t, observerConn, EventOnlineUsersList)
	list, ok := msg.Data.(OnlineUsersList)
	require.True(t, ok)
	return list
}

func socketIDs(users []OnlineUser) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.SocketID)
	}
	return ids
}
