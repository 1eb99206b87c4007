package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// hookHandler records connect and disconnect callbacks
type hookHandler struct {
	*DefaultHandler
	refuse error

	mu           sync.Mutex
	connected    []string
	disconnected []string
}

func (h *hookHandler) HandleConnect(conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refuse != nil {
		return h.refuse
	}
	h.connected = append(h.connected, conn.ID)
	return nil
}

func (h *hookHandler) HandleDisconnect(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, conn.ID)
}

func (h *hookHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connected), len(h.disconnected)
}

func newTestServer(t *testing.T, handler MessageHandler) (*Server, string) {
	t.Helper()
	s := NewServer(zaptest.NewLogger(t))
	s.SetAuthFunc(func(token string) (*Principal, error) {
		if token != "good" {
			return nil, errors.New("bad token")
		}
		return &Principal{UserID: "user1", Role: "user"}, nil
	})
	if handler != nil {
		s.SetMessageHandler(handler)
	}

	ts := httptest.NewServer(s.HandleWebSocket())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestServer_RejectsWithoutToken(t *testing.T) {
	s, url := newTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=bad", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, 0, s.GetHub().Count())
}

func TestServer_RejectsWithoutAuthFunc(t *testing.T) {
	s := NewServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws?token=good", nil)

	s.HandleWebSocket()(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_ConnectAndDisconnectHooks(t *testing.T) {
	handler := &hookHandler{DefaultHandler: NewDefaultHandler(nil)}
	s, url := newTestServer(t, handler)

	header := http.Header{"Authorization": []string{"Bearer good"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(&Message{ID: "m1", Type: MessageTypePing}))
	var pong Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, MessageTypePong, pong.Type)
	assert.Equal(t, "m1", pong.RequestID)

	connected, _ := handler.counts()
	assert.Equal(t, 1, connected)
	assert.Equal(t, 1, s.GetHub().Count())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		_, disconnected := handler.counts()
		return disconnected == 1 && s.GetHub().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// slowHookHandler takes a while to run its disconnect hook
type slowHookHandler struct {
	*hookHandler
	delay time.Duration
}

func (h *slowHookHandler) HandleDisconnect(conn *Connection) {
	time.Sleep(h.delay)
	h.hookHandler.HandleDisconnect(conn)
}

func TestServer_CloseWaitsForDisconnectHooks(t *testing.T) {
	handler := &slowHookHandler{
		hookHandler: &hookHandler{DefaultHandler: NewDefaultHandler(nil)},
		delay:       100 * time.Millisecond,
	}
	s, url := newTestServer(t, handler)

	header := http.Header{"Authorization": []string{"Bearer good"}}
	for i := 0; i < 3; i++ {
		_, _, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return s.GetHub().Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	s.Close()

	_, disconnected := handler.counts()
	assert.Equal(t, 3, disconnected)
	assert.Equal(t, 0, s.GetHub().Count())

	// later upgrades are refused
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err)
	}
	assert.Equal(t, 0, s.GetHub().Count())
}

func TestServer_ShutdownDeadline(t *testing.T) {
	handler := &slowHookHandler{
		hookHandler: &hookHandler{DefaultHandler: NewDefaultHandler(nil)},
		delay:       time.Second,
	}
	s, url := newTestServer(t, handler)

	_, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer good"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.GetHub().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
}

func TestServer_HandlerRefusesConnection(t *testing.T) {
	handler := &hookHandler{DefaultHandler: NewDefaultHandler(nil), refuse: errors.New("no room")}
	s, url := newTestServer(t, handler)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=good", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	assert.Equal(t, 0, s.GetHub().Count())
	_, disconnected := handler.counts()
	assert.Equal(t, 0, disconnected)
}

func TestServer_InvalidFrame(t *testing.T) {
	_, url := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=good", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var reply Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, MessageTypeError, reply.Type)
	assert.Equal(t, "Invalid message format", reply.Error)
}

func TestServer_AllowedOrigins(t *testing.T) {
	s, url := newTestServer(t, nil)
	s.SetAllowedOrigins([]string{"https://portal.example.com/"})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=good", header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://portal.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=good", header)
	require.NoError(t, err)
	conn.Close()
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
	req.Header.Set("Authorization", "Bearer header")
	req.AddCookie(&http.Cookie{Name: "access_token", Value: "cookie"})
	assert.Equal(t, "header", TokenFromRequest(req))

	req.Header.Del("Authorization")
	assert.Equal(t, "query", TokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: "cookie"})
	assert.Equal(t, "cookie", TokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(req))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	assert.Equal(t, "192.0.2.10", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(req))
}
