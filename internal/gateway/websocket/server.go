package websocket

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/customsportal/portal/internal/gateway/metrics"
)

// AuthFunc resolves a bearer token to a principal
type AuthFunc func(token string) (*Principal, error)

// Server upgrades authenticated HTTP requests to WebSocket connections
type Server struct {
	hub      *Hub
	logger   *zap.Logger
	handler  MessageHandler
	authFunc AuthFunc
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// open counts registered connections until their disconnect hook returns
	mu      sync.Mutex
	closing bool
	open    sync.WaitGroup
}

// DefaultShutdownTimeout bounds how long Close waits for disconnect hooks
const DefaultShutdownTimeout = 10 * time.Second

// NewServer creates a WebSocket server with its own hub
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		hub:     NewHub(logger),
		logger:  logger,
		handler: NewDefaultHandler(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// GetHub returns the hub
func (s *Server) GetHub() *Hub {
	return s.hub
}

// SetMessageHandler replaces the message handler
func (s *Server) SetMessageHandler(handler MessageHandler) {
	s.handler = handler
}

// SetAuthFunc sets the token verifier. Without one every upgrade is refused.
func (s *Server) SetAuthFunc(f AuthFunc) {
	s.authFunc = f
}

// SetMetrics enables connection metrics
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetAllowedOrigins restricts the Origin header. An empty list allows any origin.
func (s *Server) SetAllowedOrigins(origins []string) {
	if len(origins) == 0 {
		s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
		return
	}

	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// HandleWebSocket authenticates the request and upgrades it
func (s *Server) HandleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authenticate(r)
		if err != nil {
			s.logger.Debug("WebSocket upgrade refused",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err),
			)
			s.metrics.RecordWSRejected("unauthenticated")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("Failed to upgrade connection",
				zap.Error(err),
				zap.String("remote_addr", r.RemoteAddr),
			)
			s.metrics.RecordWSRejected("upgrade")
			return
		}

		wsConn := NewConnection(newConnectionID(), conn, principal, s.logger)
		wsConn.RemoteAddr = ClientIP(r)
		wsConn.UserAgent = r.UserAgent()

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			wsConn.Close()
			s.metrics.RecordWSRejected("shutdown")
			return
		}
		s.open.Add(1)
		s.hub.Register(wsConn)
		s.mu.Unlock()

		if ch, ok := s.handler.(ConnectHandler); ok {
			if err := ch.HandleConnect(wsConn); err != nil {
				s.logger.Warn("Connection refused by handler",
					zap.String("conn_id", wsConn.ID),
					zap.String("user_id", wsConn.UserID),
					zap.Error(err),
				)
				s.hub.Unregister(wsConn.ID)
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
				wsConn.Close()
				s.metrics.RecordWSRejected("handler")
				s.open.Done()
				return
			}
		}

		s.metrics.RecordWSConnection(true)
		wsConn.Start(s.handler, s.onClose)

		s.logger.Info("WebSocket connection established",
			zap.String("conn_id", wsConn.ID),
			zap.String("user_id", wsConn.UserID),
			zap.String("remote_addr", wsConn.RemoteAddr),
		)
	}
}

func (s *Server) onClose(conn *Connection) {
	defer s.open.Done()

	s.hub.Unregister(conn.ID)
	if dh, ok := s.handler.(DisconnectHandler); ok {
		dh.HandleDisconnect(conn)
	}
	s.metrics.RecordWSConnection(false)

	s.logger.Info("WebSocket connection closed",
		zap.String("conn_id", conn.ID),
		zap.String("user_id", conn.UserID),
	)
}

func (s *Server) authenticate(r *http.Request) (*Principal, error) {
	if s.authFunc == nil {
		return nil, ErrNotAuthenticated
	}

	token := TokenFromRequest(r)
	if token == "" {
		return nil, ErrNotAuthenticated
	}

	principal, err := s.authFunc(token)
	if err != nil {
		return nil, err
	}
	if principal == nil || principal.UserID == "" {
		return nil, ErrNotAuthenticated
	}
	return principal, nil
}

// GetStats returns hub statistics
func (s *Server) GetStats() map[string]interface{} {
	return s.hub.GetStats()
}

// Close closes every connection and waits, up to DefaultShutdownTimeout,
// for their disconnect hooks to finish
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		s.logger.Warn("WebSocket shutdown incomplete", zap.Error(err))
	}
}

// Shutdown stops accepting connections, closes the open ones and waits until
// every disconnect hook has returned or ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.hub.Close()

	drained := make(chan struct{})
	go func() {
		s.open.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for disconnect hooks: %w", ctx.Err())
	}
}

// TokenFromRequest extracts a token from the Authorization header, the
// token query parameter or the access_token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	if cookie, err := r.Cookie("access_token"); err == nil {
		return cookie.Value
	}

	return ""
}

// ClientIP returns the originating client address, honouring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newConnectionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
