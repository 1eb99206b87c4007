package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSendChannelFull    = errors.New("send channel full")
	ErrNotAuthenticated   = errors.New("not authenticated")
)

// Timeouts
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 64 * 1024
)

// Hub tracks live connections of this process and fans messages out to them
type Hub struct {
	connections map[string]*Connection // connID -> Connection
	userConns   map[string][]string    // userID -> []connID

	channels map[string]map[string]bool // channel -> set of connID

	mu     sync.RWMutex
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub and starts its dead-connection sweep
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	hub := &Hub{
		connections: make(map[string]*Connection),
		userConns:   make(map[string][]string),
		channels:    make(map[string]map[string]bool),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	go hub.cleanupTask()

	return hub
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[conn.ID] = conn
	if conn.UserID != "" {
		h.userConns[conn.UserID] = append(h.userConns[conn.UserID], conn.ID)
	}

	h.logger.Debug("Connection registered",
		zap.String("conn_id", conn.ID),
		zap.String("user_id", conn.UserID),
		zap.Int("total_connections", len(h.connections)),
	)
}

// Unregister removes a connection and its channel subscriptions
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, exists := h.connections[connID]
	if !exists {
		return
	}

	h.removeLocked(conn)

	h.logger.Debug("Connection unregistered",
		zap.String("conn_id", connID),
		zap.String("user_id", conn.UserID),
		zap.Int("total_connections", len(h.connections)),
	)
}

// GetConnection returns a live connection
func (h *Hub) GetConnection(connID string) (*Connection, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, exists := h.connections[connID]
	if !exists {
		return nil, ErrConnectionNotFound
	}

	return conn, nil
}

// Send unicasts msg to one connection
func (h *Hub) Send(connID string, msg *Message) error {
	conn, err := h.GetConnection(connID)
	if err != nil {
		return err
	}
	return conn.Send(msg)
}

// Broadcast sends msg to every connection and returns how many accepted it
func (h *Hub) Broadcast(msg *Message) int {
	return h.BroadcastExcept("", msg)
}

// BroadcastExcept sends msg to every connection but exceptID
func (h *Hub) BroadcastExcept(exceptID string, msg *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for connID, conn := range h.connections {
		if connID == exceptID {
			continue
		}
		if err := conn.Send(msg); err == nil {
			count++
		}
	}

	return count
}

// BroadcastToChannel sends msg to the subscribers of channel
func (h *Hub) BroadcastToChannel(channel string, msg *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connIDs, exists := h.channels[channel]
	if !exists {
		return 0
	}

	count := 0
	for connID := range connIDs {
		if conn, exists := h.connections[connID]; exists {
			if err := conn.Send(msg); err == nil {
				count++
			}
		}
	}

	return count
}

// SubscribeChannel subscribes a connection to channel. Subscribing twice is a no-op.
func (h *Hub) SubscribeChannel(connID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, exists := h.connections[connID]
	if !exists {
		return ErrConnectionNotFound
	}

	conn.Subscribe(channel)

	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][connID] = true

	h.logger.Debug("Subscribed to channel",
		zap.String("conn_id", connID),
		zap.String("channel", channel),
		zap.Int("channel_subscribers", len(h.channels[channel])),
	)

	return nil
}

// UnsubscribeChannel removes a channel subscription
func (h *Hub) UnsubscribeChannel(connID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, exists := h.connections[connID]
	if !exists {
		return ErrConnectionNotFound
	}

	conn.Unsubscribe(channel)
	h.removeFromChannel(channel, connID)

	return nil
}

// ChannelSize returns the number of subscribers of channel
func (h *Hub) ChannelSize(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Count returns the number of live connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetStats returns hub statistics
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"total_connections": len(h.connections),
		"connected_users":   len(h.userConns),
		"total_channels":    len(h.channels),
	}
}

// Close stops the sweep and closes every connection
func (h *Hub) Close() {
	h.cancel()

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	// each read loop exits and runs its disconnect callback; Server.Shutdown
	// waits for those
	for _, conn := range conns {
		conn.Close()
	}

	h.logger.Info("Hub closed", zap.Int("closed_connections", len(conns)))
}

func (h *Hub) removeLocked(conn *Connection) {
	if conn.UserID != "" {
		h.removeUserConn(conn.UserID, conn.ID)
	}
	for _, channel := range conn.GetSubscriptions() {
		h.removeFromChannel(channel, conn.ID)
	}
	delete(h.connections, conn.ID)
}

func (h *Hub) removeUserConn(userID, connID string) {
	connList := h.userConns[userID]
	for i, id := range connList {
		if id == connID {
			h.userConns[userID] = append(connList[:i], connList[i+1:]...)
			break
		}
	}

	if len(h.userConns[userID]) == 0 {
		delete(h.userConns, userID)
	}
}

func (h *Hub) removeFromChannel(channel, connID string) {
	if channelConns, exists := h.channels[channel]; exists {
		delete(channelConns, connID)

		if len(channelConns) == 0 {
			delete(h.channels, channel)
		}
	}
}

// cleanupTask closes connections whose peer stopped answering pings
func (h *Hub) cleanupTask() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanupDeadConnections()
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) cleanupDeadConnections() {
	h.mu.RLock()
	now := time.Now()
	timeout := 2 * pongWait
	dead := make([]*Connection, 0)
	for _, conn := range h.connections {
		if conn.IsClosed() || now.Sub(conn.LastPing()) > timeout {
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	// the read loop notices the close and unregisters through its callback
	for _, conn := range dead {
		conn.Close()
	}

	if len(dead) > 0 {
		h.logger.Info("Closed dead connections", zap.Int("count", len(dead)))
	}
}
