package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// sendQueueSize bounds the per-connection outbound queue
const sendQueueSize = 256

// Principal authenticated identity attached to a connection at upgrade time
type Principal struct {
	UserID    string
	SessionID string
	Name      string
	Email     string
	Role      string
}

// Connection wraps one WebSocket connection
type Connection struct {
	ID        string // connection id (UUIDv7)
	UserID    string
	SessionID string

	// Identity and client details, fixed at upgrade
	Principal   Principal
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan *Message

	lastPing      time.Time
	closed        bool
	subscriptions map[string]bool

	// onClose runs once when the read loop ends
	onClose   func(*Connection)
	closeOnce sync.Once

	mu     sync.RWMutex
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection creates a new connection for an authenticated principal
func NewConnection(id string, conn *websocket.Conn, principal *Principal, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Connection{
		ID:            id,
		conn:          conn,
		send:          make(chan *Message, sendQueueSize),
		lastPing:      time.Now(),
		ConnectedAt:   time.Now(),
		subscriptions: make(map[string]bool),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
	if principal != nil {
		c.Principal = *principal
		c.UserID = principal.UserID
		c.SessionID = principal.SessionID
	}
	return c
}

// Context is cancelled when the connection closes
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Send queues a message. Delivery is best effort: when the queue is full the
// message is dropped and ErrSendChannelFull is returned.
func (c *Connection) Send(msg *Message) error {
	// the read lock keeps Close from closing c.send underneath us
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("Send channel full, dropping message",
			zap.String("conn_id", c.ID),
			zap.String("msg_type", string(msg.Type)),
		)
		return ErrSendChannelFull
	}
}

// Close closes the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	close(c.send)

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsClosed reports whether Close has been called
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// UpdatePing records a pong from the peer
func (c *Connection) UpdatePing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
}

// LastPing returns the time of the last pong
func (c *Connection) LastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

// Subscribe marks the connection as subscribed to channel
func (c *Connection) Subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = true
}

// Unsubscribe removes a channel subscription
func (c *Connection) Unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

// IsSubscribed reports whether the connection is subscribed to channel
func (c *Connection) IsSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[channel]
}

// GetSubscriptions lists subscribed channels
func (c *Connection) GetSubscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	channels := make([]string, 0, len(c.subscriptions))
	for channel := range c.subscriptions {
		channels = append(channels, channel)
	}
	return channels
}

// finish runs the close callback exactly once
func (c *Connection) finish() {
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// readPump reads messages until the peer goes away. Messages of one
// connection are handled sequentially, in arrival order.
func (c *Connection) readPump(handler MessageHandler) {
	defer func() {
		c.Close()
		c.finish()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.UpdatePing()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.String("conn_id", c.ID),
					zap.Error(err),
				)
			}
			break
		}

		msg, err := FromJSON(data)
		if err != nil {
			c.logger.Debug("Failed to parse message",
				zap.String("conn_id", c.ID),
				zap.Error(err),
			)
			c.Send(NewErrorMessage("Invalid message format"))
			continue
		}

		if handler != nil {
			handler.HandleMessage(c, msg)
		}
	}
}

// writePump drains the send queue and keeps the peer alive with pings
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := msg.ToJSON()
			if err != nil {
				c.logger.Error("Failed to marshal message",
					zap.String("conn_id", c.ID),
					zap.Error(err),
				)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Failed to write message",
					zap.String("conn_id", c.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start launches the read and write loops. onClose is invoked once, after
// the read loop has stopped.
func (c *Connection) Start(handler MessageHandler, onClose func(*Connection)) {
	c.onClose = onClose
	go c.writePump()
	go c.readPump(handler)
}
