package presence

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/customsportal/portal/internal/gateway/metrics"
	"github.com/customsportal/portal/internal/gateway/websocket"
)

// DefaultEventTimeout bounds the store work of one event
const DefaultEventTimeout = 10 * time.Second

// Dispatcher adapts the websocket transport to the presence Handler. Each
// event runs in isolation: a panic is recovered, logged and reported to the
// sender without touching other connections.
type Dispatcher struct {
	handler  *Handler
	fallback websocket.MessageHandler
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. Messages that are not presence events
// go to fallback (ping/pong and unknown-type errors).
func NewDispatcher(handler *Handler, fallback websocket.MessageHandler, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback == nil {
		fallback = websocket.NewDefaultHandler(logger)
	}
	return &Dispatcher{
		handler:  handler,
		fallback: fallback,
		timeout:  DefaultEventTimeout,
		metrics:  m,
		logger:   logger,
	}
}

// HandleConnect implements websocket.ConnectHandler. A refused connection
// never reaches the disconnect hook, so whatever Connect recorded before
// failing is undone here.
func (d *Dispatcher) HandleConnect(conn *websocket.Connection) (err error) {
	defer func() {
		if err != nil {
			d.rollbackConnect(conn)
		}
	}()
	defer d.recoverEvent(conn, "connect", &err)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var principal *Principal
	if conn.Principal.UserID != "" {
		principal = &Principal{
			UserID:    conn.Principal.UserID,
			SessionID: conn.Principal.SessionID,
			Name:      conn.Principal.Name,
			Email:     conn.Principal.Email,
			Role:      conn.Principal.Role,
		}
	}

	return d.handler.Connect(ctx, ConnectRequest{
		ConnectionID: conn.ID,
		Principal:    principal,
		IPAddress:    conn.RemoteAddr,
		UserAgent:    conn.UserAgent,
	})
}

// HandleDisconnect implements websocket.DisconnectHandler
func (d *Dispatcher) HandleDisconnect(conn *websocket.Connection) {
	defer d.recoverEvent(conn, "disconnect", nil)

	// the connection context is already cancelled here
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	d.handler.Disconnect(ctx, conn.ID)
}

func (d *Dispatcher) rollbackConnect(conn *websocket.Connection) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordPanic("presence.rollback")
			d.logger.Error("Recovered panic rolling back refused connection",
				zap.String("conn_id", conn.ID),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	d.handler.Disconnect(ctx, conn.ID)
}

// HandleMessage implements websocket.MessageHandler
func (d *Dispatcher) HandleMessage(conn *websocket.Connection, msg *websocket.Message) {
	defer d.recoverEvent(conn, string(msg.Type), nil)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	switch msg.Type {
	case EventPageChange:
		data := msg.DataMap()
		page, _ := data["page"].(string)
		title, _ := data["title"].(string)
		if page == "" {
			reply := websocket.NewErrorMessage("page is required")
			reply.RequestID = msg.ID
			conn.Send(reply)
			return
		}
		d.handler.Navigate(ctx, conn.ID, page, title)

	case EventHeartbeat:
		d.handler.Heartbeat(ctx, conn.ID)

	case EventGetOnlineUsers:
		d.handler.ListOnlineUsers(ctx, conn.ID)

	case EventJoinAdminRoom:
		if err := d.handler.JoinObserverRoom(ctx, conn.ID); err != nil {
			d.logger.Debug("join_admin_room failed",
				zap.String("conn_id", conn.ID),
				zap.Error(err))
		}

	default:
		d.fallback.HandleMessage(conn, msg)
	}
}

func (d *Dispatcher) recoverEvent(conn *websocket.Connection, event string, errp *error) {
	r := recover()
	if r == nil {
		return
	}

	d.metrics.RecordPanic("presence." + event)
	d.logger.Error("Recovered panic in presence event",
		zap.String("event", event),
		zap.String("conn_id", conn.ID),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()))

	if errp != nil {
		*errp = fmt.Errorf("presence %s panicked: %v", event, r)
		return
	}
	conn.Send(websocket.NewErrorMessage("Internal error"))
}
