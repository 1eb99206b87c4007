package websocket

import (
	"go.uber.org/zap"
)

// MessageHandler handles inbound messages of a connection
type MessageHandler interface {
	HandleMessage(conn *Connection, msg *Message)
}

// ConnectHandler is implemented by handlers that want to see a connection
// after it is registered and before its read loop starts. Returning an error
// refuses the connection.
type ConnectHandler interface {
	HandleConnect(conn *Connection) error
}

// DisconnectHandler is implemented by handlers that want to be told, once per
// connection, that the transport has gone away.
type DisconnectHandler interface {
	HandleDisconnect(conn *Connection)
}

// DefaultHandler answers application pings and rejects everything else
type DefaultHandler struct {
	logger *zap.Logger
}

// NewDefaultHandler creates the default handler
func NewDefaultHandler(logger *zap.Logger) *DefaultHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultHandler{logger: logger}
}

// HandleMessage implements MessageHandler
func (h *DefaultHandler) HandleMessage(conn *Connection, msg *Message) {
	switch msg.Type {
	case MessageTypePing:
		pong := NewMessage(MessageTypePong, map[string]interface{}{
			"timestamp": msg.Timestamp,
		})
		pong.RequestID = msg.ID
		conn.Send(pong)

	default:
		h.logger.Debug("Unknown message type",
			zap.String("conn_id", conn.ID),
			zap.String("msg_type", string(msg.Type)),
		)
		reply := NewErrorMessage("Unknown message type: " + string(msg.Type))
		reply.RequestID = msg.ID
		conn.Send(reply)
	}
}
