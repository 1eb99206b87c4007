package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType message type
type MessageType string

const (
	MessageTypePing  MessageType = "ping"  // application-level ping
	MessageTypePong  MessageType = "pong"  // reply to ping
	MessageTypeError MessageType = "error" // error reply, data carries {message}
)

// Message WebSocket message envelope
type Message struct {
	ID        string      `json:"id"`                   // message id (UUIDv7)
	Type      MessageType `json:"type"`                 // event name
	Timestamp time.Time   `json:"timestamp"`            // creation time
	Data      interface{} `json:"data,omitempty"`       // payload
	RequestID string      `json:"request_id,omitempty"` // id of the message being answered
	Error     string      `json:"error,omitempty"`      // error text
}

// ErrorData payload of an error message
type ErrorData struct {
	Message string `json:"message"`
}

// NewMessage creates a new message
func NewMessage(msgType MessageType, data interface{}) *Message {
	return &Message{
		ID:        newMessageID(),
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewErrorMessage creates an error message. The text is carried both in the
// envelope and as data.message so clients can treat it like any other event.
func NewErrorMessage(err string) *Message {
	return &Message{
		ID:        newMessageID(),
		Type:      MessageTypeError,
		Timestamp: time.Now(),
		Data:      ErrorData{Message: err},
		Error:     err,
	}
}

// ToJSON encodes the message
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON decodes a message
func FromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DataMap returns the payload as a JSON object, or nil when it is not one
func (m *Message) DataMap() map[string]interface{} {
	data, _ := m.Data.(map[string]interface{})
	return data
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
