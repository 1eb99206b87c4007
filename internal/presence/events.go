package presence

import (
	"time"

	"github.com/customsportal/portal/internal/gateway/websocket"
)

// Client to server events
const (
	EventPageChange     websocket.MessageType = "page_change"
	EventHeartbeat      websocket.MessageType = "heartbeat"
	EventGetOnlineUsers websocket.MessageType = "get_online_users"
	EventJoinAdminRoom  websocket.MessageType = "join_admin_room"
)

// Server to client events
const (
	EventInitialOnlineUsers websocket.MessageType = "initial_online_users"
	EventUserConnected      websocket.MessageType = "user_connected"
	EventUserDisconnected   websocket.MessageType = "user_disconnected"
	EventUserPageChanged    websocket.MessageType = "user_page_changed"
	EventHeartbeatAck       websocket.MessageType = "heartbeat_ack"
	EventOnlineUsersList    websocket.MessageType = "online_users_list"
)

// ObserverChannel is the hub channel observers are subscribed to
const ObserverChannel = "presence:observers"

// OnlineUser one row of an online-users listing
type OnlineUser struct {
	UserID       string     `json:"user_id"`
	UserName     string     `json:"user_name"`
	Email        string     `json:"email,omitempty"`
	Role         string     `json:"role,omitempty"`
	SocketID     string     `json:"socket_id"`
	SessionID    string     `json:"session_id,omitempty"`
	CurrentPage  string     `json:"current_page,omitempty"`
	PageTitle    string     `json:"page_title,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// InitialOnlineUsers payload of initial_online_users
type InitialOnlineUsers struct {
	Users []OnlineUser `json:"users"`
	Count int          `json:"count"`
}

// OnlineUsersList payload of online_users_list
type OnlineUsersList struct {
	Users     []OnlineUser `json:"users"`
	Count     int          `json:"count"`
	Timestamp time.Time    `json:"timestamp"`
}

// UserPresence payload of user_connected and user_disconnected
type UserPresence struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	SocketID  string    `json:"socket_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PageChanged payload of user_page_changed
type PageChanged struct {
	UserID    string    `json:"user_id"`
	SocketID  string    `json:"socket_id"`
	Page      string    `json:"page"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatAck payload of heartbeat_ack
type HeartbeatAck struct {
	Timestamp time.Time `json:"timestamp"`
}
