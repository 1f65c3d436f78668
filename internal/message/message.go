package message

import "time"

// Type represents the kind of message.
type Type string

const (
	TypeChat   Type = "chat"
	TypeSystem Type = "system"
)

// Action describes what triggered a system message.
type Action string

const (
	ActionJoin  Action = "join"
	ActionLeave Action = "leave"
)

// Message is a chat line or a room notice as delivered to clients.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content"`
	Type      Type      `json:"type"`
	Action    Action    `json:"action,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
