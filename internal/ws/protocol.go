package ws

import "encoding/json"

// Inbound event types.
const (
	EventJoin    = "join"
	EventMessage = "message"
	EventLeave   = "leave"
)

// Outbound envelope types.
const (
	TypeSystem  = "system"
	TypeChat    = "chat"
	TypeHistory = "history"
	TypeError   = "error"
)

// Envelope is the JSON structure sent over the WebSocket in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinPayload is sent by the client to enter a room.
type JoinPayload struct {
	Room     string `json:"room"`
	Username string `json:"username"`
}

// MessagePayload is sent by the client to post to a room it is in.
type MessagePayload struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

// LeavePayload is sent by the client to exit a room.
type LeavePayload struct {
	Room     string `json:"room"`
	Username string `json:"username"`
}

// ErrorPayload is sent to a single client when one of its events is rejected.
type ErrorPayload struct {
	Message string `json:"message"`
}

func encode(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: data})
}

func joinedNotice(username string) string { return username + " has joined the room." }

func leftNotice(username string) string { return username + " has left the room." }
