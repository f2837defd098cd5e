package ws

import "encoding/json"

const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgSubscribed  = "subscribed"
	msgUnsubbed    = "unsubscribed"
	msgError       = "error"
)

// ClientMessage is what subscribers send. LastEventID asks for a replay of buffered
// events newer than that id.
type ClientMessage struct {
	Type        string `json:"type"`
	Channel     string `json:"channel"`
	LastEventID string `json:"lastEventId,omitempty"`
}

// ServerMessage is every frame the server pushes.
type ServerMessage struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	ID       string          `json:"id,omitempty"`
	ServerTS int64           `json:"serverTs,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}
