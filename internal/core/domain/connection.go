package domain

import (
	"encoding/json"
	"time"
)

type Connection struct {
	ID        ConnectionID `json:"connectionId"`
	Data      string       `json:"data,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// ParsedData decodes the connection data as a JSON object. Data that is empty
// or not a JSON object yields nil.
func (c *Connection) ParsedData() map[string]interface{} {
	if c == nil || c.Data == "" {
		return nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(c.Data), &parsed); err != nil {
		return nil
	}
	return parsed
}

// Signal is a message sent through the session's signaling channel. An empty
// To broadcasts to every connection.
type Signal struct {
	Type string       `json:"type,omitempty"`
	Data string       `json:"data,omitempty"`
	To   ConnectionID `json:"to,omitempty"`
	From ConnectionID `json:"from,omitempty"`
}

// SessionEvent is a notification emitted by the session engine.
type SessionEvent struct {
	Name       EventName   `json:"name"`
	Stream     *Stream     `json:"stream,omitempty"`
	Connection *Connection `json:"connection,omitempty"`
	Signal     *Signal     `json:"signal,omitempty"`
	Property   string      `json:"property,omitempty"`
	Value      interface{} `json:"value,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}
