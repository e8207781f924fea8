package signal

import (
	"encoding/json"
	"fmt"

	"callcore/internal/core/domain"
)

// Client requests. Every request carries a request id that the reply echoes.
const (
	TypePublish         = "publish"
	TypeUnpublish       = "unpublish"
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeSignal          = "signal"
	TypeForceDisconnect = "force_disconnect"
	TypeForceUnpublish  = "force_unpublish"
	TypeStreamProperty  = "stream_property"
)

// Server messages.
const (
	TypeReply                 = "reply"
	TypeSessionJoined         = "session_joined"
	TypeStreamCreated         = "stream_created"
	TypeStreamDestroyed       = "stream_destroyed"
	TypeConnectionCreated     = "connection_created"
	TypeConnectionDestroyed   = "connection_destroyed"
	TypeStreamPropertyChanged = "stream_property_changed"
	TypeSessionDisconnected   = "session_disconnected"
)

// Error codes carried in replies.
const (
	CodeAuthFailed       = 1004
	CodeNetwork          = domain.CodeNetwork
	CodeInvalidRequest   = 1011
	CodeTimeout          = 1013
	CodePermissionDenied = 1070
	CodeRateLimited      = 1429
	CodeStreamNotFound   = 1600
)

// Message is the envelope of everything sent over the signaling socket.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EngineError converts the payload into the error the session surface returns.
func (e *ErrorPayload) EngineError() *domain.EngineError {
	if e == nil {
		return nil
	}
	return &domain.EngineError{Code: e.Code, Message: e.Message}
}

type PublishPayload struct {
	Name      string           `json:"name,omitempty"`
	VideoType domain.VideoType `json:"video_type,omitempty"`
	HasAudio  bool             `json:"has_audio"`
	HasVideo  bool             `json:"has_video"`
}

// StreamRef addresses a single stream.
type StreamRef struct {
	StreamID domain.StreamID `json:"stream_id"`
}

type ConnectionRef struct {
	ConnectionID domain.ConnectionID `json:"connection_id"`
}

type StreamPropertyPayload struct {
	StreamID domain.StreamID `json:"stream_id"`
	Property string          `json:"property"`
	Value    interface{}     `json:"value"`
}

type SessionJoinedPayload struct {
	SessionID   string               `json:"session_id"`
	Connection  *domain.Connection   `json:"connection"`
	Connections []*domain.Connection `json:"connections"`
	Streams     []*domain.Stream     `json:"streams"`
}

type StreamEventPayload struct {
	Stream *domain.Stream `json:"stream"`
	Reason string         `json:"reason,omitempty"`
}

type ConnectionEventPayload struct {
	Connection *domain.Connection `json:"connection"`
	Reason     string             `json:"reason,omitempty"`
}

type StreamPropertyChangedPayload struct {
	Stream   *domain.Stream `json:"stream"`
	Property string         `json:"property"`
	Value    interface{}    `json:"value"`
}

type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

// NewMessage encodes payload into a message of the given type.
func NewMessage(msgType, requestID string, payload interface{}) (Message, error) {
	msg := Message{Type: msgType, RequestID: requestID}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s payload is required", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}
