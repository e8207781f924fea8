package domain

import (
	"strings"
	"time"
)

type StreamID string
type PublisherID string
type SubscriberID string
type ConnectionID string

// VideoType is the kind of media a stream carries.
type VideoType string

const (
	VideoTypeCamera VideoType = "camera"
	VideoTypeScreen VideoType = "screen"
	// VideoTypeSIP is assumed for streams that carry no video type, which is
	// how dial-in participants show up.
	VideoTypeSIP VideoType = "sip"
)

var (
	PublisherTypes  = []VideoType{VideoTypeCamera, VideoTypeScreen}
	SubscriberTypes = []VideoType{VideoTypeCamera, VideoTypeScreen, VideoTypeSIP}
)

// ProperCase returns the type with its first letter upper-cased ("camera" => "Camera").
func (t VideoType) ProperCase() string {
	if t == "" {
		return ""
	}
	return strings.ToUpper(string(t[:1])) + string(t[1:])
}

type Stream struct {
	ID         StreamID    `json:"streamId"`
	Name       string      `json:"name,omitempty"`
	VideoType  VideoType   `json:"videoType,omitempty"`
	Connection *Connection `json:"connection,omitempty"`
	HasAudio   bool        `json:"hasAudio"`
	HasVideo   bool        `json:"hasVideo"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Type returns the stream's video type, falling back to sip when none is set.
func (s *Stream) Type() VideoType {
	if s == nil || s.VideoType == "" {
		return VideoTypeSIP
	}
	return s.VideoType
}

// ConnectionData returns the parsed data of the stream's connection, or nil.
func (s *Stream) ConnectionData() map[string]interface{} {
	if s == nil {
		return nil
	}
	return s.Connection.ParsedData()
}
