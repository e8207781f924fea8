package domain

// Role distinguishes the two kinds of stream containers.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// AVSource selects which track a toggle applies to.
type AVSource string

const (
	SourceAudio AVSource = "audio"
	SourceVideo AVSource = "video"
)

// MediaControl toggles the audio and video tracks of a publisher or subscriber.
type MediaControl interface {
	EnableAudio(enable bool) error
	EnableVideo(enable bool) error
}

// Properties are the engine-level options of a publisher or subscriber.
type Properties map[string]interface{}

// Merge returns a copy of p overlaid with overrides.
func (p Properties) Merge(overrides Properties) Properties {
	merged := make(Properties, len(p)+len(overrides))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// DefaultCallProperties are applied to the camera publisher and camera subscribers.
func DefaultCallProperties() Properties {
	return Properties{
		"insertMode":   "append",
		"width":        "100%",
		"height":       "100%",
		"showControls": false,
		"style": map[string]interface{}{
			"buttonDisplayMode": "off",
		},
	}
}

// DefaultScreenProperties are applied to screen and sip subscribers.
func DefaultScreenProperties() Properties {
	return DefaultCallProperties().Merge(Properties{"videoSource": "window"})
}

type Publisher struct {
	ID         PublisherID  `json:"id"`
	StreamID   StreamID     `json:"streamId,omitempty"`
	VideoType  VideoType    `json:"videoType"`
	Container  string       `json:"container,omitempty"`
	Properties Properties   `json:"properties,omitempty"`
	Control    MediaControl `json:"-"`
}

// Toggle applies enable to the given source. A publisher without a control
// handle ignores the request.
func (p *Publisher) Toggle(source AVSource, enable bool) error {
	if p == nil || p.Control == nil {
		return nil
	}
	return toggle(p.Control, source, enable)
}

type Subscriber struct {
	ID         SubscriberID `json:"id"`
	Stream     *Stream      `json:"stream,omitempty"`
	Container  string       `json:"container,omitempty"`
	Properties Properties   `json:"properties,omitempty"`
	Control    MediaControl `json:"-"`
}

// VideoType is derived from the subscribed stream.
func (s *Subscriber) VideoType() VideoType {
	if s == nil {
		return VideoTypeSIP
	}
	return s.Stream.Type()
}

// StreamID returns the id of the subscribed stream, or "" when unknown.
func (s *Subscriber) StreamID() StreamID {
	if s == nil || s.Stream == nil {
		return ""
	}
	return s.Stream.ID
}

func (s *Subscriber) Toggle(source AVSource, enable bool) error {
	if s == nil || s.Control == nil {
		return nil
	}
	return toggle(s.Control, source, enable)
}

func toggle(control MediaControl, source AVSource, enable bool) error {
	switch source {
	case SourceAudio:
		return control.EnableAudio(enable)
	case SourceVideo:
		return control.EnableVideo(enable)
	default:
		return ErrUnknownSource
	}
}
