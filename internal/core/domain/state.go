package domain

type PublisherMap map[VideoType]map[PublisherID]*Publisher
type SubscriberMap map[VideoType]map[SubscriberID]*Subscriber

// NewPublisherMap returns a map with an empty bucket for every publisher type.
func NewPublisherMap() PublisherMap {
	m := make(PublisherMap, len(PublisherTypes))
	for _, t := range PublisherTypes {
		m[t] = make(map[PublisherID]*Publisher)
	}
	return m
}

// NewSubscriberMap returns a map with an empty bucket for every subscriber type.
func NewSubscriberMap() SubscriberMap {
	m := make(SubscriberMap, len(SubscriberTypes))
	for _, t := range SubscriberTypes {
		m[t] = make(map[SubscriberID]*Subscriber)
	}
	return m
}

type TypeCounts struct {
	Camera int `json:"camera"`
	Screen int `json:"screen"`
	SIP    int `json:"sip"`
	Total  int `json:"total"`
}

func (c *TypeCounts) add(t VideoType, n int) {
	switch t {
	case VideoTypeCamera:
		c.Camera += n
	case VideoTypeScreen:
		c.Screen += n
	case VideoTypeSIP:
		c.SIP += n
	}
	c.Total += n
}

type PubSubCounts struct {
	Publisher  TypeCounts `json:"publisher"`
	Subscriber TypeCounts `json:"subscriber"`
}

// CountPubSub counts publishers and subscribers by type.
func CountPubSub(publishers PublisherMap, subscribers SubscriberMap) PubSubCounts {
	var counts PubSubCounts
	for t, bucket := range publishers {
		counts.Publisher.add(t, len(bucket))
	}
	for t, bucket := range subscribers {
		counts.Subscriber.add(t, len(bucket))
	}
	return counts
}

// PubSub is a copy of the current publishers and subscribers with their counts.
type PubSub struct {
	Publishers  PublisherMap  `json:"publishers"`
	Subscribers SubscriberMap `json:"subscribers"`
	Meta        PubSubCounts  `json:"meta"`
}

// Snapshot is a copy of the whole session state at the time it was taken.
type Snapshot struct {
	Streams   map[StreamID]*Stream `json:"streams"`
	StreamMap map[StreamID]string  `json:"streamMap"`
	PubSub
}

// CallResult is produced by a started call.
type CallResult struct {
	PubSub
	Publisher *Publisher `json:"publisher"`
}

// SubscribeEventData is the payload of the subscribeTo<Type> events.
type SubscribeEventData struct {
	Subscriber *Subscriber `json:"subscriber"`
	Snapshot
}

// ScreenShareEventData is the payload of the startScreenShare event.
type ScreenShareEventData struct {
	Publisher *Publisher `json:"publisher"`
	PubSub
}

// ConnectResult is produced by a successful connect.
type ConnectResult struct {
	Connections int `json:"connections"`
}

// ConnectedEventData is the payload of the connected event.
type ConnectedEventData struct {
	SessionID   string      `json:"sessionId"`
	Connection  *Connection `json:"connection,omitempty"`
	Connections int         `json:"connections"`
}
