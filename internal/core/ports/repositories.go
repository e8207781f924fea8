package ports

import (
	"callcore/internal/core/domain"
)

// SessionStateRepository holds the streams, publishers and subscribers of a
// session. Readers only ever receive copies.
type SessionStateRepository interface {
	AddStream(stream *domain.Stream)
	RemoveStream(stream *domain.Stream)
	GetStreams() map[domain.StreamID]*domain.Stream
	GetStreamMap() map[domain.StreamID]string
	StreamMapping(streamID domain.StreamID) (string, bool)
	CameraStreamCount() int

	AddPublisher(videoType domain.VideoType, publisher *domain.Publisher)
	RemovePublisher(videoType domain.VideoType, publisher *domain.Publisher)
	RemoveAllPublishers()
	Publisher(videoType domain.VideoType, id domain.PublisherID) (*domain.Publisher, bool)
	Publishers(videoType domain.VideoType) []*domain.Publisher

	AddSubscriber(subscriber *domain.Subscriber)
	RemoveSubscriber(videoType domain.VideoType, subscriber *domain.Subscriber)
	RemoveAllSubscribers()
	Subscriber(videoType domain.VideoType, id domain.SubscriberID) (*domain.Subscriber, bool)
	Subscribers(videoType domain.VideoType) []*domain.Subscriber

	GetPubSub() domain.PubSub
	All() domain.Snapshot
	Reset()
}
