package memory

import (
	"sort"
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
)

// SessionState is the in-memory store of a session's streams, publishers and
// subscribers. Entities are shared by pointer and treated as immutable once
// stored; the maps handed to readers are always fresh copies.
type SessionState struct {
	mu          sync.RWMutex
	streams     map[domain.StreamID]*domain.Stream
	streamMap   map[domain.StreamID]string
	mappedRole  map[domain.StreamID]domain.Role
	publishers  domain.PublisherMap
	subscribers domain.SubscriberMap
}

func NewSessionState() *SessionState {
	s := &SessionState{}
	s.clear()
	return s
}

var _ ports.SessionStateRepository = (*SessionState)(nil)

func (s *SessionState) clear() {
	s.streams = make(map[domain.StreamID]*domain.Stream)
	s.streamMap = make(map[domain.StreamID]string)
	s.mappedRole = make(map[domain.StreamID]domain.Role)
	s.publishers = domain.NewPublisherMap()
	s.subscribers = domain.NewSubscriberMap()
}

func (s *SessionState) AddStream(stream *domain.Stream) {
	if stream == nil || stream.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream.ID] = stream
}

// RemoveStream deletes the stream together with its mapping and the
// publisher or subscriber the mapping points at.
func (s *SessionState) RemoveStream(stream *domain.Stream) {
	if stream == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.streams, stream.ID)

	mapped, ok := s.streamMap[stream.ID]
	if !ok {
		return
	}
	switch s.mappedRole[stream.ID] {
	case domain.RolePublisher:
		id := domain.PublisherID(mapped)
		if bucket := s.publishers[stream.Type()]; bucket[id] != nil {
			delete(bucket, id)
		} else {
			for _, bucket := range s.publishers {
				delete(bucket, id)
			}
		}
	case domain.RoleSubscriber:
		id := domain.SubscriberID(mapped)
		if bucket := s.subscribers[stream.Type()]; bucket[id] != nil {
			delete(bucket, id)
		} else {
			for _, bucket := range s.subscribers {
				delete(bucket, id)
			}
		}
	}
	s.unmap(stream.ID)
}

func (s *SessionState) GetStreams() map[domain.StreamID]*domain.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyStreams()
}

func (s *SessionState) GetStreamMap() map[domain.StreamID]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyStreamMap()
}

func (s *SessionState) StreamMapping(streamID domain.StreamID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.streamMap[streamID]
	return id, ok
}

func (s *SessionState) CameraStreamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, stream := range s.streams {
		if stream.VideoType == domain.VideoTypeCamera {
			count++
		}
	}
	return count
}

func (s *SessionState) AddPublisher(videoType domain.VideoType, publisher *domain.Publisher) {
	if publisher == nil || publisher.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.publishers[videoType]
	if !ok {
		bucket = make(map[domain.PublisherID]*domain.Publisher)
		s.publishers[videoType] = bucket
	}
	bucket[publisher.ID] = publisher
	if publisher.StreamID != "" {
		s.streamMap[publisher.StreamID] = string(publisher.ID)
		s.mappedRole[publisher.StreamID] = domain.RolePublisher
	}
}

// RemovePublisher deletes the publisher and its mapping. Without an id the
// publisher is found through the mapping of its stream.
func (s *SessionState) RemovePublisher(videoType domain.VideoType, publisher *domain.Publisher) {
	if publisher == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removePublisher(videoType, publisher.ID, publisher.StreamID)
}

func (s *SessionState) removePublisher(videoType domain.VideoType, id domain.PublisherID, streamID domain.StreamID) {
	if id == "" && streamID != "" && s.mappedRole[streamID] == domain.RolePublisher {
		id = domain.PublisherID(s.streamMap[streamID])
	}
	bucket := s.publishers[videoType]
	stored, ok := bucket[id]
	if ok {
		if streamID == "" {
			streamID = stored.StreamID
		}
		delete(bucket, id)
	} else if s.hasPublisher(id) {
		return
	}
	if streamID != "" && s.mappedRole[streamID] == domain.RolePublisher && s.streamMap[streamID] == string(id) {
		s.unmap(streamID)
	}
}

func (s *SessionState) hasPublisher(id domain.PublisherID) bool {
	for _, bucket := range s.publishers {
		if _, ok := bucket[id]; ok {
			return true
		}
	}
	return false
}

func (s *SessionState) RemoveAllPublishers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for videoType, bucket := range s.publishers {
		for id, publisher := range bucket {
			s.removePublisher(videoType, id, publisher.StreamID)
		}
	}
}

func (s *SessionState) Publisher(videoType domain.VideoType, id domain.PublisherID) (*domain.Publisher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	publisher, ok := s.publishers[videoType][id]
	return publisher, ok
}

// Publishers lists the publishers of one type ordered by id.
func (s *SessionState) Publishers(videoType domain.VideoType) []*domain.Publisher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.publishers[videoType]
	out := make([]*domain.Publisher, 0, len(bucket))
	for _, publisher := range bucket {
		out = append(out, publisher)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *SessionState) AddSubscriber(subscriber *domain.Subscriber) {
	if subscriber == nil || subscriber.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	videoType := subscriber.VideoType()
	bucket, ok := s.subscribers[videoType]
	if !ok {
		bucket = make(map[domain.SubscriberID]*domain.Subscriber)
		s.subscribers[videoType] = bucket
	}
	bucket[subscriber.ID] = subscriber
	if streamID := subscriber.StreamID(); streamID != "" {
		s.streamMap[streamID] = string(subscriber.ID)
		s.mappedRole[streamID] = domain.RoleSubscriber
	}
}

// RemoveSubscriber deletes the subscriber and its mapping. An empty type is
// taken from the subscriber's stream.
func (s *SessionState) RemoveSubscriber(videoType domain.VideoType, subscriber *domain.Subscriber) {
	if subscriber == nil {
		return
	}
	if videoType == "" {
		videoType = subscriber.VideoType()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeSubscriber(videoType, subscriber.ID, subscriber.StreamID())
}

func (s *SessionState) removeSubscriber(videoType domain.VideoType, id domain.SubscriberID, streamID domain.StreamID) {
	if id == "" && streamID != "" && s.mappedRole[streamID] == domain.RoleSubscriber {
		id = domain.SubscriberID(s.streamMap[streamID])
	}
	bucket := s.subscribers[videoType]
	stored, ok := bucket[id]
	if ok {
		if streamID == "" {
			streamID = stored.StreamID()
		}
		delete(bucket, id)
	} else if s.hasSubscriber(id) {
		return
	}
	if streamID != "" && s.mappedRole[streamID] == domain.RoleSubscriber && s.streamMap[streamID] == string(id) {
		s.unmap(streamID)
	}
}

func (s *SessionState) hasSubscriber(id domain.SubscriberID) bool {
	for _, bucket := range s.subscribers {
		if _, ok := bucket[id]; ok {
			return true
		}
	}
	return false
}

func (s *SessionState) RemoveAllSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for videoType, bucket := range s.subscribers {
		for id, subscriber := range bucket {
			s.removeSubscriber(videoType, id, subscriber.StreamID())
		}
	}
}

func (s *SessionState) Subscriber(videoType domain.VideoType, id domain.SubscriberID) (*domain.Subscriber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subscriber, ok := s.subscribers[videoType][id]
	return subscriber, ok
}

// Subscribers lists the subscribers of one type ordered by id.
func (s *SessionState) Subscribers(videoType domain.VideoType) []*domain.Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.subscribers[videoType]
	out := make([]*domain.Subscriber, 0, len(bucket))
	for _, subscriber := range bucket {
		out = append(out, subscriber)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *SessionState) GetPubSub() domain.PubSub {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pubSub()
}

func (s *SessionState) All() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.Snapshot{
		Streams:   s.copyStreams(),
		StreamMap: s.copyStreamMap(),
		PubSub:    s.pubSub(),
	}
}

func (s *SessionState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
}

func (s *SessionState) unmap(streamID domain.StreamID) {
	delete(s.streamMap, streamID)
	delete(s.mappedRole, streamID)
}

func (s *SessionState) pubSub() domain.PubSub {
	publishers := make(domain.PublisherMap, len(s.publishers))
	for videoType, bucket := range s.publishers {
		copied := make(map[domain.PublisherID]*domain.Publisher, len(bucket))
		for id, publisher := range bucket {
			copied[id] = publisher
		}
		publishers[videoType] = copied
	}
	subscribers := make(domain.SubscriberMap, len(s.subscribers))
	for videoType, bucket := range s.subscribers {
		copied := make(map[domain.SubscriberID]*domain.Subscriber, len(bucket))
		for id, subscriber := range bucket {
			copied[id] = subscriber
		}
		subscribers[videoType] = copied
	}
	return domain.PubSub{
		Publishers:  publishers,
		Subscribers: subscribers,
		Meta:        domain.CountPubSub(publishers, subscribers),
	}
}

func (s *SessionState) copyStreams() map[domain.StreamID]*domain.Stream {
	out := make(map[domain.StreamID]*domain.Stream, len(s.streams))
	for id, stream := range s.streams {
		out[id] = stream
	}
	return out
}

func (s *SessionState) copyStreamMap() map[domain.StreamID]string {
	out := make(map[domain.StreamID]string, len(s.streamMap))
	for id, mapped := range s.streamMap {
		out[id] = mapped
	}
	return out
}
