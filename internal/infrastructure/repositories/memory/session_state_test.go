package memory

import (
	"fmt"
	"math/rand"
	"testing"

	"callcore/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cameraStream(id string) *domain.Stream {
	return &domain.Stream{ID: domain.StreamID(id), VideoType: domain.VideoTypeCamera}
}

func TestSessionState_StreamLifecycle(t *testing.T) {
	state := NewSessionState()
	stream := cameraStream("s1")

	state.AddStream(stream)
	assert.Contains(t, state.GetStreams(), stream.ID)
	assert.Equal(t, 1, state.CameraStreamCount())

	state.RemoveStream(stream)
	assert.NotContains(t, state.GetStreams(), stream.ID)
	assert.Equal(t, 0, state.CameraStreamCount())

	// removing again is a no-op
	state.RemoveStream(stream)
	state.RemoveStream(nil)
}

func TestSessionState_RemoveStreamCascadesToSubscriber(t *testing.T) {
	state := NewSessionState()
	stream := cameraStream("s1")
	subscriber := &domain.Subscriber{ID: "sub1", Stream: stream}

	state.AddStream(stream)
	state.AddSubscriber(subscriber)

	mapped, ok := state.StreamMapping(stream.ID)
	require.True(t, ok)
	assert.Equal(t, "sub1", mapped)

	state.RemoveStream(stream)

	assert.NotContains(t, state.GetStreams(), stream.ID)
	assert.NotContains(t, state.GetStreamMap(), stream.ID)
	_, found := state.Subscriber(domain.VideoTypeCamera, "sub1")
	assert.False(t, found)
	assert.Equal(t, 0, state.GetPubSub().Meta.Subscriber.Total)
}

func TestSessionState_RemoveStreamDropsLocalPublisher(t *testing.T) {
	state := NewSessionState()
	stream := cameraStream("local")
	state.AddStream(stream)
	state.AddPublisher(domain.VideoTypeCamera, &domain.Publisher{ID: "pub1", StreamID: stream.ID})

	state.RemoveStream(stream)

	_, ok := state.StreamMapping(stream.ID)
	assert.False(t, ok)
	assert.Empty(t, state.GetStreamMap())
	_, found := state.Publisher(domain.VideoTypeCamera, "pub1")
	assert.False(t, found)
	assert.Equal(t, 0, state.GetPubSub().Meta.Publisher.Total)
}

func TestSessionState_RemovePublisherByStreamID(t *testing.T) {
	state := NewSessionState()
	state.AddPublisher(domain.VideoTypeScreen, &domain.Publisher{ID: "pub1", StreamID: "s1"})

	// only the stream reference is known
	state.RemovePublisher(domain.VideoTypeScreen, &domain.Publisher{StreamID: "s1"})

	_, found := state.Publisher(domain.VideoTypeScreen, "pub1")
	assert.False(t, found)
	assert.Empty(t, state.GetStreamMap())
}

func TestSessionState_RemoveSubscriberDerivesType(t *testing.T) {
	state := NewSessionState()
	sip := &domain.Stream{ID: "dial-in"}
	state.AddSubscriber(&domain.Subscriber{ID: "sub1", Stream: sip})

	counts := state.GetPubSub().Meta
	assert.Equal(t, 1, counts.Subscriber.SIP)

	state.RemoveSubscriber("", &domain.Subscriber{Stream: sip})

	assert.Equal(t, 0, state.GetPubSub().Meta.Subscriber.Total)
	assert.Empty(t, state.GetStreamMap())
}

func TestSessionState_CountsAreFresh(t *testing.T) {
	state := NewSessionState()
	state.AddPublisher(domain.VideoTypeCamera, &domain.Publisher{ID: "p1", StreamID: "a"})
	state.AddPublisher(domain.VideoTypeScreen, &domain.Publisher{ID: "p2", StreamID: "b"})
	state.AddSubscriber(&domain.Subscriber{ID: "s1", Stream: cameraStream("c")})
	state.AddSubscriber(&domain.Subscriber{ID: "s2", Stream: &domain.Stream{ID: "d", VideoType: domain.VideoTypeScreen}})

	meta := state.GetPubSub().Meta
	assert.Equal(t, domain.TypeCounts{Camera: 1, Screen: 1, Total: 2}, meta.Publisher)
	assert.Equal(t, domain.TypeCounts{Camera: 1, Screen: 1, Total: 2}, meta.Subscriber)

	state.RemovePublisher(domain.VideoTypeCamera, &domain.Publisher{ID: "p1"})
	assert.Equal(t, 1, state.GetPubSub().Meta.Publisher.Total)
}

func TestSessionState_SnapshotIsCopy(t *testing.T) {
	state := NewSessionState()
	state.AddStream(cameraStream("s1"))
	state.AddPublisher(domain.VideoTypeCamera, &domain.Publisher{ID: "p1", StreamID: "x"})

	snapshot := state.All()
	delete(snapshot.Streams, "s1")
	delete(snapshot.StreamMap, "x")
	delete(snapshot.Publishers[domain.VideoTypeCamera], "p1")

	assert.Contains(t, state.GetStreams(), domain.StreamID("s1"))
	assert.Contains(t, state.GetStreamMap(), domain.StreamID("x"))
	_, found := state.Publisher(domain.VideoTypeCamera, "p1")
	assert.True(t, found)
}

func TestSessionState_Reset(t *testing.T) {
	state := NewSessionState()
	state.AddStream(cameraStream("s1"))
	state.AddPublisher(domain.VideoTypeCamera, &domain.Publisher{ID: "p1", StreamID: "x"})
	state.AddSubscriber(&domain.Subscriber{ID: "sub1", Stream: cameraStream("s1")})

	state.Reset()

	all := state.All()
	assert.Empty(t, all.Streams)
	assert.Empty(t, all.StreamMap)
	assert.Equal(t, domain.PubSubCounts{}, all.Meta)
}

func TestSessionState_RemoveAll(t *testing.T) {
	state := NewSessionState()
	state.AddPublisher(domain.VideoTypeCamera, &domain.Publisher{ID: "p1", StreamID: "a"})
	state.AddPublisher(domain.VideoTypeScreen, &domain.Publisher{ID: "p2", StreamID: "b"})
	state.AddSubscriber(&domain.Subscriber{ID: "s1", Stream: cameraStream("c")})

	state.RemoveAllPublishers()
	assert.Equal(t, 0, state.GetPubSub().Meta.Publisher.Total)
	assert.Equal(t, map[domain.StreamID]string{"c": "s1"}, state.GetStreamMap())

	state.RemoveAllSubscribers()
	assert.Empty(t, state.GetStreamMap())
}

// Random add/remove sequences keep publisher buckets and the stream map in
// step after every operation.
func TestSessionState_PublisherMappingConsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	state := NewSessionState()
	types := domain.PublisherTypes

	for i := 0; i < 500; i++ {
		n := rng.Intn(10)
		videoType := types[rng.Intn(len(types))]
		publisher := &domain.Publisher{
			ID:       domain.PublisherID(fmt.Sprintf("pub-%d", n)),
			StreamID: domain.StreamID(fmt.Sprintf("stream-%d", n)),
		}
		switch rng.Intn(3) {
		case 0:
			if _, exists := state.StreamMapping(publisher.StreamID); !exists {
				state.AddPublisher(videoType, publisher)
			}
		case 1:
			state.RemovePublisher(videoType, publisher)
		case 2:
			state.RemovePublisher(videoType, &domain.Publisher{StreamID: publisher.StreamID})
		}

		pubSub := state.GetPubSub()
		streamMap := state.GetStreamMap()
		total := 0
		for _, bucket := range pubSub.Publishers {
			for id, stored := range bucket {
				total++
				assert.Equal(t, string(id), streamMap[stored.StreamID])
			}
		}
		assert.Len(t, streamMap, total)
	}
}
