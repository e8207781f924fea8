package services

import (
	"context"
	"fmt"
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

type fakeControl struct {
	mu    sync.Mutex
	audio []bool
	video []bool
	err   error
}

func (c *fakeControl) EnableAudio(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, enable)
	return c.err
}

func (c *fakeControl) EnableVideo(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.video = append(c.video, enable)
	return c.err
}

// fakeSession is an in-memory engine. Subscribe blocks on subscribeGate when set.
type fakeSession struct {
	mu sync.Mutex

	id       string
	apiKey   string
	handlers []ports.SessionEventHandler
	conn     *domain.Connection
	nextID   int

	connectErr    error
	disconnectErr error
	publishErr    error
	signalErr     error
	subscribeErrs map[domain.StreamID]error
	subscribeGate chan struct{}

	publishCalls   int
	subscribeCalls map[domain.StreamID]int
	unsubscribed   []domain.SubscriberID
	unpublished    []domain.PublisherID
	signals        []domain.Signal
	forced         []string
	connected      bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		id:             "session-1",
		apiKey:         "key-1",
		subscribeErrs:  make(map[domain.StreamID]error),
		subscribeCalls: make(map[domain.StreamID]int),
	}
}

var _ ports.Session = (*fakeSession)(nil)

func (f *fakeSession) ID() string     { return f.id }
func (f *fakeSession) APIKey() string { return f.apiKey }

func (f *fakeSession) Connection() *domain.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakeSession) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return 2
	}
	return 0
}

func (f *fakeSession) Connect(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.conn = &domain.Connection{ID: "conn-local", Data: `{"name":"local"}`}
	return nil
}

func (f *fakeSession) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return f.disconnectErr
}

func (f *fakeSession) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeSession) Publish(ctx context.Context, videoType domain.VideoType, container string, props domain.Properties) (*domain.Publisher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishCalls++
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	return &domain.Publisher{
		ID:         domain.PublisherID(f.newID("pub")),
		StreamID:   domain.StreamID(f.newID("local-stream")),
		VideoType:  videoType,
		Container:  container,
		Properties: props,
		Control:    &fakeControl{},
	}, nil
}

func (f *fakeSession) Unpublish(ctx context.Context, publisher *domain.Publisher) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpublished = append(f.unpublished, publisher.ID)
	return nil
}

func (f *fakeSession) Subscribe(ctx context.Context, stream *domain.Stream, container string, props domain.Properties) (*domain.Subscriber, error) {
	f.mu.Lock()
	f.subscribeCalls[stream.ID]++
	gate := f.subscribeGate
	err := f.subscribeErrs[stream.ID]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.Subscriber{
		ID:         domain.SubscriberID(f.newID("sub")),
		Stream:     stream,
		Container:  container,
		Properties: props,
		Control:    &fakeControl{},
	}, nil
}

func (f *fakeSession) Unsubscribe(ctx context.Context, subscriber *domain.Subscriber) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, subscriber.ID)
	return nil
}

func (f *fakeSession) Signal(ctx context.Context, signal domain.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	f.signals = append(f.signals, signal)
	return nil
}

func (f *fakeSession) ForceDisconnect(ctx context.Context, connectionID domain.ConnectionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, "disconnect:"+string(connectionID))
	return nil
}

func (f *fakeSession) ForceUnpublish(ctx context.Context, streamID domain.StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, "unpublish:"+string(streamID))
	return nil
}

func (f *fakeSession) OnEvent(handler ports.SessionEventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

func (f *fakeSession) emit(event domain.SessionEvent) {
	f.mu.Lock()
	handlers := append([]ports.SessionEventHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

func (f *fakeSession) subscribeCount(id domain.StreamID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls[id]
}

type fakeSessionFactory struct {
	session *fakeSession
	err     error
}

func (f *fakeSessionFactory) InitSession(apiKey, sessionID string) (ports.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type MockAnalytics struct {
	mock.Mock
}

func (m *MockAnalytics) LogAction(action domain.Action, variation domain.Variation) {
	m.Called(action, variation)
}

func (m *MockAnalytics) SetSessionInfo(info domain.SessionInfo) {
	m.Called(info)
}

func (m *MockAnalytics) ObservePubSub(counts domain.PubSubCounts) {
	m.Called(counts)
}

// eventRecorder collects bus events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	name domain.EventName
	data interface{}
}

func (r *eventRecorder) listen(bus ports.EventBus, names ...domain.EventName) {
	for _, name := range names {
		bus.On(name, func(data interface{}, event domain.EventName) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, recordedEvent{name: event, data: data})
		})
	}
}

func (r *eventRecorder) names() []domain.EventName {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventName, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.name)
	}
	return out
}

func (r *eventRecorder) count(name domain.EventName) int {
	n := 0
	for _, got := range r.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(name domain.EventName) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].name == name {
			return r.events[i].data, true
		}
	}
	return nil, false
}
