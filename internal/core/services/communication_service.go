package services

import (
	"context"
	stderrors "errors"
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/errors"
	"callcore/pkg/tracing"

	"go.uber.org/zap"
)

const connectionLimitMessage = "Session has reached its connection limit"

// CommunicationOptions configure the call coordinator. Bus is required.
type CommunicationOptions struct {
	Bus              ports.EventBus
	StreamContainers ports.StreamContainers
	CallProperties   domain.Properties
	ScreenProperties domain.Properties
	// ConnectionLimit caps the camera streams a new caller may join; 0 means no cap.
	ConnectionLimit int
	AutoSubscribe   bool
}

// DefaultCommunicationOptions enables auto-subscription and the default
// rendering properties.
func DefaultCommunicationOptions(bus ports.EventBus) CommunicationOptions {
	return CommunicationOptions{
		Bus:           bus,
		AutoSubscribe: true,
	}
}

// DefaultStreamContainers places every publisher and subscriber in
// "<role>Container".
func DefaultStreamContainers(role domain.Role, _ domain.VideoType, _ map[string]interface{}, _ domain.StreamID) string {
	return string(role) + "Container"
}

// CommunicationService drives publishing and subscribing against the session
// and keeps the session state in step with engine events.
type CommunicationService struct {
	session   ports.Session
	state     ports.SessionStateRepository
	bus       ports.EventBus
	analytics ports.Analytics
	logger    *zap.SugaredLogger
	opts      CommunicationOptions

	mu     sync.Mutex
	active bool
	// pending holds in-flight subscriptions; true once the stream was destroyed.
	pending   map[domain.StreamID]bool
	listeners map[domain.EventName]ports.ListenerID

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewCommunicationService(
	session ports.Session,
	state ports.SessionStateRepository,
	analytics ports.Analytics,
	logger *zap.SugaredLogger,
	opts CommunicationOptions,
) (*CommunicationService, error) {
	if opts.Bus == nil {
		return nil, errors.NewInvalidParametersError("accPack is a required option")
	}
	if session == nil || state == nil {
		return nil, errors.NewInvalidParametersError("session and state are required")
	}
	if opts.StreamContainers == nil {
		opts.StreamContainers = DefaultStreamContainers
	}
	if opts.CallProperties == nil {
		opts.CallProperties = domain.DefaultCallProperties()
	}
	if opts.ScreenProperties == nil {
		opts.ScreenProperties = opts.CallProperties.Merge(domain.Properties{"videoSource": "window"})
	}
	if opts.ConnectionLimit < 0 {
		opts.ConnectionLimit = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CommunicationService{
		session:   session,
		state:     state,
		bus:       opts.Bus,
		analytics: analytics,
		logger:    logger,
		opts:      opts,
		pending:   make(map[domain.StreamID]bool),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	s.listeners = s.bus.OnMany(map[domain.EventName]ports.Listener{
		domain.EventStreamCreated:   s.onStreamCreated,
		domain.EventStreamDestroyed: s.onStreamDestroyed,
	})
	return s, nil
}

func (s *CommunicationService) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// StartCall publishes the local camera and, with auto-subscribe on,
// subscribes to every known stream.
func (s *CommunicationService) StartCall(ctx context.Context, props domain.Properties) (*domain.CallResult, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "startCall", s.session.ID())
	defer span.End()
	s.logAction(domain.ActionStartCall, domain.VariationAttempt)

	if !s.ableToJoin() {
		err := errors.NewConnectionLimitError().WithContext("limit", s.opts.ConnectionLimit)
		s.bus.TriggerEvent(domain.EventError, connectionLimitMessage)
		s.logAction(domain.ActionStartCall, domain.VariationFail)
		tracing.RecordError(ctx, err)
		return nil, err
	}

	container := s.opts.StreamContainers(domain.RolePublisher, domain.VideoTypeCamera, nil, "")
	publisher, err := s.session.Publish(ctx, domain.VideoTypeCamera, container, s.opts.CallProperties.Merge(props))
	if err != nil {
		s.logger.Warnw("failed to publish camera", "error", err)
		s.bus.TriggerEvent(domain.EventError, domain.UserMessage(err))
		s.logAction(domain.ActionStartCall, domain.VariationFail)
		tracing.RecordError(ctx, err)
		return nil, err
	}
	s.state.AddPublisher(domain.VideoTypeCamera, publisher)

	failed := 0
	if s.opts.AutoSubscribe {
		failed = s.subscribeAll(ctx)
	}

	result := &domain.CallResult{PubSub: s.state.GetPubSub(), Publisher: publisher}

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	if failed > 0 {
		s.logger.Warnw("call started with failed initial subscriptions", "failed", failed)
	} else {
		s.bus.TriggerEvent(domain.EventStartCall, result)
	}
	s.observe()
	s.logAction(domain.ActionStartCall, domain.VariationSuccess)
	return result, nil
}

func (s *CommunicationService) ableToJoin() bool {
	if s.opts.ConnectionLimit == 0 {
		return true
	}
	return s.state.CameraStreamCount() < s.opts.ConnectionLimit
}

// subscribeAll subscribes to every stream in the state concurrently and
// reports how many subscriptions failed.
func (s *CommunicationService) subscribeAll(ctx context.Context) int {
	streams := s.state.GetStreams()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, stream := range streams {
		wg.Add(1)
		go func(stream *domain.Stream) {
			defer wg.Done()
			_, err := s.Subscribe(ctx, stream)
			if err == nil || stderrors.Is(err, domain.ErrStreamNotFound) {
				return
			}
			s.logger.Warnw("initial subscription failed", "stream_id", stream.ID, "error", err)
			mu.Lock()
			failed++
			mu.Unlock()
		}(stream)
	}
	wg.Wait()
	return failed
}

// EndCall unpublishes and unsubscribes everything and marks the call inactive.
func (s *CommunicationService) EndCall(ctx context.Context) error {
	s.logAction(domain.ActionEndCall, domain.VariationAttempt)

	for _, videoType := range domain.PublisherTypes {
		for _, publisher := range s.state.Publishers(videoType) {
			if err := s.session.Unpublish(ctx, publisher); err != nil {
				s.logger.Warnw("failed to unpublish", "publisher_id", publisher.ID, "error", err)
			}
		}
	}
	for _, videoType := range []domain.VideoType{domain.VideoTypeCamera, domain.VideoTypeScreen} {
		for _, subscriber := range s.state.Subscribers(videoType) {
			_ = s.Unsubscribe(ctx, subscriber)
		}
	}
	s.state.RemoveAllPublishers()

	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.TriggerEvent(domain.EventEndCall, nil)
	s.observe()
	s.logAction(domain.ActionEndCall, domain.VariationSuccess)
	return nil
}

// Subscribe subscribes to stream unless it already has a subscriber or a
// subscription in flight, in which case it returns the existing subscriber
// (possibly nil) without touching the engine.
func (s *CommunicationService) Subscribe(ctx context.Context, stream *domain.Stream) (*domain.Subscriber, error) {
	if stream == nil || stream.ID == "" {
		return nil, errors.NewInvalidParametersError("stream is required")
	}

	s.mu.Lock()
	if mapped, ok := s.state.StreamMapping(stream.ID); ok {
		s.mu.Unlock()
		existing, _ := s.state.Subscriber(stream.Type(), domain.SubscriberID(mapped))
		return existing, nil
	}
	if _, inFlight := s.pending[stream.ID]; inFlight {
		s.mu.Unlock()
		return nil, nil
	}
	s.pending[stream.ID] = false
	s.mu.Unlock()

	videoType := stream.Type()
	ctx, span := tracing.TraceCallOperation(ctx, "subscribe", s.session.ID(),
		tracing.StreamIDKey.String(string(stream.ID)),
		tracing.VideoTypeKey.String(string(videoType)),
	)
	defer span.End()
	s.logAction(domain.ActionSubscribe, domain.VariationAttempt)

	container := s.opts.StreamContainers(domain.RoleSubscriber, videoType, stream.ConnectionData(), stream.ID)
	props := s.opts.ScreenProperties
	if videoType == domain.VideoTypeCamera {
		props = s.opts.CallProperties
	}

	subscriber, err := s.session.Subscribe(ctx, stream, container, props)

	s.mu.Lock()
	destroyed := s.pending[stream.ID]
	delete(s.pending, stream.ID)
	if err == nil && !destroyed {
		s.state.AddSubscriber(subscriber)
	}
	s.mu.Unlock()

	if err != nil {
		s.logAction(domain.ActionSubscribe, domain.VariationFail)
		tracing.RecordError(ctx, err)
		return nil, err
	}
	if destroyed {
		if unsubErr := s.session.Unsubscribe(ctx, subscriber); unsubErr != nil {
			s.logger.Debugw("failed to drop subscriber of destroyed stream", "stream_id", stream.ID, "error", unsubErr)
		}
		s.logAction(domain.ActionSubscribe, domain.VariationFail)
		return nil, domain.ErrStreamNotFound
	}

	s.bus.TriggerEvent(domain.SubscribeEvent(videoType), domain.SubscribeEventData{
		Subscriber: subscriber,
		Snapshot:   s.state.All(),
	})
	if videoType == domain.VideoTypeScreen {
		s.bus.TriggerEvent(domain.EventStartViewingSharedScreen, subscriber)
	}
	s.observe()
	s.logAction(domain.ActionSubscribe, domain.VariationSuccess)
	return subscriber, nil
}

// Unsubscribe removes the subscriber locally and at the engine. Engine
// failures are only logged.
func (s *CommunicationService) Unsubscribe(ctx context.Context, subscriber *domain.Subscriber) error {
	if subscriber == nil {
		return nil
	}
	s.logAction(domain.ActionUnsubscribe, domain.VariationAttempt)
	s.state.RemoveSubscriber("", subscriber)
	if err := s.session.Unsubscribe(ctx, subscriber); err != nil {
		s.logger.Warnw("failed to unsubscribe", "subscriber_id", subscriber.ID, "error", err)
	}
	s.observe()
	s.logAction(domain.ActionUnsubscribe, domain.VariationSuccess)
	return nil
}

func (s *CommunicationService) onStreamCreated(data interface{}, _ domain.EventName) {
	stream := streamOf(data)
	if stream == nil {
		return
	}

	s.mu.Lock()
	subscribe := s.active && s.opts.AutoSubscribe
	s.mu.Unlock()
	if !subscribe {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Subscribe(s.baseCtx, stream); err != nil && !stderrors.Is(err, domain.ErrStreamNotFound) {
			s.logger.Warnw("auto-subscription failed", "stream_id", stream.ID, "error", err)
		}
	}()
}

func (s *CommunicationService) onStreamDestroyed(data interface{}, _ domain.EventName) {
	stream := streamOf(data)
	if stream == nil {
		return
	}

	local := s.isLocalStream(stream)

	s.mu.Lock()
	if _, inFlight := s.pending[stream.ID]; inFlight {
		s.pending[stream.ID] = true
	}
	s.state.RemoveStream(stream)
	s.mu.Unlock()

	if local {
		s.logger.Infow("local stream destroyed", "stream_id", stream.ID, "video_type", stream.Type())
		s.observe()
		return
	}

	videoType := stream.Type()
	if videoType == domain.VideoTypeScreen {
		s.bus.TriggerEvent(domain.EventEndViewingSharedScreen, nil)
	}
	s.bus.TriggerEvent(domain.UnsubscribeEvent(videoType), s.state.GetPubSub())
	s.observe()
}

// isLocalStream reports whether stream was published by this client, either
// by its owning connection or by a stored publisher.
func (s *CommunicationService) isLocalStream(stream *domain.Stream) bool {
	if local := s.session.Connection(); local != nil && stream.Connection != nil && stream.Connection.ID == local.ID {
		return true
	}
	for _, videoType := range domain.PublisherTypes {
		for _, publisher := range s.state.Publishers(videoType) {
			if publisher.StreamID == stream.ID {
				return true
			}
		}
	}
	return false
}

// EnableLocalAV toggles a track of a camera publisher. Unknown ids are ignored.
func (s *CommunicationService) EnableLocalAV(id domain.PublisherID, source domain.AVSource, enable bool) error {
	publisher, ok := s.state.Publisher(domain.VideoTypeCamera, id)
	if !ok {
		s.logger.Debugw("toggle for unknown publisher ignored", "publisher_id", id, "source", source)
		return nil
	}
	return publisher.Toggle(source, enable)
}

// EnableRemoteAV toggles a track of a camera subscriber. Unknown ids are ignored.
func (s *CommunicationService) EnableRemoteAV(id domain.SubscriberID, source domain.AVSource, enable bool) error {
	subscriber, ok := s.state.Subscriber(domain.VideoTypeCamera, id)
	if !ok {
		s.logger.Debugw("toggle for unknown subscriber ignored", "subscriber_id", id, "source", source)
		return nil
	}
	return subscriber.Toggle(source, enable)
}

// Reset marks the call inactive and forgets in-flight subscriptions.
func (s *CommunicationService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	for id := range s.pending {
		s.pending[id] = true
	}
}

// Close detaches the coordinator from the bus and waits for background
// subscriptions to finish.
func (s *CommunicationService) Close() {
	for event, id := range s.listeners {
		s.bus.Off(event, id)
	}
	s.cancel()
	s.wg.Wait()
}

func (s *CommunicationService) logAction(action domain.Action, variation domain.Variation) {
	logAction(s.analytics, action, variation)
}

func (s *CommunicationService) observe() {
	if s.analytics != nil {
		s.analytics.ObservePubSub(s.state.GetPubSub().Meta)
	}
}

// streamOf extracts the stream from a bus payload.
func streamOf(data interface{}) *domain.Stream {
	switch v := data.(type) {
	case domain.SessionEvent:
		return v.Stream
	case *domain.SessionEvent:
		if v != nil {
			return v.Stream
		}
	case *domain.Stream:
		return v
	}
	return nil
}
