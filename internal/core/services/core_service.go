package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/errors"
	"callcore/pkg/tracing"
	"callcore/pkg/validation"

	"go.uber.org/zap"
)

const defaultControlsContainer = "#videoControls"

// CoreOptions are fixed when the core is created.
type CoreOptions struct {
	Credentials domain.Credentials
	// Packages lists the accelerator packs to start on connect.
	Packages         []domain.PackageName
	StreamContainers ports.StreamContainers
	// ControlsContainer defaults to "#videoControls".
	ControlsContainer string
	// DisableControls keeps packs from appending their own controls.
	DisableControls bool
	Communication   CommunicationOptions
	TextChat        domain.TextChatSettings
	ScreenSharing   domain.ScreenSharingSettings
	Annotation      domain.AnnotationSettings
	Archiving       domain.ArchivingSettings
}

// CoreDeps are the collaborators of the core. Sessions, Bus and State are
// required.
type CoreDeps struct {
	Sessions  ports.SessionFactory
	Bus       ports.EventBus
	State     ports.SessionStateRepository
	Plugins   *PluginRegistry
	Analytics ports.Analytics
	Logger    *zap.SugaredLogger
}

// CoreService is the entry point of a call client: it owns the session, the
// coordinator and the accelerator packs.
type CoreService struct {
	opts      CoreOptions
	session   ports.Session
	bus       ports.EventBus
	state     ports.SessionStateRepository
	registry  *PluginRegistry
	analytics ports.Analytics
	logger    *zap.SugaredLogger
	comm      *CommunicationService

	mu        sync.RWMutex
	plugins   map[domain.PackageName]ports.Plugin
	annotator ports.Annotator
	listeners map[domain.EventName]ports.ListenerID

	baseCtx context.Context
	cancel  context.CancelFunc
}

var (
	_ ports.CallService = (*CoreService)(nil)
	_ ports.AccPack     = (*CoreService)(nil)
)

// NewCore validates the credentials, initializes the session and wires the
// coordinator to the bus.
func NewCore(opts CoreOptions, deps CoreDeps) (*CoreService, error) {
	if err := opts.Credentials.Validate(); err != nil {
		return nil, err
	}
	if deps.Sessions == nil || deps.Bus == nil || deps.State == nil {
		return nil, errors.NewInvalidParametersError("session factory, bus and state are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Plugins == nil {
		deps.Plugins = NewPluginRegistry()
	}
	if opts.StreamContainers == nil {
		opts.StreamContainers = DefaultStreamContainers
	}
	if opts.ControlsContainer == "" {
		opts.ControlsContainer = defaultControlsContainer
	}

	logAction(deps.Analytics, domain.ActionInit, domain.VariationAttempt)
	session, err := deps.Sessions.InitSession(opts.Credentials.APIKey, opts.Credentials.SessionID)
	if err != nil {
		logAction(deps.Analytics, domain.ActionInit, domain.VariationFail)
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &CoreService{
		opts:      opts,
		session:   session,
		bus:       deps.Bus,
		state:     deps.State,
		registry:  deps.Plugins,
		analytics: deps.Analytics,
		logger:    deps.Logger.With("session_id", opts.Credentials.SessionID),
		plugins:   make(map[domain.PackageName]ports.Plugin),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	c.createEventListeners()

	commOpts := opts.Communication
	commOpts.Bus = c.bus
	if commOpts.StreamContainers == nil {
		commOpts.StreamContainers = opts.StreamContainers
	}
	c.comm, err = NewCommunicationService(session, c.state, c.analytics, c.logger, commOpts)
	if err != nil {
		c.Close()
		logAction(deps.Analytics, domain.ActionInit, domain.VariationFail)
		return nil, err
	}

	logAction(deps.Analytics, domain.ActionInit, domain.VariationSuccess)
	return c, nil
}

// createEventListeners mirrors session events onto the bus and links screen
// sharing with annotation.
func (c *CoreService) createEventListeners() {
	c.session.OnEvent(func(event domain.SessionEvent) {
		switch event.Name {
		case domain.EventStreamCreated:
			c.state.AddStream(event.Stream)
		case domain.EventStreamDestroyed:
			c.state.RemoveStream(event.Stream)
		}
		c.bus.TriggerEvent(event.Name, event)
	})

	usingAnnotation := c.opts.ScreenSharing.Annotation
	internalAnnotation := usingAnnotation && !c.opts.ScreenSharing.ExternalWindow

	listeners := map[domain.EventName]ports.Listener{
		domain.EventStartScreenSharing: func(data interface{}, _ domain.EventName) {
			publisher, ok := data.(*domain.Publisher)
			if !ok || publisher == nil {
				return
			}
			c.state.AddPublisher(domain.VideoTypeScreen, publisher)
			c.bus.TriggerEvent(domain.EventStartScreenShare, domain.ScreenShareEventData{
				Publisher: publisher,
				PubSub:    c.state.GetPubSub(),
			})
			if internalAnnotation {
				c.annotate(ports.LinkTarget{Publisher: publisher}, publisher.Container, c.opts.Annotation.AbsoluteParentPublisher)
			}
		},
		domain.EventEndScreenSharing: func(data interface{}, _ domain.EventName) {
			if publisher, ok := data.(*domain.Publisher); ok && publisher != nil {
				c.state.RemovePublisher(domain.VideoTypeScreen, publisher)
			}
			c.bus.TriggerEvent(domain.EventEndScreenShare, c.state.GetPubSub())
			if usingAnnotation {
				c.stopAnnotating()
			}
		},
	}
	if usingAnnotation {
		listeners[domain.EventSubscribeToScreen] = func(data interface{}, _ domain.EventName) {
			payload, ok := data.(domain.SubscribeEventData)
			if !ok || payload.Subscriber == nil {
				return
			}
			c.annotate(ports.LinkTarget{Subscriber: payload.Subscriber}, payload.Subscriber.Container, c.opts.Annotation.AbsoluteParentSubscriber)
		}
		listeners[domain.EventUnsubscribeFromScreen] = func(interface{}, domain.EventName) {
			c.stopAnnotating()
		}
	}
	c.listeners = c.bus.OnMany(listeners)
}

func (c *CoreService) currentAnnotator() ports.Annotator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.annotator
}

func (c *CoreService) annotate(target ports.LinkTarget, container, absoluteParent string) {
	annotator := c.currentAnnotator()
	if annotator == nil {
		return
	}
	if err := annotator.Annotate(c.baseCtx, c.session, false); err != nil {
		c.logger.Warnw("failed to start annotation", "error", err)
		return
	}
	if err := annotator.LinkCanvas(target, container, ports.LinkOptions{AbsoluteParent: absoluteParent}); err != nil {
		c.logger.Warnw("failed to link annotation canvas", "error", err)
	}
}

func (c *CoreService) stopAnnotating() {
	annotator := c.currentAnnotator()
	if annotator == nil {
		return
	}
	if err := annotator.StopAnnotating(c.baseCtx); err != nil {
		c.logger.Warnw("failed to end annotation", "error", err)
	}
}

// SetupExternalAnnotation starts annotation for a screen shared in an
// external window.
func (c *CoreService) SetupExternalAnnotation(ctx context.Context) error {
	annotator := c.currentAnnotator()
	if annotator == nil {
		return errors.NewMissingDependencyError(string(domain.PackageAnnotation))
	}
	return annotator.Annotate(ctx, c.session, true)
}

// LinkAnnotation links a canvas to target. With an external window every
// camera and sip stream is added to it.
func (c *CoreService) LinkAnnotation(target ports.LinkTarget, annotationContainer string, externalWindow string) error {
	annotator := c.currentAnnotator()
	if annotator == nil {
		return errors.NewMissingDependencyError(string(domain.PackageAnnotation))
	}
	if err := annotator.LinkCanvas(target, annotationContainer, ports.LinkOptions{ExternalWindow: externalWindow}); err != nil {
		return err
	}
	if externalWindow == "" {
		return nil
	}
	for _, stream := range c.state.GetStreams() {
		if t := stream.Type(); t != domain.VideoTypeCamera && t != domain.VideoTypeSIP {
			continue
		}
		if err := annotator.AddSubscriberToExternalWindow(stream); err != nil {
			c.logger.Warnw("failed to add stream to annotation window", "stream_id", stream.ID, "error", err)
		}
	}
	return nil
}

// Connect joins the session, starts the configured packs and emits connected.
func (c *CoreService) Connect(ctx context.Context) (*domain.ConnectResult, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "connect", c.session.ID())
	defer span.End()
	c.logAction(domain.ActionConnect, domain.VariationAttempt)

	if err := c.session.Connect(ctx, c.opts.Credentials.Token); err != nil {
		c.logger.Warnw("failed to connect", "error", domain.UserMessage(err))
		c.logAction(domain.ActionConnect, domain.VariationFail)
		tracing.RecordError(ctx, err)
		return nil, err
	}

	connection := c.session.Connection()
	if c.analytics != nil {
		info := domain.SessionInfo{SessionID: c.session.ID(), PartnerID: c.session.APIKey()}
		if connection != nil {
			info.ConnectionID = connection.ID
		}
		c.analytics.SetSessionInfo(info)
	}
	c.logAction(domain.ActionConnect, domain.VariationSuccess)

	if err := c.initPackages(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	result := &domain.ConnectResult{Connections: c.session.Connections()}
	c.bus.TriggerEvent(domain.EventConnected, domain.ConnectedEventData{
		SessionID:   c.session.ID(),
		Connection:  connection,
		Connections: result.Connections,
	})
	return result, nil
}

// initPackages builds and starts the configured packs in their fixed order.
func (c *CoreService) initPackages(ctx context.Context) error {
	c.logAction(domain.ActionInitPackages, domain.VariationAttempt)

	requested := make(map[domain.PackageName]bool, len(c.opts.Packages))
	for _, name := range c.opts.Packages {
		if !name.Valid() {
			c.logger.Warnw(string(name)+" is not a valid accelerator pack", "package", name)
			continue
		}
		requested[name] = true
	}

	started := make(map[domain.PackageName]ports.Plugin)
	var annotator ports.Annotator
	fail := func(err error) error {
		for name, plugin := range started {
			if endErr := plugin.End(ctx); endErr != nil {
				c.logger.Warnw("failed to end accelerator pack", "package", name, "error", endErr)
			}
		}
		c.logAction(domain.ActionInitPackages, domain.VariationFail)
		return err
	}

	for _, name := range domain.Packages {
		if !requested[name] {
			continue
		}
		factory, err := c.registry.Resolve(name)
		if err != nil {
			return fail(err)
		}
		plugin, err := factory(c.pluginOptions(name))
		if err != nil {
			return fail(errors.WrapError(err, errors.ErrCodeMissingDependency,
				fmt.Sprintf("could not load %s", name), http.StatusFailedDependency).WithContext("package", string(name)))
		}
		if err := plugin.Start(ctx); err != nil {
			return fail(fmt.Errorf("failed to start %s: %w", name, err))
		}
		started[name] = plugin
		if a, ok := plugin.(ports.Annotator); ok && name == domain.PackageAnnotation {
			annotator = a
		}
	}

	c.mu.Lock()
	c.plugins = started
	c.annotator = annotator
	c.mu.Unlock()

	c.logAction(domain.ActionInitPackages, domain.VariationSuccess)
	return nil
}

func (c *CoreService) pluginOptions(name domain.PackageName) ports.PluginOptions {
	opts := ports.PluginOptions{
		Session:           c.session,
		AccPack:           c,
		ControlsContainer: c.opts.ControlsContainer,
		AppendControl:     !c.opts.DisableControls,
		StreamContainers:  c.opts.StreamContainers,
	}
	if c.opts.DisableControls {
		opts.ControlsContainer = ""
	}
	switch name {
	case domain.PackageTextChat:
		opts.Settings = c.opts.TextChat
	case domain.PackageScreenSharing:
		opts.Settings = c.opts.ScreenSharing
	case domain.PackageAnnotation:
		opts.Settings = c.opts.Annotation
	case domain.PackageArchiving:
		opts.Settings = c.opts.Archiving
	}
	return opts
}

func (c *CoreService) endPlugins(ctx context.Context) {
	c.mu.Lock()
	plugins := c.plugins
	c.plugins = make(map[domain.PackageName]ports.Plugin)
	c.annotator = nil
	c.mu.Unlock()

	for name, plugin := range plugins {
		if err := plugin.End(ctx); err != nil {
			c.logger.Warnw("failed to end accelerator pack", "package", name, "error", err)
		}
	}
}

// Disconnect leaves the session. Local state is cleared even when the engine
// fails to disconnect.
func (c *CoreService) Disconnect(ctx context.Context) error {
	c.logAction(domain.ActionDisconnect, domain.VariationAttempt)

	c.endPlugins(ctx)
	err := c.session.Disconnect(ctx)
	c.comm.Reset()
	c.state.Reset()

	if err != nil {
		c.logger.Warnw("failed to disconnect cleanly", "error", err)
		c.logAction(domain.ActionDisconnect, domain.VariationFail)
		return err
	}
	c.logAction(domain.ActionDisconnect, domain.VariationSuccess)
	return nil
}

// Close detaches every listener the core registered and stops background work.
func (c *CoreService) Close() {
	if c.comm != nil {
		c.comm.Close()
	}
	for event, id := range c.listeners {
		c.bus.Off(event, id)
	}
	c.cancel()
}

func (c *CoreService) ForceDisconnect(ctx context.Context, connectionID domain.ConnectionID) error {
	c.logAction(domain.ActionForceDisconnect, domain.VariationAttempt)
	if err := c.session.ForceDisconnect(ctx, connectionID); err != nil {
		c.logAction(domain.ActionForceDisconnect, domain.VariationFail)
		return err
	}
	c.logAction(domain.ActionForceDisconnect, domain.VariationSuccess)
	return nil
}

func (c *CoreService) ForceUnpublish(ctx context.Context, streamID domain.StreamID) error {
	c.logAction(domain.ActionForceUnpublish, domain.VariationAttempt)
	if err := c.session.ForceUnpublish(ctx, streamID); err != nil {
		c.logAction(domain.ActionForceUnpublish, domain.VariationFail)
		return err
	}
	c.logAction(domain.ActionForceUnpublish, domain.VariationSuccess)
	return nil
}

// Signal JSON-encodes data and sends it through the session. An empty to
// broadcasts.
func (c *CoreService) Signal(ctx context.Context, signalType string, data interface{}, to domain.ConnectionID) error {
	ctx, span := tracing.TraceCallOperation(ctx, "signal", c.session.ID(), tracing.SignalTypeKey.String(signalType))
	defer span.End()
	c.logAction(domain.ActionSignal, domain.VariationAttempt)

	encoded, err := json.Marshal(data)
	if err != nil {
		c.logAction(domain.ActionSignal, domain.VariationFail)
		return errors.NewInvalidParametersError("signal data cannot be encoded: " + err.Error())
	}
	if err := validation.ValidateSignal(signalType, encoded); err != nil {
		c.logAction(domain.ActionSignal, domain.VariationFail)
		return errors.NewInvalidParametersError(err.Error())
	}

	if err := c.session.Signal(ctx, domain.Signal{Type: signalType, Data: string(encoded), To: to}); err != nil {
		c.logger.Warnw("failed to send signal", "type", signalType, "error", err)
		c.logAction(domain.ActionSignal, domain.VariationFail)
		tracing.RecordError(ctx, err)
		return err
	}
	c.logAction(domain.ActionSignal, domain.VariationSuccess)
	return nil
}

func (c *CoreService) ToggleLocalAudio(enable bool) {
	c.toggleLocal(domain.ActionToggleLocalAudio, domain.SourceAudio, enable)
}

func (c *CoreService) ToggleLocalVideo(enable bool) {
	c.toggleLocal(domain.ActionToggleLocalVideo, domain.SourceVideo, enable)
}

func (c *CoreService) toggleLocal(action domain.Action, source domain.AVSource, enable bool) {
	c.logAction(action, domain.VariationAttempt)
	for _, publisher := range c.state.Publishers(domain.VideoTypeCamera) {
		if err := c.comm.EnableLocalAV(publisher.ID, source, enable); err != nil {
			c.logger.Warnw("failed to toggle publisher", "publisher_id", publisher.ID, "source", source, "error", err)
			c.logAction(action, domain.VariationFail)
			return
		}
	}
	c.logAction(action, domain.VariationSuccess)
}

func (c *CoreService) ToggleRemoteAudio(id domain.SubscriberID, enable bool) {
	c.toggleRemote(domain.ActionToggleRemoteAudio, id, domain.SourceAudio, enable)
}

func (c *CoreService) ToggleRemoteVideo(id domain.SubscriberID, enable bool) {
	c.toggleRemote(domain.ActionToggleRemoteVideo, id, domain.SourceVideo, enable)
}

func (c *CoreService) toggleRemote(action domain.Action, id domain.SubscriberID, source domain.AVSource, enable bool) {
	c.logAction(action, domain.VariationAttempt)
	if err := c.comm.EnableRemoteAV(id, source, enable); err != nil {
		c.logger.Warnw("failed to toggle subscriber", "subscriber_id", id, "source", source, "error", err)
		c.logAction(action, domain.VariationFail)
		return
	}
	c.logAction(action, domain.VariationSuccess)
}

func (c *CoreService) StartCall(ctx context.Context, props domain.Properties) (*domain.CallResult, error) {
	return c.comm.StartCall(ctx, props)
}

func (c *CoreService) EndCall(ctx context.Context) error {
	return c.comm.EndCall(ctx)
}

func (c *CoreService) Subscribe(ctx context.Context, stream *domain.Stream) (*domain.Subscriber, error) {
	return c.comm.Subscribe(ctx, stream)
}

func (c *CoreService) Unsubscribe(ctx context.Context, subscriber *domain.Subscriber) error {
	return c.comm.Unsubscribe(ctx, subscriber)
}

// SubscribeByID subscribes to a known stream.
func (c *CoreService) SubscribeByID(ctx context.Context, streamID domain.StreamID) (*domain.Subscriber, error) {
	stream, ok := c.state.GetStreams()[streamID]
	if !ok {
		return nil, errors.NewNotFoundError("stream").WithContext("stream_id", string(streamID))
	}
	return c.comm.Subscribe(ctx, stream)
}

// UnsubscribeByID unsubscribes a tracked subscriber of any type.
func (c *CoreService) UnsubscribeByID(ctx context.Context, id domain.SubscriberID) error {
	for _, videoType := range domain.SubscriberTypes {
		if subscriber, ok := c.state.Subscriber(videoType, id); ok {
			return c.comm.Unsubscribe(ctx, subscriber)
		}
	}
	return errors.NewNotFoundError("subscriber").WithContext("subscriber_id", string(id))
}

func (c *CoreService) IsActive() bool {
	return c.comm.IsActive()
}

// State returns a snapshot of the session state.
func (c *CoreService) State() domain.Snapshot {
	return c.state.All()
}

// GetPublisherForStream returns the local publisher of streamID, if any.
func (c *CoreService) GetPublisherForStream(streamID domain.StreamID) (*domain.Publisher, bool) {
	for _, videoType := range domain.PublisherTypes {
		for _, publisher := range c.state.Publishers(videoType) {
			if publisher.StreamID == streamID {
				return publisher, true
			}
		}
	}
	return nil, false
}

// GetSubscribersForStream returns the subscribers playing streamID.
func (c *CoreService) GetSubscribersForStream(streamID domain.StreamID) []*domain.Subscriber {
	var out []*domain.Subscriber
	for _, videoType := range domain.SubscriberTypes {
		for _, subscriber := range c.state.Subscribers(videoType) {
			if subscriber.StreamID() == streamID {
				out = append(out, subscriber)
			}
		}
	}
	return out
}

// GetAccPack returns a started accelerator pack.
func (c *CoreService) GetAccPack(name domain.PackageName) (ports.Plugin, bool) {
	c.logAction(domain.ActionGetAccPack, domain.VariationAttempt)
	c.mu.RLock()
	plugin, ok := c.plugins[name]
	c.mu.RUnlock()
	if ok {
		c.logAction(domain.ActionGetAccPack, domain.VariationSuccess)
	} else {
		c.logAction(domain.ActionGetAccPack, domain.VariationFail)
	}
	return plugin, ok
}

func (c *CoreService) Session() ports.Session {
	return c.session
}

func (c *CoreService) Options() CoreOptions {
	return c.opts
}

func (c *CoreService) On(event domain.EventName, listener ports.Listener) ports.ListenerID {
	return c.bus.On(event, listener)
}

func (c *CoreService) OnMany(listeners map[domain.EventName]ports.Listener) map[domain.EventName]ports.ListenerID {
	return c.bus.OnMany(listeners)
}

func (c *CoreService) Off(event domain.EventName, id ports.ListenerID) {
	c.bus.Off(event, id)
}

// OffAll removes every listener, including the core's own wiring.
func (c *CoreService) OffAll() {
	c.bus.OffAll()
}

func (c *CoreService) RegisterEvents(names ...domain.EventName) {
	c.bus.RegisterEvents(names...)
}

func (c *CoreService) TriggerEvent(event domain.EventName, data interface{}) {
	c.bus.TriggerEvent(event, data)
}

func (c *CoreService) logAction(action domain.Action, variation domain.Variation) {
	logAction(c.analytics, action, variation)
}

func logAction(analytics ports.Analytics, action domain.Action, variation domain.Variation) {
	if analytics != nil {
		analytics.LogAction(action, variation)
	}
}
