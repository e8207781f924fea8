package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/internal/infrastructure/signal"
	"callcore/pkg/retry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	// URL of the signaling endpoint, e.g. ws://localhost:8081/ws.
	URL            string        `yaml:"url"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	EventQueueSize int           `yaml:"event_queue_size"`
	Retry          retry.Config  `yaml:"retry"`
}

func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8081/ws",
		DialTimeout:    10 * time.Second,
		RequestTimeout: 15 * time.Second,
		WriteTimeout:   10 * time.Second,
		EventQueueSize: 128,
		Retry:          retry.DefaultConfig(),
	}
}

// WebSocketSessionFactory creates sessions bound to one signaling endpoint.
type WebSocketSessionFactory struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.SugaredLogger
}

func NewWebSocketSessionFactory(cfg Config, logger *zap.SugaredLogger) *WebSocketSessionFactory {
	defaults := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaults.EventQueueSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebSocketSessionFactory{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: logger,
	}
}

var _ ports.SessionFactory = (*WebSocketSessionFactory)(nil)

func (f *WebSocketSessionFactory) InitSession(apiKey, sessionID string) (ports.Session, error) {
	endpoint, err := url.Parse(f.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return nil, fmt.Errorf("invalid signaling url scheme: %q", endpoint.Scheme)
	}
	return &WebSocketSession{
		cfg:       f.cfg,
		dialer:    f.dialer,
		endpoint:  endpoint,
		apiKey:    apiKey,
		sessionID: sessionID,
		logger:    f.logger.With("session_id", sessionID),
	}, nil
}

// WebSocketSession implements ports.Session over a signaling socket. Requests
// are correlated with their replies by request id.
type WebSocketSession struct {
	cfg       Config
	dialer    *websocket.Dialer
	endpoint  *url.URL
	apiKey    string
	sessionID string
	logger    *zap.SugaredLogger

	handlersMu sync.RWMutex
	handlers   []ports.SessionEventHandler

	mu          sync.Mutex
	link        *link
	connection  *domain.Connection
	connections map[domain.ConnectionID]*domain.Connection
}

// link is one live socket with its pending requests.
type link struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan signal.Message
	reason  string

	events chan domain.SessionEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ ports.Session = (*WebSocketSession)(nil)

func (s *WebSocketSession) ID() string     { return s.sessionID }
func (s *WebSocketSession) APIKey() string { return s.apiKey }

func (s *WebSocketSession) Connection() *domain.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connection
}

// Connections counts the connections of the session, this one included.
func (s *WebSocketSession) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

func (s *WebSocketSession) OnEvent(handler ports.SessionEventHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

func networkError(format string, args ...interface{}) *domain.EngineError {
	return &domain.EngineError{Code: signal.CodeNetwork, Message: fmt.Sprintf(format, args...)}
}

func (s *WebSocketSession) dialURL(token string) string {
	u := *s.endpoint
	q := u.Query()
	q.Set("token", token)
	q.Set("session_id", s.sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *WebSocketSession) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	cfg := s.cfg.Retry
	cfg.Permanent = append(cfg.Permanent,
		&domain.EngineError{Code: signal.CodeAuthFailed},
		&domain.EngineError{Code: signal.CodePermissionDenied},
	)
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Infow("retrying signaling dial", "attempt", attempt, "delay", delay, "error", err)
	}

	return retry.RetryWithResult(ctx, cfg, func() (*websocket.Conn, error) {
		conn, resp, err := s.dialer.DialContext(ctx, s.dialURL(token), nil)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				var payload signal.ErrorPayload
				if decodeErr := decodeJSON(resp.Body, &payload); decodeErr == nil && payload.Message != "" {
					return nil, payload.EngineError()
				}
				return nil, &domain.EngineError{Code: signal.CodeAuthFailed, Message: resp.Status}
			}
		}
		return nil, networkError("failed to reach signaling server: %v", err)
	})
}

// Connect joins the session with token. It is a no-op when already connected.
func (s *WebSocketSession) Connect(ctx context.Context, token string) error {
	s.mu.Lock()
	connected := s.link != nil
	s.mu.Unlock()
	if connected {
		return nil
	}

	conn, err := s.dial(ctx, token)
	if err != nil {
		var engineErr *domain.EngineError
		if errors.As(err, &engineErr) {
			return engineErr
		}
		return networkError("%v", err)
	}

	joined, err := s.awaitJoin(conn)
	if err != nil {
		conn.Close()
		return err
	}

	l := &link{
		conn:    conn,
		pending: make(map[string]chan signal.Message),
		events:  make(chan domain.SessionEvent, s.cfg.EventQueueSize),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.link != nil {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.link = l
	s.connection = joined.Connection
	s.connections = map[domain.ConnectionID]*domain.Connection{joined.Connection.ID: joined.Connection}
	for _, c := range joined.Connections {
		s.connections[c.ID] = c
	}
	s.mu.Unlock()

	l.wg.Add(2)
	go s.dispatch(l)

	// The initial events are queued before the reader starts so that they
	// precede anything the server sends afterwards.
	l.events <- domain.SessionEvent{Name: domain.EventSessionConnected, Connection: joined.Connection}
	for _, c := range joined.Connections {
		l.events <- domain.SessionEvent{Name: domain.EventConnectionCreated, Connection: c}
	}
	for _, stream := range joined.Streams {
		l.events <- domain.SessionEvent{Name: domain.EventStreamCreated, Stream: stream}
	}
	go s.readLoop(l)

	s.logger.Infow("connected to session", "connection_id", joined.Connection.ID, "connections", len(joined.Connections)+1)
	return nil
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

func (s *WebSocketSession) awaitJoin(conn *websocket.Conn) (*signal.SessionJoinedPayload, error) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var msg signal.Message
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, networkError("failed to join session: %v", err)
	}
	if msg.Type != signal.TypeSessionJoined {
		return nil, networkError("unexpected %s before session_joined", msg.Type)
	}
	var joined signal.SessionJoinedPayload
	if err := msg.Decode(&joined); err != nil {
		return nil, networkError("%v", err)
	}
	if joined.Connection == nil {
		return nil, networkError("session_joined without connection")
	}
	return &joined, nil
}

// Disconnect closes the socket and waits for queued events to be dispatched.
func (s *WebSocketSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return nil
	}

	l.mu.Lock()
	if l.reason == "" {
		l.reason = signal.ReasonClientDisconnected
	}
	l.mu.Unlock()

	l.writeMu.Lock()
	l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	err := l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.writeMu.Unlock()
	closeErr := l.conn.Close()

	waited := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debugw("close frame not sent", "error", err)
	}
	if closeErr != nil {
		return networkError("failed to close socket: %v", closeErr)
	}
	return nil
}

func (s *WebSocketSession) readLoop(l *link) {
	defer l.wg.Done()
	for {
		var msg signal.Message
		if err := l.conn.ReadJSON(&msg); err != nil {
			s.teardown(l, err)
			return
		}
		s.handleMessage(l, msg)
	}
}

// teardown fails pending requests, clears the connection state and emits
// sessionDisconnected as the last event of the link.
func (s *WebSocketSession) teardown(l *link, err error) {
	l.mu.Lock()
	reason := l.reason
	if reason == "" {
		reason = "networkDisconnected"
		s.logger.Warnw("signaling connection lost", "error", err)
	}
	pending := l.pending
	l.pending = make(map[string]chan signal.Message)
	l.mu.Unlock()

	close(l.done)
	for id, ch := range pending {
		ch <- signal.Message{
			Type:      signal.TypeReply,
			RequestID: id,
			Error:     &signal.ErrorPayload{Code: signal.CodeNetwork, Message: "connection closed"},
		}
	}

	s.mu.Lock()
	if s.link == l {
		s.link = nil
		s.connection = nil
		s.connections = nil
	}
	s.mu.Unlock()
	l.conn.Close()

	l.events <- domain.SessionEvent{Name: domain.EventSessionDisconnected, Reason: reason}
	close(l.events)
}

func (s *WebSocketSession) handleMessage(l *link, msg signal.Message) {
	if msg.Type == signal.TypeReply {
		l.mu.Lock()
		ch, ok := l.pending[msg.RequestID]
		delete(l.pending, msg.RequestID)
		l.mu.Unlock()
		if ok {
			ch <- msg
		} else {
			s.logger.Debugw("reply for unknown request", "request_id", msg.RequestID)
		}
		return
	}

	event, ok := s.translate(l, msg)
	if !ok {
		return
	}
	l.events <- event
}

func (s *WebSocketSession) translate(l *link, msg signal.Message) (domain.SessionEvent, bool) {
	switch msg.Type {
	case signal.TypeStreamCreated, signal.TypeStreamDestroyed:
		var payload signal.StreamEventPayload
		if err := msg.Decode(&payload); err != nil || payload.Stream == nil {
			s.logger.Warnw("dropping malformed stream event", "type", msg.Type, "error", err)
			return domain.SessionEvent{}, false
		}
		name := domain.EventStreamCreated
		if msg.Type == signal.TypeStreamDestroyed {
			name = domain.EventStreamDestroyed
		}
		return domain.SessionEvent{Name: name, Stream: payload.Stream, Reason: payload.Reason}, true

	case signal.TypeConnectionCreated, signal.TypeConnectionDestroyed:
		var payload signal.ConnectionEventPayload
		if err := msg.Decode(&payload); err != nil || payload.Connection == nil {
			s.logger.Warnw("dropping malformed connection event", "type", msg.Type, "error", err)
			return domain.SessionEvent{}, false
		}
		name := domain.EventConnectionCreated
		s.mu.Lock()
		if s.link == l {
			if msg.Type == signal.TypeConnectionCreated {
				s.connections[payload.Connection.ID] = payload.Connection
			} else {
				delete(s.connections, payload.Connection.ID)
				name = domain.EventConnectionDestroyed
			}
		}
		s.mu.Unlock()
		return domain.SessionEvent{Name: name, Connection: payload.Connection, Reason: payload.Reason}, true

	case signal.TypeSignal:
		var sig domain.Signal
		if err := msg.Decode(&sig); err != nil {
			s.logger.Warnw("dropping malformed signal", "error", err)
			return domain.SessionEvent{}, false
		}
		return domain.SessionEvent{Name: domain.EventSignal, Signal: &sig}, true

	case signal.TypeStreamPropertyChanged:
		var payload signal.StreamPropertyChangedPayload
		if err := msg.Decode(&payload); err != nil {
			s.logger.Warnw("dropping malformed property change", "error", err)
			return domain.SessionEvent{}, false
		}
		return domain.SessionEvent{
			Name:     domain.EventStreamPropertyChanged,
			Stream:   payload.Stream,
			Property: payload.Property,
			Value:    payload.Value,
		}, true

	case signal.TypeSessionDisconnected:
		var payload signal.DisconnectedPayload
		if err := msg.Decode(&payload); err == nil {
			l.mu.Lock()
			l.reason = payload.Reason
			l.mu.Unlock()
		}
		return domain.SessionEvent{}, false

	default:
		s.logger.Debugw("ignoring unknown message", "type", msg.Type)
		return domain.SessionEvent{}, false
	}
}

// dispatch delivers events to the handlers one at a time, in arrival order.
func (s *WebSocketSession) dispatch(l *link) {
	defer l.wg.Done()
	for event := range l.events {
		s.handlersMu.RLock()
		handlers := append([]ports.SessionEventHandler(nil), s.handlers...)
		s.handlersMu.RUnlock()
		for _, handler := range handlers {
			s.safeCall(handler, event)
		}
	}
}

func (s *WebSocketSession) safeCall(handler ports.SessionEventHandler, event domain.SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("session event handler panicked", "event", event.Name, "panic", r)
		}
	}()
	handler(event)
}

func (s *WebSocketSession) currentLink() (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil, domain.ErrNotConnected
	}
	return s.link, nil
}

// request sends a message and waits for its reply, the request timeout or ctx.
func (s *WebSocketSession) request(ctx context.Context, msgType string, payload, out interface{}) error {
	l, err := s.currentLink()
	if err != nil {
		return err
	}

	id := uuid.NewString()
	msg, err := signal.NewMessage(msgType, id, payload)
	if err != nil {
		return err
	}

	reply := make(chan signal.Message, 1)
	l.mu.Lock()
	l.pending[id] = reply
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	select {
	case <-l.done:
		return networkError("connection closed")
	default:
	}

	l.writeMu.Lock()
	l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	err = l.conn.WriteJSON(msg)
	l.writeMu.Unlock()
	if err != nil {
		return networkError("failed to send %s: %v", msgType, err)
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return resp.Error.EngineError()
		}
		if out != nil && len(resp.Payload) > 0 {
			return resp.Decode(out)
		}
		return nil
	case <-timer.C:
		return &domain.EngineError{Code: signal.CodeTimeout, Message: fmt.Sprintf("%s timed out", msgType)}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func boolProperty(props domain.Properties, key string, fallback bool) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return fallback
}

func (s *WebSocketSession) Publish(ctx context.Context, videoType domain.VideoType, container string, props domain.Properties) (*domain.Publisher, error) {
	payload := signal.PublishPayload{
		VideoType: videoType,
		HasAudio:  boolProperty(props, "publishAudio", true),
		HasVideo:  boolProperty(props, "publishVideo", true),
	}
	if name, ok := props["name"].(string); ok {
		payload.Name = name
	}

	var reply signal.StreamEventPayload
	if err := s.request(ctx, signal.TypePublish, payload, &reply); err != nil {
		return nil, err
	}
	if reply.Stream == nil {
		return nil, networkError("publish reply without stream")
	}

	return &domain.Publisher{
		ID:         domain.PublisherID(uuid.NewString()),
		StreamID:   reply.Stream.ID,
		VideoType:  videoType,
		Container:  container,
		Properties: props,
		Control:    &publisherControl{session: s, streamID: reply.Stream.ID},
	}, nil
}

func (s *WebSocketSession) Unpublish(ctx context.Context, publisher *domain.Publisher) error {
	if publisher == nil {
		return nil
	}
	return s.request(ctx, signal.TypeUnpublish, signal.StreamRef{StreamID: publisher.StreamID}, nil)
}

func (s *WebSocketSession) Subscribe(ctx context.Context, stream *domain.Stream, container string, props domain.Properties) (*domain.Subscriber, error) {
	if stream == nil {
		return nil, domain.ErrStreamNotFound
	}
	var reply signal.StreamEventPayload
	if err := s.request(ctx, signal.TypeSubscribe, signal.StreamRef{StreamID: stream.ID}, &reply); err != nil {
		return nil, err
	}
	subscribed := stream
	if reply.Stream != nil {
		subscribed = reply.Stream
	}
	return &domain.Subscriber{
		ID:         domain.SubscriberID(uuid.NewString()),
		Stream:     subscribed,
		Container:  container,
		Properties: props,
		Control: &subscriberControl{
			audio: boolProperty(props, "subscribeToAudio", true),
			video: boolProperty(props, "subscribeToVideo", true),
		},
	}, nil
}

func (s *WebSocketSession) Unsubscribe(ctx context.Context, subscriber *domain.Subscriber) error {
	if subscriber == nil {
		return nil
	}
	return s.request(ctx, signal.TypeUnsubscribe, signal.StreamRef{StreamID: subscriber.StreamID()}, nil)
}

func (s *WebSocketSession) Signal(ctx context.Context, sig domain.Signal) error {
	return s.request(ctx, signal.TypeSignal, sig, nil)
}

func (s *WebSocketSession) ForceDisconnect(ctx context.Context, connectionID domain.ConnectionID) error {
	return s.request(ctx, signal.TypeForceDisconnect, signal.ConnectionRef{ConnectionID: connectionID}, nil)
}

func (s *WebSocketSession) ForceUnpublish(ctx context.Context, streamID domain.StreamID) error {
	return s.request(ctx, signal.TypeForceUnpublish, signal.StreamRef{StreamID: streamID}, nil)
}

// publisherControl sends media toggles to the server as stream properties.
type publisherControl struct {
	session  *WebSocketSession
	streamID domain.StreamID
}

func (c *publisherControl) set(property string, enable bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.session.cfg.RequestTimeout)
	defer cancel()
	return c.session.request(ctx, signal.TypeStreamProperty, signal.StreamPropertyPayload{
		StreamID: c.streamID,
		Property: property,
		Value:    enable,
	}, nil)
}

func (c *publisherControl) EnableAudio(enable bool) error { return c.set("hasAudio", enable) }
func (c *publisherControl) EnableVideo(enable bool) error { return c.set("hasVideo", enable) }

// subscriberControl only tracks what the local renderer plays.
type subscriberControl struct {
	mu    sync.Mutex
	audio bool
	video bool
}

func (c *subscriberControl) EnableAudio(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = enable
	return nil
}

func (c *subscriberControl) EnableVideo(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.video = enable
	return nil
}

func (c *subscriberControl) State() (audio, video bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio, c.video
}
