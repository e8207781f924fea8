package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"
	"callcore/pkg/tracing"
	"callcore/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Reasons attached to destroyed streams and connections.
const (
	ReasonClientDisconnected = "clientDisconnected"
	ReasonForceDisconnected  = "forceDisconnected"
	ReasonForceUnpublished   = "forceUnpublished"
	ReasonUnpublished        = "unpublished"
)

// TokenValidator resolves a session token into its claims.
type TokenValidator interface {
	ValidateToken(token string) (*services.Claims, error)
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// MessageRate and MessageBurst bound the requests of one connection.
	MessageRate  float64
	MessageBurst int
	// MaxConnections per session; 0 is unlimited.
	MaxConnections int
	AllowedOrigins []string
	SendQueueSize  int
}

func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		MessageRate:    50,
		MessageBurst:   100,
		SendQueueSize:  64,
	}
}

// WebSocketServer relays session state between the connections of each
// session. Media never flows through it.
type WebSocketServer struct {
	tokens   TokenValidator
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	id      string
	clients map[domain.ConnectionID]*client
	streams map[domain.StreamID]*domain.Stream
}

type client struct {
	conn       *websocket.Conn
	connection *domain.Connection
	role       domain.TokenRole
	sessionID  string
	limiter    *rate.Limiter

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
	// reason is set once by close.
	reason string
}

func NewWebSocketServer(tokens TokenValidator, cfg Config, logger *zap.SugaredLogger) *WebSocketServer {
	defaults := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = defaults.MessageRate
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = defaults.MessageBurst
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaults.SendQueueSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &WebSocketServer{
		tokens: tokens,
		cfg:    cfg,
		logger: logger,
		rooms:  make(map[string]*room),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func writeHTTPError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorPayload{Code: code, Message: message})
}

// HandleWebSocket authenticates the token, upgrades the request and serves the
// connection until it closes.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		writeHTTPError(w, http.StatusUnauthorized, CodeAuthFailed, "token is required")
		return
	}
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		writeHTTPError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return
	}
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" && sessionID != claims.SessionID {
		writeHTTPError(w, http.StatusUnauthorized, CodeAuthFailed, "token does not match session")
		return
	}
	if s.cfg.MaxConnections > 0 && s.ConnectionCount(claims.SessionID) >= s.cfg.MaxConnections {
		writeHTTPError(w, http.StatusForbidden, CodePermissionDenied, "Session has reached its connection limit")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		connection: &domain.Connection{
			ID:        domain.ConnectionID(uuid.NewString()),
			Data:      claims.ConnectionData,
			CreatedAt: time.Now(),
		},
		role:      claims.Role,
		sessionID: claims.SessionID,
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst),
		send:      make(chan Message, s.cfg.SendQueueSize),
		done:      make(chan struct{}),
	}

	s.join(c)
	s.logger.Infow("connection joined session",
		"session_id", c.sessionID,
		"connection_id", c.connection.ID,
		"role", c.role,
	)

	go s.writeLoop(c)
	s.readLoop(c)
	s.leave(c)
}

func (s *WebSocketServer) join(c *client) {
	s.mu.Lock()
	r, ok := s.rooms[c.sessionID]
	if !ok {
		r = &room{
			id:      c.sessionID,
			clients: make(map[domain.ConnectionID]*client),
			streams: make(map[domain.StreamID]*domain.Stream),
		}
		s.rooms[c.sessionID] = r
	}
	joined := SessionJoinedPayload{
		SessionID:   r.id,
		Connection:  c.connection,
		Connections: make([]*domain.Connection, 0, len(r.clients)),
		Streams:     make([]*domain.Stream, 0, len(r.streams)),
	}
	for _, other := range r.clients {
		joined.Connections = append(joined.Connections, other.connection)
	}
	for _, stream := range r.streams {
		joined.Streams = append(joined.Streams, stream)
	}
	r.clients[c.connection.ID] = c
	s.mu.Unlock()

	sort.Slice(joined.Streams, func(i, j int) bool {
		return joined.Streams[i].CreatedAt.Before(joined.Streams[j].CreatedAt)
	})
	s.deliver(c, TypeSessionJoined, joined)
	s.broadcast(c.sessionID, c.connection.ID, TypeConnectionCreated, ConnectionEventPayload{Connection: c.connection})
}

// leave removes the client with its streams and tells the rest of the room.
func (s *WebSocketServer) leave(c *client) {
	c.close(ReasonClientDisconnected)
	reason := c.reason

	s.mu.Lock()
	r, ok := s.rooms[c.sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(r.clients, c.connection.ID)
	var streams []*domain.Stream
	for id, stream := range r.streams {
		if stream.Connection != nil && stream.Connection.ID == c.connection.ID {
			streams = append(streams, stream)
			delete(r.streams, id)
		}
	}
	if len(r.clients) == 0 {
		delete(s.rooms, c.sessionID)
	}
	s.mu.Unlock()

	for _, stream := range streams {
		s.broadcast(c.sessionID, "", TypeStreamDestroyed, StreamEventPayload{Stream: stream, Reason: reason})
	}
	s.broadcast(c.sessionID, "", TypeConnectionDestroyed, ConnectionEventPayload{Connection: c.connection, Reason: reason})
	s.logger.Infow("connection left session",
		"session_id", c.sessionID,
		"connection_id", c.connection.ID,
		"reason", reason,
	)
}

func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (s *WebSocketServer) readLoop(c *client) {
	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message", "connection_id", c.connection.ID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !c.limiter.Allow() {
			s.reply(c, msg.RequestID, nil, &ErrorPayload{Code: CodeRateLimited, Message: "rate limit exceeded"})
			continue
		}
		_, span := tracing.TraceWebSocketMessage(context.Background(), msg.Type, string(c.connection.ID))
		span.SetAttributes(tracing.SessionIDKey.String(c.sessionID))
		result, errPayload := s.handleMessage(c, msg)
		if errPayload != nil {
			span.SetStatus(codes.Error, errPayload.Message)
		}
		span.End()
		s.reply(c, msg.RequestID, result, errPayload)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (s *WebSocketServer) writeLoop(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Infow("error writing message", "connection_id", c.connection.ID, "error", err)
				c.close(ReasonClientDisconnected)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(ReasonClientDisconnected)
				return
			}
		case <-c.done:
			s.drain(c)
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason))
			return
		}
	}
}

// drain flushes queued messages before the socket closes.
func (s *WebSocketServer) drain(c *client) {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// enqueue drops the client when its queue is full.
func (s *WebSocketServer) enqueue(c *client, msg Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		s.logger.Warnw("send queue full, dropping connection", "connection_id", c.connection.ID)
		c.close(ReasonClientDisconnected)
	}
}

func (s *WebSocketServer) deliver(c *client, msgType string, payload interface{}) {
	msg, err := NewMessage(msgType, "", payload)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", msgType, "error", err)
		return
	}
	s.enqueue(c, msg)
}

// broadcast sends to every connection of the session except skip.
func (s *WebSocketServer) broadcast(sessionID string, skip domain.ConnectionID, msgType string, payload interface{}) {
	msg, err := NewMessage(msgType, "", payload)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", msgType, "error", err)
		return
	}
	for _, c := range s.clients(sessionID) {
		if c.connection.ID != skip {
			s.enqueue(c, msg)
		}
	}
}

func (s *WebSocketServer) clients(sessionID string) []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[sessionID]
	if !ok {
		return nil
	}
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (s *WebSocketServer) reply(c *client, requestID string, result interface{}, errPayload *ErrorPayload) {
	if requestID == "" {
		if errPayload != nil {
			s.logger.Debugw("dropping error for message without request id", "connection_id", c.connection.ID, "error", errPayload.Message)
		}
		return
	}
	msg, err := NewMessage(TypeReply, requestID, result)
	if err != nil {
		msg = Message{Type: TypeReply, RequestID: requestID}
		errPayload = &ErrorPayload{Code: CodeInvalidRequest, Message: err.Error()}
	}
	msg.Error = errPayload
	s.enqueue(c, msg)
}

func invalid(err error) *ErrorPayload {
	return &ErrorPayload{Code: CodeInvalidRequest, Message: err.Error()}
}

func denied(message string) *ErrorPayload {
	return &ErrorPayload{Code: CodePermissionDenied, Message: message}
}

func streamNotFound(id domain.StreamID) *ErrorPayload {
	return &ErrorPayload{Code: CodeStreamNotFound, Message: fmt.Sprintf("stream %s not found", id)}
}

func (s *WebSocketServer) handleMessage(c *client, msg Message) (interface{}, *ErrorPayload) {
	switch msg.Type {
	case TypePublish:
		return s.handlePublish(c, msg)
	case TypeUnpublish:
		return s.handleUnpublish(c, msg)
	case TypeSubscribe:
		return s.handleSubscribe(c, msg)
	case TypeUnsubscribe:
		var ref StreamRef
		if err := msg.Decode(&ref); err != nil {
			return nil, invalid(err)
		}
		return nil, nil
	case TypeSignal:
		return s.handleSignal(c, msg)
	case TypeForceDisconnect:
		return s.handleForceDisconnect(c, msg)
	case TypeForceUnpublish:
		return s.handleForceUnpublish(c, msg)
	case TypeStreamProperty:
		return s.handleStreamProperty(c, msg)
	case "":
		return nil, invalid(fmt.Errorf("message type is required"))
	default:
		return nil, invalid(fmt.Errorf("unknown message type: %s", msg.Type))
	}
}

func (s *WebSocketServer) handlePublish(c *client, msg Message) (interface{}, *ErrorPayload) {
	if !c.role.Allows(domain.TokenRolePublisher) {
		return nil, denied("token does not allow publishing")
	}
	var payload PublishPayload
	if err := msg.Decode(&payload); err != nil {
		return nil, invalid(err)
	}
	switch payload.VideoType {
	case "", domain.VideoTypeCamera, domain.VideoTypeScreen:
	default:
		return nil, invalid(fmt.Errorf("unsupported video type: %s", payload.VideoType))
	}

	stream := &domain.Stream{
		ID:         domain.StreamID(uuid.NewString()),
		Name:       payload.Name,
		VideoType:  payload.VideoType,
		Connection: c.connection,
		HasAudio:   payload.HasAudio,
		HasVideo:   payload.HasVideo,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	r, ok := s.rooms[c.sessionID]
	if ok {
		r.streams[stream.ID] = stream
	}
	s.mu.Unlock()
	if !ok {
		return nil, &ErrorPayload{Code: CodeNetwork, Message: "session is closed"}
	}

	s.logger.Infow("stream published",
		"session_id", c.sessionID,
		"connection_id", c.connection.ID,
		"stream_id", stream.ID,
		"video_type", stream.VideoType,
	)
	s.broadcast(c.sessionID, c.connection.ID, TypeStreamCreated, StreamEventPayload{Stream: stream})
	return StreamEventPayload{Stream: stream}, nil
}

// removeStream deletes a stream. When owner is set the stream must belong to it.
func (s *WebSocketServer) removeStream(sessionID string, id domain.StreamID, owner domain.ConnectionID) (*domain.Stream, *ErrorPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[sessionID]
	if !ok {
		return nil, streamNotFound(id)
	}
	stream, ok := r.streams[id]
	if !ok {
		return nil, streamNotFound(id)
	}
	if owner != "" && (stream.Connection == nil || stream.Connection.ID != owner) {
		return nil, denied("stream belongs to another connection")
	}
	delete(r.streams, id)
	return stream, nil
}

func (s *WebSocketServer) handleUnpublish(c *client, msg Message) (interface{}, *ErrorPayload) {
	var ref StreamRef
	if err := msg.Decode(&ref); err != nil {
		return nil, invalid(err)
	}
	stream, errPayload := s.removeStream(c.sessionID, ref.StreamID, c.connection.ID)
	if errPayload != nil {
		return nil, errPayload
	}
	s.broadcast(c.sessionID, c.connection.ID, TypeStreamDestroyed, StreamEventPayload{Stream: stream, Reason: ReasonUnpublished})
	return nil, nil
}

func (s *WebSocketServer) handleSubscribe(c *client, msg Message) (interface{}, *ErrorPayload) {
	var ref StreamRef
	if err := msg.Decode(&ref); err != nil {
		return nil, invalid(err)
	}
	if err := validation.ValidateStreamID(string(ref.StreamID)); err != nil {
		return nil, invalid(err)
	}

	s.mu.RLock()
	var stream *domain.Stream
	if r, ok := s.rooms[c.sessionID]; ok {
		stream = r.streams[ref.StreamID]
	}
	s.mu.RUnlock()

	if stream == nil {
		return nil, streamNotFound(ref.StreamID)
	}
	return StreamEventPayload{Stream: stream}, nil
}

func (s *WebSocketServer) handleSignal(c *client, msg Message) (interface{}, *ErrorPayload) {
	var sig domain.Signal
	if err := msg.Decode(&sig); err != nil {
		return nil, invalid(err)
	}
	if err := validation.ValidateSignal(sig.Type, []byte(sig.Data)); err != nil {
		return nil, invalid(err)
	}
	sig.From = c.connection.ID

	out, err := NewMessage(TypeSignal, "", sig)
	if err != nil {
		return nil, invalid(err)
	}
	if sig.To == "" {
		for _, target := range s.clients(c.sessionID) {
			s.enqueue(target, out)
		}
		return nil, nil
	}

	target, ok := s.client(c.sessionID, sig.To)
	if !ok {
		return nil, &ErrorPayload{Code: CodeInvalidRequest, Message: fmt.Sprintf("connection %s not found", sig.To)}
	}
	s.enqueue(target, out)
	return nil, nil
}

func (s *WebSocketServer) client(sessionID string, id domain.ConnectionID) (*client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[sessionID]
	if !ok {
		return nil, false
	}
	c, ok := r.clients[id]
	return c, ok
}

func (s *WebSocketServer) handleForceDisconnect(c *client, msg Message) (interface{}, *ErrorPayload) {
	if !c.role.Allows(domain.TokenRoleModerator) {
		return nil, denied("token does not allow forcing a disconnect")
	}
	var ref ConnectionRef
	if err := msg.Decode(&ref); err != nil {
		return nil, invalid(err)
	}
	target, ok := s.client(c.sessionID, ref.ConnectionID)
	if !ok {
		return nil, &ErrorPayload{Code: CodeInvalidRequest, Message: fmt.Sprintf("connection %s not found", ref.ConnectionID)}
	}

	s.logger.Infow("forcing disconnect",
		"session_id", c.sessionID,
		"moderator", c.connection.ID,
		"connection_id", target.connection.ID,
	)
	s.deliver(target, TypeSessionDisconnected, DisconnectedPayload{Reason: ReasonForceDisconnected})
	target.close(ReasonForceDisconnected)
	return nil, nil
}

func (s *WebSocketServer) handleForceUnpublish(c *client, msg Message) (interface{}, *ErrorPayload) {
	if !c.role.Allows(domain.TokenRoleModerator) {
		return nil, denied("token does not allow forcing an unpublish")
	}
	var ref StreamRef
	if err := msg.Decode(&ref); err != nil {
		return nil, invalid(err)
	}
	stream, errPayload := s.removeStream(c.sessionID, ref.StreamID, "")
	if errPayload != nil {
		return nil, errPayload
	}
	s.broadcast(c.sessionID, "", TypeStreamDestroyed, StreamEventPayload{Stream: stream, Reason: ReasonForceUnpublished})
	return nil, nil
}

func (s *WebSocketServer) handleStreamProperty(c *client, msg Message) (interface{}, *ErrorPayload) {
	var payload StreamPropertyPayload
	if err := msg.Decode(&payload); err != nil {
		return nil, invalid(err)
	}
	enabled, ok := payload.Value.(bool)
	if !ok {
		return nil, invalid(fmt.Errorf("%s must be a boolean", payload.Property))
	}

	s.mu.Lock()
	var stream *domain.Stream
	if r, exists := s.rooms[c.sessionID]; exists {
		stream = r.streams[payload.StreamID]
	}
	if stream == nil {
		s.mu.Unlock()
		return nil, streamNotFound(payload.StreamID)
	}
	if stream.Connection == nil || stream.Connection.ID != c.connection.ID {
		s.mu.Unlock()
		return nil, denied("stream belongs to another connection")
	}
	updated := *stream
	switch payload.Property {
	case "hasAudio":
		updated.HasAudio = enabled
	case "hasVideo":
		updated.HasVideo = enabled
	default:
		s.mu.Unlock()
		return nil, invalid(fmt.Errorf("unknown stream property: %s", payload.Property))
	}
	s.rooms[c.sessionID].streams[stream.ID] = &updated
	s.mu.Unlock()

	s.broadcast(c.sessionID, c.connection.ID, TypeStreamPropertyChanged, StreamPropertyChangedPayload{
		Stream:   &updated,
		Property: payload.Property,
		Value:    enabled,
	})
	return nil, nil
}

// ConnectionCount returns the number of connections in a session.
func (s *WebSocketServer) ConnectionCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rooms[sessionID]; ok {
		return len(r.clients)
	}
	return 0
}

// Stats summarizes the open sessions.
func (s *WebSocketServer) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connections, streams := 0, 0
	for _, r := range s.rooms {
		connections += len(r.clients)
		streams += len(r.streams)
	}
	return map[string]interface{}{
		"sessions":    len(s.rooms),
		"connections": connections,
		"streams":     streams,
	}
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := s.Stats()
	response["status"] = "healthy"
	response["timestamp"] = time.Now().Unix()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Shutdown disconnects every connection.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	var all []*client
	for _, r := range s.rooms {
		for _, c := range r.clients {
			all = append(all, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range all {
		s.deliver(c, TypeSessionDisconnected, DisconnectedPayload{Reason: "serverShutdown"})
		c.close("serverShutdown")
	}
}
