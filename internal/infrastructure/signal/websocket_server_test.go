package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	t      *testing.T
	tokens services.TokenService
	server *WebSocketServer
	http   *httptest.Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	tokens := services.NewTokenService("secret", "", time.Hour, time.Hour)
	server := NewWebSocketServer(tokens, cfg, zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return &testServer{t: t, tokens: tokens, server: server, http: ts}
}

func (s *testServer) dial(sessionID string, role domain.TokenRole) (*websocket.Conn, SessionJoinedPayload) {
	s.t.Helper()
	token, err := s.tokens.GenerateToken(sessionID, services.TokenOptions{Role: role})
	require.NoError(s.t, err)
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { conn.Close() })

	msg := readMessage(s.t, conn)
	require.Equal(s.t, TypeSessionJoined, msg.Type)
	var joined SessionJoinedPayload
	require.NoError(s.t, msg.Decode(&joined))
	return conn, joined
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) Message {
	t.Helper()
	for {
		if msg := readMessage(t, conn); msg.Type == msgType {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msgType, requestID string, payload interface{}) {
	t.Helper()
	msg, err := NewMessage(msgType, requestID, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func TestHandleWebSocket_RequiresValidToken(t *testing.T) {
	ts := newTestServer(t, Config{})
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := ts.tokens.GenerateToken("session-a", services.TokenOptions{})
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(url+"?session_id=session-b&token="+token, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWebSocket_ConnectionLimit(t *testing.T) {
	ts := newTestServer(t, Config{MaxConnections: 1})
	ts.dial("session-1", domain.TokenRolePublisher)

	token, err := ts.tokens.GenerateToken("session-1", services.TokenOptions{})
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.http.URL, "http")+"?token="+token, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPublishIsVisibleToLaterConnections(t *testing.T) {
	ts := newTestServer(t, Config{})
	first, joined := ts.dial("session-1", domain.TokenRolePublisher)
	assert.Empty(t, joined.Connections)

	send(t, first, TypePublish, "req-1", PublishPayload{Name: "cam", VideoType: domain.VideoTypeCamera, HasAudio: true})
	reply := readUntil(t, first, TypeReply)
	assert.Equal(t, "req-1", reply.RequestID)
	require.Nil(t, reply.Error)
	var published StreamEventPayload
	require.NoError(t, reply.Decode(&published))
	assert.Equal(t, joined.Connection.ID, published.Stream.Connection.ID)

	second, joinedSecond := ts.dial("session-1", domain.TokenRoleSubscriber)
	require.Len(t, joinedSecond.Streams, 1)
	assert.Equal(t, published.Stream.ID, joinedSecond.Streams[0].ID)
	require.Len(t, joinedSecond.Connections, 1)

	created := readUntil(t, first, TypeConnectionCreated)
	var connEvent ConnectionEventPayload
	require.NoError(t, created.Decode(&connEvent))
	assert.Equal(t, joinedSecond.Connection.ID, connEvent.Connection.ID)

	send(t, second, TypeSubscribe, "req-2", StreamRef{StreamID: published.Stream.ID})
	reply = readUntil(t, second, TypeReply)
	assert.Nil(t, reply.Error)

	assert.Equal(t, map[string]interface{}{"sessions": 1, "connections": 2, "streams": 1}, ts.server.Stats())

	first.Close()
	destroyed := readUntil(t, second, TypeStreamDestroyed)
	var streamEvent StreamEventPayload
	require.NoError(t, destroyed.Decode(&streamEvent))
	assert.Equal(t, published.Stream.ID, streamEvent.Stream.ID)
	assert.Equal(t, ReasonClientDisconnected, streamEvent.Reason)
	readUntil(t, second, TypeConnectionDestroyed)
}

func TestRequestErrors(t *testing.T) {
	ts := newTestServer(t, Config{})
	conn, _ := ts.dial("session-1", domain.TokenRoleSubscriber)

	tests := []struct {
		name    string
		msgType string
		payload interface{}
		code    int
	}{
		{"unknown type", "dance", nil, CodeInvalidRequest},
		{"publish without rights", TypePublish, PublishPayload{}, CodePermissionDenied},
		{"subscribe unknown stream", TypeSubscribe, StreamRef{StreamID: "nope"}, CodeStreamNotFound},
		{"unpublish unknown stream", TypeUnpublish, StreamRef{StreamID: "nope"}, CodeStreamNotFound},
		{"force disconnect without rights", TypeForceDisconnect, ConnectionRef{ConnectionID: "x"}, CodePermissionDenied},
		{"invalid signal type", TypeSignal, domain.Signal{Type: "has space"}, CodeInvalidRequest},
		{"signal unknown target", TypeSignal, domain.Signal{Type: "chat", To: "ghost"}, CodeInvalidRequest},
		{"missing payload", TypeSubscribe, nil, CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.msgType, tt.name, tt.payload)
			reply := readUntil(t, conn, TypeReply)
			assert.Equal(t, tt.name, reply.RequestID)
			require.NotNil(t, reply.Error)
			assert.Equal(t, tt.code, reply.Error.Code)
		})
	}
}

func TestSignalDelivery(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice, aliceJoined := ts.dial("session-1", domain.TokenRolePublisher)
	bob, bobJoined := ts.dial("session-1", domain.TokenRolePublisher)

	send(t, alice, TypeSignal, "req-1", domain.Signal{Type: "chat", Data: `"hello"`, To: bobJoined.Connection.ID})
	reply := readUntil(t, alice, TypeReply)
	require.Nil(t, reply.Error)

	msg := readUntil(t, bob, TypeSignal)
	var sig domain.Signal
	require.NoError(t, msg.Decode(&sig))
	assert.Equal(t, domain.Signal{Type: "chat", Data: `"hello"`, From: aliceJoined.Connection.ID, To: bobJoined.Connection.ID}, sig)
}

func TestStreamPropertyOwnership(t *testing.T) {
	ts := newTestServer(t, Config{})
	owner, _ := ts.dial("session-1", domain.TokenRolePublisher)
	other, _ := ts.dial("session-1", domain.TokenRoleModerator)

	send(t, owner, TypePublish, "pub", PublishPayload{HasAudio: true, HasVideo: true})
	var published StreamEventPayload
	require.NoError(t, readUntil(t, owner, TypeReply).Decode(&published))

	send(t, other, TypeStreamProperty, "steal", StreamPropertyPayload{StreamID: published.Stream.ID, Property: "hasVideo", Value: false})
	reply := readUntil(t, other, TypeReply)
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodePermissionDenied, reply.Error.Code)

	send(t, owner, TypeStreamProperty, "mute", StreamPropertyPayload{StreamID: published.Stream.ID, Property: "hasAudio", Value: false})
	require.Nil(t, readUntil(t, owner, TypeReply).Error)

	changed := readUntil(t, other, TypeStreamPropertyChanged)
	var payload StreamPropertyChangedPayload
	require.NoError(t, changed.Decode(&payload))
	assert.Equal(t, "hasAudio", payload.Property)
	assert.False(t, payload.Stream.HasAudio)
	assert.True(t, payload.Stream.HasVideo)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{MessageRate: 0.001, MessageBurst: 1})
	conn, _ := ts.dial("session-1", domain.TokenRolePublisher)

	send(t, conn, TypeUnsubscribe, "first", StreamRef{StreamID: "s"})
	assert.Nil(t, readUntil(t, conn, TypeReply).Error)

	send(t, conn, TypeUnsubscribe, "second", StreamRef{StreamID: "s"})
	reply := readUntil(t, conn, TypeReply)
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeRateLimited, reply.Error.Code)
}
