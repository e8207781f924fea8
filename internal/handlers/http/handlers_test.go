package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"
	"callcore/internal/infrastructure/middleware"
	"callcore/internal/infrastructure/monitoring"
	"callcore/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockCallService struct {
	mock.Mock
}

func (m *MockCallService) State() domain.Snapshot {
	return m.Called().Get(0).(domain.Snapshot)
}

func (m *MockCallService) Connect(ctx context.Context) (*domain.ConnectResult, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(*domain.ConnectResult)
	return result, args.Error(1)
}

func (m *MockCallService) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockCallService) StartCall(ctx context.Context, props domain.Properties) (*domain.CallResult, error) {
	args := m.Called(ctx, props)
	result, _ := args.Get(0).(*domain.CallResult)
	return result, args.Error(1)
}

func (m *MockCallService) EndCall(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockCallService) SubscribeByID(ctx context.Context, streamID domain.StreamID) (*domain.Subscriber, error) {
	args := m.Called(ctx, streamID)
	result, _ := args.Get(0).(*domain.Subscriber)
	return result, args.Error(1)
}

func (m *MockCallService) UnsubscribeByID(ctx context.Context, id domain.SubscriberID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockCallService) Signal(ctx context.Context, signalType string, data interface{}, to domain.ConnectionID) error {
	return m.Called(ctx, signalType, data, to).Error(0)
}

func (m *MockCallService) ToggleLocalAudio(enable bool) { m.Called(enable) }
func (m *MockCallService) ToggleLocalVideo(enable bool) { m.Called(enable) }

func (m *MockCallService) ToggleRemoteAudio(id domain.SubscriberID, enable bool) { m.Called(id, enable) }
func (m *MockCallService) ToggleRemoteVideo(id domain.SubscriberID, enable bool) { m.Called(id, enable) }

func (m *MockCallService) ForceDisconnect(ctx context.Context, connectionID domain.ConnectionID) error {
	return m.Called(ctx, connectionID).Error(0)
}

func (m *MockCallService) ForceUnpublish(ctx context.Context, streamID domain.StreamID) error {
	return m.Called(ctx, streamID).Error(0)
}

func newRouter(t *testing.T, handlers ...interface{ SetupRoutes(gin.IRouter) }) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger), middleware.ErrorHandlerMiddleware(logger))
	for _, h := range handlers {
		h.SetupRoutes(router)
	}
	return router
}

func do(router http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCallHandler_ConnectAndState(t *testing.T) {
	calls := &MockCallService{}
	router := newRouter(t, NewCallHandler(calls, zaptest.NewLogger(t).Sugar()))

	calls.On("Connect", mock.Anything).Return(&domain.ConnectResult{Connections: 3}, nil).Once()
	w := do(router, http.MethodPost, "/api/v1/connect", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"connections":3}`, w.Body.String())

	calls.On("State").Return(domain.Snapshot{StreamMap: map[domain.StreamID]string{"s1": "camera"}}).Once()
	w = do(router, http.MethodGet, "/api/v1/state", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var snapshot domain.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, "camera", snapshot.StreamMap["s1"])

	calls.On("Connect", mock.Anything).Return(nil, &domain.EngineError{Code: 1004, Message: "bad token"}).Once()
	w = do(router, http.MethodPost, "/api/v1/connect", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "bad token")

	calls.AssertExpectations(t)
}

func TestCallHandler_CallLifecycle(t *testing.T) {
	calls := &MockCallService{}
	router := newRouter(t, NewCallHandler(calls, zaptest.NewLogger(t).Sugar()))

	publisher := &domain.Publisher{ID: "pub-1", StreamID: "s1", VideoType: domain.VideoTypeCamera}
	calls.On("StartCall", mock.Anything, domain.Properties{"name": "me"}).
		Return(&domain.CallResult{Publisher: publisher}, nil).Once()
	w := do(router, http.MethodPost, "/api/v1/call/start", `{"properties":{"name":"me"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pub-1"`)

	calls.On("StartCall", mock.Anything, domain.Properties(nil)).
		Return(&domain.CallResult{Publisher: publisher}, nil).Once()
	w = do(router, http.MethodPost, "/api/v1/call/start", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/v1/call/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	calls.On("EndCall", mock.Anything).Return(nil).Once()
	w = do(router, http.MethodPost, "/api/v1/call/end", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	calls.On("Disconnect", mock.Anything).Return(nil).Once()
	w = do(router, http.MethodPost, "/api/v1/disconnect", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	calls.AssertExpectations(t)
}

func TestCallHandler_StartCallChunkedBody(t *testing.T) {
	calls := &MockCallService{}
	router := newRouter(t, NewCallHandler(calls, zaptest.NewLogger(t).Sugar()))

	calls.On("StartCall", mock.Anything, domain.Properties{"name": "me"}).
		Return(&domain.CallResult{}, nil).Once()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/call/start", io.MultiReader(strings.NewReader(`{"properties":{"name":"me"}}`)))
	req.Header.Set("Content-Type", "application/json")
	require.Equal(t, int64(-1), req.ContentLength)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	calls.On("StartCall", mock.Anything, domain.Properties(nil)).
		Return(&domain.CallResult{}, nil).Once()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/call/start", io.MultiReader())
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	calls.AssertExpectations(t)
}

func TestCallHandler_SubscribeAndUnsubscribe(t *testing.T) {
	calls := &MockCallService{}
	router := newRouter(t, NewCallHandler(calls, zaptest.NewLogger(t).Sugar()))

	calls.On("SubscribeByID", mock.Anything, domain.StreamID("s1")).
		Return(&domain.Subscriber{ID: "sub-1", Stream: &domain.Stream{ID: "s1"}}, nil).Once()
	w := do(router, http.MethodPost, "/api/v1/streams/s1/subscribe", "")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"sub-1"`)

	calls.On("SubscribeByID", mock.Anything, domain.StreamID("gone")).
		Return(nil, domain.ErrStreamNotFound).Once()
	w = do(router, http.MethodPost, "/api/v1/streams/gone/subscribe", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	calls.On("SubscribeByID", mock.Anything, domain.StreamID("busy")).Return(nil, nil).Once()
	w = do(router, http.MethodPost, "/api/v1/streams/busy/subscribe", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"stream_id":"busy","status":"pending"}`, w.Body.String())

	w = do(router, http.MethodPost, "/api/v1/streams/bad%20id/subscribe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	calls.On("UnsubscribeByID", mock.Anything, domain.SubscriberID("sub-1")).Return(nil).Once()
	w = do(router, http.MethodDelete, "/api/v1/subscribers/sub-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	calls.On("UnsubscribeByID", mock.Anything, domain.SubscriberID("sub-2")).
		Return(errors.NewNotFoundError("subscriber")).Once()
	w = do(router, http.MethodDelete, "/api/v1/subscribers/sub-2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	calls.AssertExpectations(t)
}

func TestCallHandler_Signal(t *testing.T) {
	calls := &MockCallService{}
	router := newRouter(t, NewCallHandler(calls, zaptest.NewLogger(t).Sugar()))

	calls.On("Signal", mock.Anything, "chat", json.RawMessage(`{"text":"hi"}`), domain.ConnectionID("c2")).
		Return(nil).Once()
	w := do(router, http.MethodPost, "/api/v1/signal", `{"type":"chat","data":{"text":"hi"},"to":"c2"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	calls.On("Signal", mock.Anything, "ping", nil, domain.ConnectionID("")).
		Return(errors.NewInvalidParametersError("signal type contains invalid characters")).Once()
	w = do(router, http.MethodPost, "/api/v1/signal", `{"type":"ping"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_PARAMETERS")

	w = do(router, http.MethodPost, "/api/v1/signal", `{"type":"chat","to":"not valid"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	calls.AssertExpectations(t)
}

func TestCallHandler_Toggles(t *testing.T) {
	calls := &MockCallService{}
	router := newRouter(t, NewCallHandler(calls, zaptest.NewLogger(t).Sugar()))

	calls.On("ToggleLocalAudio", false).Once()
	calls.On("ToggleLocalVideo", true).Once()
	calls.On("ToggleRemoteAudio", domain.SubscriberID("sub-1"), true).Once()
	calls.On("ToggleRemoteVideo", domain.SubscriberID("sub-1"), false).Once()

	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPut, "/api/v1/local/audio", `{"enabled":false}`).Code)
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPut, "/api/v1/local/video", `{"enabled":true}`).Code)
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPut, "/api/v1/subscribers/sub-1/audio", `{"enabled":true}`).Code)
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPut, "/api/v1/subscribers/sub-1/video", `{"enabled":false}`).Code)

	// enabled must be present
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPut, "/api/v1/local/audio", `{}`).Code)

	calls.AssertExpectations(t)
}

func TestCallHandler_ForceOperations(t *testing.T) {
	calls := &MockCallService{}
	router := newRouter(t, NewCallHandler(calls, zaptest.NewLogger(t).Sugar()))

	calls.On("ForceDisconnect", mock.Anything, domain.ConnectionID("c1")).Return(nil).Once()
	calls.On("ForceUnpublish", mock.Anything, domain.StreamID("s1")).
		Return(&domain.EngineError{Code: 1070, Message: "permission denied"}).Once()

	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/api/v1/connections/c1/force-disconnect", "").Code)
	assert.Equal(t, http.StatusBadGateway, do(router, http.MethodPost, "/api/v1/streams/s1/force-unpublish", "").Code)

	calls.AssertExpectations(t)
}

func TestTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	tokens := services.NewTokenService("secret", "callcore", time.Hour, 2*time.Hour)

	router := newRouter(t)
	guarded := router.Group("", middleware.APIKeyMiddleware("key", "secret"))
	NewTokenHandler(tokens, logger).SetupRoutes(guarded)

	auth := []string{middleware.HeaderAPIKey, "key", middleware.HeaderAPISecret, "secret"}

	assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodPost, "/api/v1/sessions", "").Code)

	w := do(router, http.MethodPost, "/api/v1/sessions", "", auth...)
	require.Equal(t, http.StatusCreated, w.Code)
	var session struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	require.NotEmpty(t, session.SessionID)

	w = do(router, http.MethodPost, "/api/v1/sessions/"+session.SessionID+"/tokens",
		`{"role":"moderator","connection_data":"{\"name\":\"alice\"}","expires_in":60}`, auth...)
	require.Equal(t, http.StatusCreated, w.Code)
	var issued TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Equal(t, session.SessionID, issued.SessionID)
	assert.Equal(t, domain.TokenRoleModerator, issued.Role)
	assert.WithinDuration(t, time.Now().Add(time.Minute), issued.ExpiresAt, 5*time.Second)

	claims, err := tokens.ValidateToken(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"alice"}`, claims.ConnectionData)

	w = do(router, http.MethodPost, "/api/v1/sessions/"+session.SessionID+"/tokens", "", auth...)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Equal(t, domain.TokenRolePublisher, issued.Role)

	w = do(router, http.MethodPost, "/api/v1/sessions/"+session.SessionID+"/tokens", `{"role":"admin"}`, auth...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthHandler(t *testing.T) {
	health := monitoring.NewHealthChecker()
	health.AddCheck("engine", func(ctx context.Context) (bool, error) { return true, nil }, time.Second)

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "callcore_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	router := newRouter(t, NewHealthHandler(health, registry))

	w := do(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	w = do(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "callcore_test_total 1")

	health.AddCheck("broken", func(ctx context.Context) (bool, error) { return false, nil }, time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodGet, "/health", "").Code)
}
