package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callcore/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newLimitedRouter(cfg *config.Config, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", handler)
	return router
}

func get(router http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(cfg, func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234").Code)
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := newLimitedRouter(cfg, func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234").Code)

	limited := get(router, "10.0.0.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Contains(t, limited.Body.String(), "RATE_LIMIT_EXCEEDED")

	// other clients have their own budget
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:1234").Code)
}

func TestHTTPRateLimitMiddleware_MaxConcurrent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1000
	cfg.RateLimiting.HTTP.Burst = 1000
	cfg.RateLimiting.HTTP.MaxConcurrent = 1

	entered := make(chan struct{})
	release := make(chan struct{})
	router := newLimitedRouter(cfg, func(c *gin.Context) {
		close(entered)
		<-release
		c.Status(http.StatusOK)
	})

	done := make(chan int)
	go func() { done <- get(router, "10.0.0.1:1").Code }()
	<-entered

	assert.Equal(t, http.StatusServiceUnavailable, get(router, "10.0.0.2:1").Code)
	close(release)
	require.Equal(t, http.StatusOK, <-done)
}

func TestRateLimiterStore_EvictsIdleClients(t *testing.T) {
	store := newRateLimiterStore(rate.Limit(1), 1)
	now := time.Now()
	store.now = func() time.Time { return now }

	store.getLimiter("a")
	store.getLimiter("b")
	assert.Equal(t, 2, store.size())

	now = now.Add(2 * limiterIdleTTL)
	store.getLimiter("c")
	assert.Equal(t, 1, store.size())
}
