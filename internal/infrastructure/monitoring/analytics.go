package monitoring

import (
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// PrometheusAnalytics records call actions and publisher/subscriber counts.
// Each instance owns its registry so several cores can coexist in a process.
type PrometheusAnalytics struct {
	registry *prometheus.Registry
	logger   *zap.SugaredLogger

	actionsTotal *prometheus.CounterVec
	publishers   *prometheus.GaugeVec
	subscribers  *prometheus.GaugeVec
	sessionInfo  *prometheus.GaugeVec

	mu      sync.Mutex
	session domain.SessionInfo
}

var _ ports.Analytics = (*PrometheusAnalytics)(nil)

func NewPrometheusAnalytics(logger *zap.SugaredLogger) *PrometheusAnalytics {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusAnalytics{
		registry: registry,
		logger:   logger,

		actionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_actions_total",
			Help: "Call actions by outcome",
		}, []string{"action", "variation"}),

		publishers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callcore_publishers",
			Help: "Local publishers by video type",
		}, []string{"type"}),

		subscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callcore_subscribers",
			Help: "Subscribers by video type",
		}, []string{"type"}),

		sessionInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callcore_session_info",
			Help: "Session the client is connected to",
		}, []string{"session_id", "connection_id", "partner_id"}),
	}
}

// Registry exposes the metrics for a /metrics handler.
func (a *PrometheusAnalytics) Registry() *prometheus.Registry {
	return a.registry
}

func (a *PrometheusAnalytics) LogAction(action domain.Action, variation domain.Variation) {
	a.actionsTotal.WithLabelValues(string(action), string(variation)).Inc()
	a.logger.Debugw("call action", "action", action, "variation", variation)
}

func (a *PrometheusAnalytics) SetSessionInfo(info domain.SessionInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionInfo.DeleteLabelValues(a.session.SessionID, string(a.session.ConnectionID), a.session.PartnerID)
	a.session = info
	a.sessionInfo.WithLabelValues(info.SessionID, string(info.ConnectionID), info.PartnerID).Set(1)
}

func (a *PrometheusAnalytics) ObservePubSub(counts domain.PubSubCounts) {
	a.publishers.WithLabelValues(string(domain.VideoTypeCamera)).Set(float64(counts.Publisher.Camera))
	a.publishers.WithLabelValues(string(domain.VideoTypeScreen)).Set(float64(counts.Publisher.Screen))
	a.subscribers.WithLabelValues(string(domain.VideoTypeCamera)).Set(float64(counts.Subscriber.Camera))
	a.subscribers.WithLabelValues(string(domain.VideoTypeScreen)).Set(float64(counts.Subscriber.Screen))
	a.subscribers.WithLabelValues(string(domain.VideoTypeSIP)).Set(float64(counts.Subscriber.SIP))
}
