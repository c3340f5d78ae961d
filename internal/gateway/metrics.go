package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "chatsync_gateway"

// metrics are always collected; Register exposes them on a registry
type metrics struct {
	pushed      *prometheus.CounterVec
	dropped     prometheus.Counter
	rateLimited prometheus.Counter
	kicked      prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		pushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pushed_events_total",
				Help:      "Frames written to client connections by event.",
			},
			[]string{"event"},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dropped_pushes_total",
				Help:      "Push tasks dropped because the push queue was full.",
			},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limited_frames_total",
				Help:      "Inbound frames rejected by the per connection limiter.",
			},
		),
		kicked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "kicked_connections_total",
				Help:      "Connections closed because their token was replaced.",
			},
		),
	}
}

// RegisterMetrics exposes the gateway counters and connection gauges on reg
func (s *WsServer) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		s.metrics.pushed,
		s.metrics.dropped,
		s.metrics.rateLimited,
		s.metrics.kicked,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "online_users",
				Help:      "Users with at least one connection on this instance.",
			},
			func() float64 { return float64(s.GetOnlineUserCount()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "online_connections",
				Help:      "Open client connections on this instance.",
			},
			func() float64 { return float64(s.GetOnlineConnCount()) },
		),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
