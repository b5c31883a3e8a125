package resilience

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	// BreakerState reports the current breaker state per upstream.
	BreakerState *prometheus.GaugeVec
	// BreakerTransitions counts breaker state transitions per upstream.
	BreakerTransitions *prometheus.CounterVec
	// UpstreamRequests counts upstream calls by outcome.
	UpstreamRequests *prometheus.CounterVec
)

// MustRegisterMetrics initialises the breaker collectors on reg.
func MustRegisterMetrics(namespace string, reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current breaker state: 0=closed,1=open,2=half-open",
		}, []string{"target"})
		BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transition_total",
			Help:      "Count of breaker state transitions",
		}, []string{"target", "from", "to"})
		UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Count of upstream HTTP calls by outcome.",
		}, []string{"target", "result"})
		reg.MustRegister(BreakerState, BreakerTransitions, UpstreamRequests)
	})
}
