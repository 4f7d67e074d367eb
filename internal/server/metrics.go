package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics owns a private registry so tests can build servers without
// duplicate-registration panics.
type metrics struct {
	registry *prometheus.Registry

	webhookEvents  *prometheus.CounterVec
	triggerMatches *prometheus.CounterVec
	invocations    *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "floww_webhook_events_total",
			Help: "Inbound webhook deliveries by provider type.",
		}, []string{"provider"}),
		triggerMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "floww_trigger_matches_total",
			Help: "Triggers matched by inbound events, by provider type.",
		}, []string{"provider"}),
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "floww_invocations_total",
			Help: "Execution dispatches scheduled, by origin.",
		}, []string{"origin"}),
	}
}
