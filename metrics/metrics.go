// Package metrics exposes the relay's Prometheus registry and the
// counters/gauges instrumented throughout the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the relay-wide metrics and the registry they are
// registered against.
type Registry struct {
	reg *prometheus.Registry

	ActiveSessions      prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
	CacheEntries        prometheus.Gauge
	ForwarderDrops      *prometheus.CounterVec
	ControlErrors       *prometheus.CounterVec
}

// New builds a Registry with all relay metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moqrelay", Name: "active_sessions", Help: "Number of open transport sessions.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moqrelay", Name: "active_subscriptions", Help: "Number of active downstream subscriptions.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moqrelay", Name: "cache_entries", Help: "Total entries held across all object caches.",
		}),
		ForwarderDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moqrelay", Name: "forwarder_drops_total", Help: "Objects dropped by a forwarder instead of written downstream.",
		}, []string{"track"}),
		ControlErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moqrelay", Name: "control_errors_total", Help: "Control messages that resulted in a protocol-level error reply.",
		}, []string{"message_type"}),
	}
	reg.MustRegister(r.ActiveSessions, r.ActiveSubscriptions, r.CacheEntries, r.ForwarderDrops, r.ControlErrors)
	return r
}

// Handler returns the HTTP handler serving /metrics in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
