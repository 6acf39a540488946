// Package metrics exposes the broker's Prometheus collectors: live and
// total session gauges, admission rejections, completed chat turns, and
// sampled RSS, registered once at startup and served at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the collectors the broker reports, grouped so the
// Session Manager, HTTP Surface, and Background Maintainer each hold
// only the handful of collectors relevant to them.
type Registry struct {
	registry *prometheus.Registry

	SessionsLive  prometheus.Gauge
	SessionsTotal prometheus.Gauge
	RSSMB         prometheus.Gauge

	ChatTurnsTotal           prometheus.Counter
	AdmissionRejectionsTotal *prometheus.CounterVec
	EvictionsTotal           *prometheus.CounterVec
}

// New builds and registers the broker's collectors against a fresh
// registry — never the global default, so tests can build independent
// instances without collector-already-registered panics.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claude_sessions_live",
			Help: "Number of sessions with a live Agent Client subprocess.",
		}),
		SessionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claude_sessions_total",
			Help: "Number of non-closed sessions recorded in the Metadata Store.",
		}),
		RSSMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claude_rss_mb",
			Help: "Total resident memory, in MB, across all live Agent Client subprocesses.",
		}),
		ChatTurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claude_chat_turns_total",
			Help: "Total completed chat turns.",
		}),
		AdmissionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_admission_rejections_total",
			Help: "Total admission rejections, labeled by reason.",
		}, []string{"reason"}),
		EvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_evictions_total",
			Help: "Total session evictions performed by the Background Maintainer, labeled by cause.",
		}, []string{"cause"}),
	}

	reg.MustRegister(r.SessionsLive, r.SessionsTotal, r.RSSMB, r.ChatTurnsTotal,
		r.AdmissionRejectionsTotal, r.EvictionsTotal)
	return r
}

// Handler serves the registry's collectors in Prometheus exposition
// format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveAdmissionRejection implements httpapi.MetricsRecorder.
func (r *Registry) ObserveAdmissionRejection(reason string) {
	r.AdmissionRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveChatTurn implements httpapi.MetricsRecorder.
func (r *Registry) ObserveChatTurn() {
	r.ChatTurnsTotal.Inc()
}

// ObserveEviction records one eviction by cause ("idle", "pressure",
// "ttl_sweep").
func (r *Registry) ObserveEviction(cause string) {
	r.EvictionsTotal.WithLabelValues(cause).Inc()
}

// SetSessionCounts updates the live/total session gauges. Called
// periodically by the Background Maintainer.
func (r *Registry) SetSessionCounts(live, total int) {
	r.SessionsLive.Set(float64(live))
	r.SessionsTotal.Set(float64(total))
}

// SetRSSMB updates the sampled RSS gauge, in MB.
func (r *Registry) SetRSSMB(mb float64) {
	r.RSSMB.Set(mb)
}
