// Package metrics provides Prometheus metrics for session lifecycle operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for session operations.
// A nil *Metrics, or one built with a nil registerer, records nothing.
type Metrics struct {
	enabled bool
	reg     prometheus.Registerer

	// Credential acquisition
	loginsTotal     *prometheus.CounterVec
	refreshesTotal  *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	refreshWaiters  prometheus.Counter

	// Request pipeline
	retriesTotal *prometheus.CounterVec

	// Session state
	logoutsTotal  *prometheus.CounterVec
	sessionActive prometheus.Gauge

	// Audit
	auditDropped prometheus.CounterFunc
}

// New creates and registers the collectors on reg.
// If reg is nil, returns a no-op Metrics instance.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{enabled: reg != nil, reg: reg}
	if !m.enabled {
		return m
	}
	f := promauto.With(reg)

	m.loginsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "consign_logins_total",
		Help: "Login attempts by method and result",
	}, []string{"method", "result"})

	m.refreshesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "consign_refreshes_total",
		Help: "Refresh calls made to the authentication server by result",
	}, []string{"result"})

	m.refreshDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "consign_refresh_duration_seconds",
		Help:    "Duration of refresh calls in seconds",
		Buckets: prometheus.DefBuckets,
	})

	m.refreshWaiters = f.NewCounter(prometheus.CounterOpts{
		Name: "consign_refresh_coalesced_total",
		Help: "Refresh requests that joined an in-flight refresh instead of starting one",
	})

	m.retriesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "consign_request_retries_total",
		Help: "Requests resent after an unauthorized response, by outcome",
	}, []string{"outcome"})

	m.logoutsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "consign_logouts_total",
		Help: "Session terminations by reason",
	}, []string{"reason"})

	m.sessionActive = f.NewGauge(prometheus.GaugeOpts{
		Name: "consign_session_active",
		Help: "Whether a session is currently signed in (0/1)",
	})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordLogin records a login attempt. method is "password" or the social provider.
func (m *Metrics) RecordLogin(method, result string) {
	if !m.on() {
		return
	}
	m.loginsTotal.WithLabelValues(method, result).Inc()
}

// RecordRefresh records one refresh round-trip to the server.
func (m *Metrics) RecordRefresh(result string, d time.Duration) {
	if !m.on() {
		return
	}
	m.refreshesTotal.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(d.Seconds())
}

// RecordRefreshCoalesced records a caller that shared another caller's refresh.
func (m *Metrics) RecordRefreshCoalesced() {
	if !m.on() {
		return
	}
	m.refreshWaiters.Inc()
}

// RecordRetry records a resend after 401. outcome is "ok", "unauthorized",
// "session_ended" or "error".
func (m *Metrics) RecordRetry(outcome string) {
	if !m.on() {
		return
	}
	m.retriesTotal.WithLabelValues(outcome).Inc()
}

// RecordLogout records a session termination.
func (m *Metrics) RecordLogout(reason string) {
	if !m.on() {
		return
	}
	m.logoutsTotal.WithLabelValues(reason).Inc()
}

// SetSessionActive sets the session gauge.
func (m *Metrics) SetSessionActive(active bool) {
	if !m.on() {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	m.sessionActive.Set(v)
}

// ObserveAuditDrops exports dropped as the audit drop counter. Call it at
// most once per Metrics.
func (m *Metrics) ObserveAuditDrops(dropped func() int64) {
	if !m.on() {
		return
	}
	m.auditDropped = promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
		Name: "consign_audit_events_dropped_total",
		Help: "Audit events dropped because the queue was full or closed",
	}, func() float64 { return float64(dropped()) })
}
