// Package metrics exposes Beacon's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beacon"

// Metrics holds every collector registered by New.
type Metrics struct {
	gatherer prometheus.Gatherer

	alertWrites      *prometheus.CounterVec
	alertsCreated    prometheus.Counter
	alertsExpired    prometheus.Counter
	locationUpdates  *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
	activeTrackers   prometheus.Gauge
	deviceSessions   prometheus.Gauge
	wsRejects        *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	storeSubscribers prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		alertWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_write_attempts_total",
			Help:      "Alert creation attempts by outcome.",
		}, []string{"result"}),

		alertsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts successfully created.",
		}),

		alertsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_expired_total",
			Help:      "Alerts moved to EXPIRED by the sweep.",
		}),

		locationUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_updates_total",
			Help:      "Follow-up location writes by outcome.",
		}, []string{"result"}),

		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification trigger attempts by outcome.",
		}, []string{"result"}),

		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_fallbacks_total",
			Help:      "Last-known-location lookups by outcome.",
		}, []string{"result"}),

		activeTrackers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_trackers",
			Help:      "Open tracking subscriptions.",
		}),

		deviceSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_sessions",
			Help:      "Connected device websockets.",
		}),

		wsRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_rejects_total",
			Help:      "Rejected websocket handshakes and sessions by reason.",
		}, []string{"endpoint", "reason"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class.",
		}, []string{"method", "class"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		storeSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_subscribers",
			Help:      "Active alert store subscriptions.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// AlertWrite records one creation attempt. result is "success", "retry" or "failed".
func (m *Metrics) AlertWrite(result string) {
	if m == nil {
		return
	}
	m.alertWrites.WithLabelValues(result).Inc()
	if result == "success" {
		m.alertsCreated.Inc()
	}
}

func (m *Metrics) AlertsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.alertsExpired.Add(float64(n))
}

func (m *Metrics) LocationUpdate(ok bool) {
	if m == nil {
		return
	}
	m.locationUpdates.WithLabelValues(okLabel(ok)).Inc()
}

func (m *Metrics) Notification(ok bool) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(okLabel(ok)).Inc()
}

// Fallback records a last-known-location lookup. result is "hit", "miss" or "error".
func (m *Metrics) Fallback(result string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) TrackerOpened() {
	if m == nil {
		return
	}
	m.activeTrackers.Inc()
}

func (m *Metrics) TrackerClosed() {
	if m == nil {
		return
	}
	m.activeTrackers.Dec()
}

func (m *Metrics) DeviceConnected() {
	if m == nil {
		return
	}
	m.deviceSessions.Inc()
}

func (m *Metrics) DeviceDisconnected() {
	if m == nil {
		return
	}
	m.deviceSessions.Dec()
}

func (m *Metrics) WSReject(endpoint, reason string) {
	if m == nil {
		return
	}
	m.wsRejects.WithLabelValues(endpoint, reason).Inc()
}

func (m *Metrics) StoreSubscribed() {
	if m == nil {
		return
	}
	m.storeSubscribers.Inc()
}

func (m *Metrics) StoreUnsubscribed() {
	if m == nil {
		return
	}
	m.storeSubscribers.Dec()
}

// HTTPRequest records a finished request. class is "2xx", "4xx" and so on.
func (m *Metrics) HTTPRequest(method, class string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, class).Inc()
	m.httpDuration.WithLabelValues(method).Observe(d.Seconds())
}

func okLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
