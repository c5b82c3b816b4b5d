package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Report results.
const (
	ReportAccepted = "accepted"
	ReportRejected = "rejected"
	ReportNotFound = "not_found"
)

// Metrics holds Prometheus collectors for the broadcast service.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	reportsTotal     *prometheus.CounterVec
	syncPushesTotal  prometheus.Counter
	outboundDropped  prometheus.Counter
	inboundDropped   prometheus.Counter
	offAirTotal      prometheus.Counter
	sessionsReaped   prometheus.Counter
	connectedClients prometheus.Gauge
	activeSessions   prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_http_requests_total",
			Help: "HTTP requests by status class",
		}, []string{"code"}),
		reportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_offset_reports_total",
			Help: "Offset reports by result",
		}, []string{"result"}),
		syncPushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_sync_pushes_total",
			Help: "SYNC corrections pushed to viewers",
		}),
		outboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_outbound_dropped_total",
			Help: "Outbound messages dropped because a connection queue was full",
		}),
		inboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_inbound_dropped_total",
			Help: "Inbound messages dropped by mailbox overflow or rate limit",
		}),
		offAirTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_off_air_total",
			Help: "Timeline resolutions that found no eligible content",
		}),
		sessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_sessions_reaped_total",
			Help: "Sessions closed by the staleness reaper",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_sync_connections",
			Help: "Open sync connections on this instance",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_active_sessions",
			Help: "Active viewer sessions",
		}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.reportsTotal,
		m.syncPushesTotal,
		m.outboundDropped,
		m.inboundDropped,
		m.offAirTotal,
		m.sessionsReaped,
		m.connectedClients,
		m.activeSessions,
	)
	return m
}

// ObserveRequest counts a request by status class (2xx, 4xx, ...).
func (m *Metrics) ObserveRequest(status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(statusClass(status)).Inc()
}

// IncReport counts an offset report outcome.
func (m *Metrics) IncReport(result string) {
	if m == nil {
		return
	}
	m.reportsTotal.WithLabelValues(result).Inc()
}

// IncSyncPush counts a pushed SYNC correction.
func (m *Metrics) IncSyncPush() {
	if m == nil {
		return
	}
	m.syncPushesTotal.Inc()
}

// IncOutboundDropped counts a message evicted from a full outbound queue.
func (m *Metrics) IncOutboundDropped() {
	if m == nil {
		return
	}
	m.outboundDropped.Inc()
}

// IncInboundDropped counts an inbound message that was not processed.
func (m *Metrics) IncInboundDropped() {
	if m == nil {
		return
	}
	m.inboundDropped.Inc()
}

// IncOffAir counts an off-air resolution.
func (m *Metrics) IncOffAir() {
	if m == nil {
		return
	}
	m.offAirTotal.Inc()
}

// AddReaped counts sessions closed by the reaper.
func (m *Metrics) AddReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsReaped.Add(float64(n))
}

// AddConnections moves the open-connection gauge by delta.
func (m *Metrics) AddConnections(delta int) {
	if m == nil {
		return
	}
	m.connectedClients.Add(float64(delta))
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
