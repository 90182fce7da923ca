// Package metrics exposes broadcast and API metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics covers traffic, errors, latency and saturation of broadcasts.
// It implements broadcast.Observer.
type Metrics struct {
	reg *prometheus.Registry

	SendsTotal       *prometheus.CounterVec
	SendDuration     prometheus.Histogram
	BroadcastsTotal  *prometheus.CounterVec
	BroadcastsActive prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all metrics on a private registry and returns the handler
// that serves it.
func New() (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavecast_sends_total",
			Help: "Send attempts by result (ok, failed).",
		}, []string{"result"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wavecast_send_duration_seconds",
			Help:    "Duration of one counted send attempt, retries included.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavecast_broadcasts_total",
			Help: "Finished broadcasts by result (completed, killed, failed, rejected).",
		}, []string{"result"}),
		BroadcastsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wavecast_broadcasts_active",
			Help: "Broadcasts currently dispatching.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavecast_http_requests_total",
			Help: "Control API requests by route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wavecast_http_request_duration_seconds",
			Help:    "Control API latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.SendsTotal, m.SendDuration, m.BroadcastsTotal, m.BroadcastsActive,
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) SendFinished(ok bool, took time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.SendsTotal.WithLabelValues(result).Inc()
	m.SendDuration.Observe(took.Seconds())
}

func (m *Metrics) BroadcastStarted() { m.BroadcastsActive.Inc() }

func (m *Metrics) BroadcastFinished(result string) {
	m.BroadcastsActive.Dec()
	m.BroadcastsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) BroadcastRejected() {
	m.BroadcastsTotal.WithLabelValues("rejected").Inc()
}

// ObserveHTTP records one API request. route is the matched route pattern,
// not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, code int, took time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
