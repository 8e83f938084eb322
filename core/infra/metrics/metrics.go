package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the install and export pipeline.
type Metrics interface {
	IncInstallsAccepted()
	IncInstallsRejected(code string)
	IncInstallsFinished(status string)
	ObserveInstallDuration(status string, durationSeconds float64)
	AddEntriesProcessed(n int)
	IncExports(status string)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics and GatewayMetrics without emitting anything.
type Noop struct{}

func (Noop) IncInstallsAccepted()                           {}
func (Noop) IncInstallsRejected(string)                     {}
func (Noop) IncInstallsFinished(string)                     {}
func (Noop) ObserveInstallDuration(string, float64)         {}
func (Noop) AddEntriesProcessed(int)                        {}
func (Noop) IncExports(string)                              {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	accepted *prometheus.CounterVec
	rejected *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
	entries  prometheus.Counter
	exports  *prometheus.CounterVec
	once     sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_accepted_total",
			Help:      "Archive installs accepted after pre-flight",
		}, nil),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_rejected_total",
			Help:      "Archive installs rejected in pre-flight by error code",
		}, []string{"code"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_finished_total",
			Help:      "Archive installs finished by status",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "install_duration_seconds",
			Help:      "Archive install duration by status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_entries_processed_total",
			Help:      "Archive entries installed",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Box exports by status",
		}, []string{"status"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.accepted, p.rejected, p.finished, p.duration, p.entries, p.exports)
	})
}

func (p *Prom) IncInstallsAccepted() {
	p.accepted.WithLabelValues().Inc()
}

func (p *Prom) IncInstallsRejected(code string) {
	p.rejected.WithLabelValues(code).Inc()
}

func (p *Prom) IncInstallsFinished(status string) {
	p.finished.WithLabelValues(status).Inc()
}

func (p *Prom) ObserveInstallDuration(status string, durationSeconds float64) {
	p.duration.WithLabelValues(status).Observe(durationSeconds)
}

func (p *Prom) AddEntriesProcessed(n int) {
	if n > 0 {
		p.entries.Add(float64(n))
	}
}

func (p *Prom) IncExports(status string) {
	p.exports.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
