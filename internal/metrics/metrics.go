// Package metrics owns the Prometheus collectors exposed on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Transitions      *prometheus.CounterVec
	UploadRejections *prometheus.CounterVec
	EditorCommands   *prometheus.CounterVec
	EditorSessions   prometheus.Gauge
}

// New registers every collector on a private registry so tests can build
// as many instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_transitions_total",
				Help: "Review decisions applied, by action and resulting status",
			},
			[]string{"action", "from", "to"},
		),
		UploadRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upload_rejections_total",
				Help: "Uploads refused before or by the storage provider",
			},
			[]string{"kind", "reason"},
		),
		EditorCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "editor_commands_total",
				Help: "Editor commands executed, by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		EditorSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "editor_sessions_open",
			Help: "Editor sessions currently held in memory",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestCounter,
		m.RequestDuration,
		m.Transitions,
		m.UploadRejections,
		m.EditorCommands,
		m.EditorSessions,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.RequestCounter.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTransition(action, from, to string) {
	m.Transitions.WithLabelValues(action, from, to).Inc()
}

func (m *Metrics) ObserveUploadRejection(kind, reason string) {
	m.UploadRejections.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) ObserveEditorCommand(command string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EditorCommands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) SetEditorSessions(n int) {
	m.EditorSessions.Set(float64(n))
}
