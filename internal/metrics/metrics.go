// Package metrics содержит метрики Prometheus сервиса леджера.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics объединяет счётчики и гистограммы сервиса. Методы безопасны для nil.
type Metrics struct {
	Applies              *prometheus.CounterVec
	ApplyAttempts        prometheus.Histogram
	ApplyDuration        *prometheus.HistogramVec
	CASConflicts         prometheus.Counter
	LedgerWriteFailures  prometheus.Counter
	NotificationsSent    *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
	CacheLookups         *prometheus.CounterVec
	RequestCount         *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
}

// New создаёт метрики и регистрирует их в registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Applies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_applies_total",
				Help: "Total balance mutations by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		ApplyAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_apply_attempts",
				Help:    "Compare-and-set attempts per balance mutation.",
				Buckets: []float64{1, 2, 3, 4, 5, 8},
			},
		),
		ApplyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_apply_duration_seconds",
				Help:    "Balance mutation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		CASConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_cas_conflicts_total",
				Help: "Total lost compare-and-set races.",
			},
		),
		LedgerWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_write_failures_total",
				Help: "Total ledger appends that failed after a committed balance change.",
			},
		),
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_notifications_total",
				Help: "Total notification deliveries by status.",
			},
			[]string{"status"},
		),
		NotificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_notifications_dropped_total",
				Help: "Total notifications dropped because the queue was full.",
			},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analytics_cache_lookups_total",
				Help: "Total analytics cache lookups by result.",
			},
			[]string{"result"},
		),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Applies,
		m.ApplyAttempts,
		m.ApplyDuration,
		m.CASConflicts,
		m.LedgerWriteFailures,
		m.NotificationsSent,
		m.NotificationsDropped,
		m.CacheLookups,
		m.RequestCount,
		m.RequestDuration,
	)
	return m
}

// Handler возвращает HTTP-обработчик для выдачи метрик.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveApply(txType, outcome string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	m.Applies.WithLabelValues(txType, outcome).Inc()
	if attempts > 0 {
		m.ApplyAttempts.Observe(float64(attempts))
	}
	m.ApplyDuration.WithLabelValues(txType).Observe(duration.Seconds())
}

func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.CASConflicts.Inc()
}

func (m *Metrics) IncLedgerWriteFailure() {
	if m == nil {
		return
	}
	m.LedgerWriteFailures.Inc()
}

func (m *Metrics) IncNotification(status string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(status).Inc()
}

func (m *Metrics) IncNotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.RequestCount.WithLabelValues(method, path, code).Inc()
	m.RequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}
