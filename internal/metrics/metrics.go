// Package metrics exposes Prometheus collectors for the verification service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	httpInFlight               prometheus.Gauge
	submissionsTotal           *prometheus.CounterVec
	ledgerOperationsTotal      *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge
	dailySlotsUsed             prometheus.Gauge
	notificationsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. Observe helpers are no-ops
// until Init runs, so library code and tests never need a registry.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifyd_http_requests_total",
				Help: "HTTP requests, labeled by method, route pattern and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "verifyd_http_request_duration_seconds",
				Help: "HTTP request latencies, labeled by method and route pattern.",
				// Long-polled submissions can hold a request for most of a minute.
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"method", "route"},
		)

		httpInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "verifyd_http_in_flight_requests",
				Help: "HTTP requests currently being served.",
			},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifyd_submissions_total",
				Help: "Job submissions, labeled by result (accepted, no_credit, limit_reached, throttled, error).",
			},
			[]string{"result"},
		)

		ledgerOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifyd_ledger_operations_total",
				Help: "Credit ledger operations, labeled by operation and result.",
			},
			[]string{"op", "result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "verifyd_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "verifyd_queue_depth",
				Help: "Jobs waiting in the queue.",
			},
		)

		dailySlotsUsed = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "verifyd_daily_slots_used",
				Help: "Verification slots used in the current daily window.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifyd_notifications_total",
				Help: "Outcome notifications published, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSubmission counts a submission attempt by result.
func ObserveSubmission(result string) {
	if submissionsTotal == nil {
		return
	}
	submissionsTotal.WithLabelValues(result).Inc()
}

// ObserveLedger counts a ledger operation; err == nil is recorded as "ok".
func ObserveLedger(op string, err error) {
	if ledgerOperationsTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerOperationsTotal.WithLabelValues(op, result).Inc()
}

// ObserveNotification counts a publish attempt.
func ObserveNotification(err error) {
	if notificationsTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	notificationsTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// SetQueueDepth records the number of waiting jobs.
func SetQueueDepth(n int) {
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

// SetDailySlotsUsed records the slots used in the current window.
func SetDailySlotsUsed(n int) {
	if dailySlotsUsed != nil {
		dailySlotsUsed.Set(float64(n))
	}
}
