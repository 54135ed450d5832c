// Package metrics exposes Prometheus collectors for the process watcher.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scansTotal                 *prometheus.CounterVec
	scanDurationSeconds        prometheus.Histogram
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	bulkScansInFlight          prometheus.Gauge
	schedulerRunsTotal         *prometheus.CounterVec
	digestEntriesTotal         prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	realtimeClients            prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procwatch_scans_total",
				Help: "Total number of process scans, labeled by result.",
			},
			[]string{"result"},
		)

		scanDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "procwatch_scan_duration_seconds",
				Help:    "Histogram of single process scan latencies, retry included.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procwatch_fetch_attempts_total",
				Help: "Total number of page fetch attempts, labeled by backend, site and outcome.",
			},
			[]string{"backend", "site", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "procwatch_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by backend.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"backend"},
		)

		bulkScansInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "procwatch_bulk_scans_in_flight",
				Help: "Number of records currently being scanned by a bulk pass.",
			},
		)

		schedulerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procwatch_scheduler_runs_total",
				Help: "Total number of scheduled task runs, labeled by task and result.",
			},
			[]string{"task", "result"},
		)

		digestEntriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "procwatch_digest_entries_total",
				Help: "Total number of history entries included in sent digests.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "procwatch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		realtimeClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "procwatch_realtime_clients",
				Help: "Number of connected websocket listeners.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScan records the outcome of one process scan.
func ObserveScan(result string, duration time.Duration) {
	Init()
	scansTotal.WithLabelValues(result).Inc()
	scanDurationSeconds.Observe(duration.Seconds())
}

// ObserveFetch records a single fetch attempt.
func ObserveFetch(backend, rawURL string, err error, duration time.Duration) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	fetchAttemptsTotal.WithLabelValues(backend, SanitizeSite(rawURL), outcome).Inc()
	fetchDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// IncBulkInFlight increments the bulk scan gauge.
func IncBulkInFlight() {
	Init()
	bulkScansInFlight.Inc()
}

// DecBulkInFlight decrements the bulk scan gauge.
func DecBulkInFlight() {
	Init()
	bulkScansInFlight.Dec()
}

// ObserveSchedulerRun counts a scheduled task run.
func ObserveSchedulerRun(task string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	schedulerRunsTotal.WithLabelValues(task, result).Inc()
}

// ObserveDigest adds the number of entries carried by a sent digest.
func ObserveDigest(entries int) {
	Init()
	if entries > 0 {
		digestEntriesTotal.Add(float64(entries))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// SetRealtimeClients publishes the current websocket listener count.
func SetRealtimeClients(n int) {
	Init()
	realtimeClients.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
