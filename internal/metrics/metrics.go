// Package metrics exposes Prometheus collectors for the scrape dispatch service.
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
	scrapeJobsTotal            *prometheus.CounterVec
	scrapeFetchesTotal         *prometheus.CounterVec
	scrapeFetchBytesTotal      *prometheus.CounterVec
	scrapeJobDurationSeconds   *prometheus.HistogramVec
	scrapeActiveWorkers        prometheus.Gauge
	scrapeRateLimitDelays      *prometheus.HistogramVec
	authEventsTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_jobs_total",
				Help: "Jobs that reached a queue transition, labeled by status.",
			},
			[]string{"status"},
		)

		scrapeFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_fetches_total",
				Help: "Fetch Service calls, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scrapeFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_fetch_bytes_total",
				Help: "Content bytes returned by the Fetch Service, labeled by site.",
			},
			[]string{"site"},
		)

		scrapeJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_job_duration_seconds",
				Help:    "Wall time a worker spent on one delivery, labeled by outcome.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		)

		scrapeActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		scrapeRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		authEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_events_total",
				Help: "Authentication events, labeled by event and outcome.",
			},
			[]string{"event", "outcome"},
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

// SanitizeSite extracts a lowercase hostname for use as a label value.
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

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	scrapeJobsTotal.WithLabelValues(status).Inc()
}

// ObserveJobDuration records how long one delivery took.
func ObserveJobDuration(outcome string, d time.Duration) {
	Init()
	scrapeJobDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveFetch records a Fetch Service call.
func ObserveFetch(site, outcome string, bytesFetched int) {
	Init()
	label := SanitizeSite(site)
	scrapeFetchesTotal.WithLabelValues(label, outcome).Inc()
	if bytesFetched > 0 {
		scrapeFetchBytesTotal.WithLabelValues(label).Add(float64(bytesFetched))
	}
}

// ObserveAuth records a register, login, refresh or logout attempt.
func ObserveAuth(event, outcome string) {
	Init()
	authEventsTotal.WithLabelValues(event, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	scrapeActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	scrapeActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	scrapeRateLimitDelays.WithLabelValues(domain).Observe(duration.Seconds())
}
