// Package metrics exposes Prometheus collectors for the harvest engine.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal          *prometheus.CounterVec
	tasksTotal          *prometheus.CounterVec
	modeItemsTotal      *prometheus.CounterVec
	dedupOutcomesTotal  *prometheus.CounterVec
	accountHealthScore  *prometheus.GaugeVec
	accountsBannedTotal prometheus.Counter
	rateLimitDelays     *prometheus.HistogramVec
	fetchDuration       *prometheus.HistogramVec
	activeWorkers       prometheus.Gauge
	gapTasksTotal       prometheus.Counter
	publishRetriesTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_pages_total",
				Help: "Total pages crawled, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_tasks_total",
				Help: "Total tasks processed, labeled by status.",
			},
			[]string{"status"},
		)

		modeItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_mode_items_total",
				Help: "Items processed per crawl mode, labeled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		dedupOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_dedup_outcomes_total",
				Help: "Dedup chain outcomes, labeled by duplicate type.",
			},
			[]string{"type"},
		)

		accountHealthScore = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvest_account_health_score",
				Help: "Last computed health score per account.",
			},
			[]string{"account_id"},
		)

		accountsBannedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_accounts_banned_total",
				Help: "Accounts transitioned to banned by the engine.",
			},
		)

		rateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delay_seconds",
				Help:    "Histogram of pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"host"},
		)

		fetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by host.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		gapTasksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_gap_tasks_total",
				Help: "Backfill tasks scheduled by gap detection.",
			},
		)

		publishRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_publish_retries_total",
				Help: "Retries of the content-ready publish call.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a raw URL, "unknown" if
// the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler exposing the collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one crawled page.
func ObservePage(rawURL, outcome string) {
	pagesTotal.WithLabelValues(SanitizeHost(rawURL), outcome).Inc()
}

// ObserveTask counts one finished task.
func ObserveTask(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// ObserveModeItem counts one fan-out item.
func ObserveModeItem(mode, outcome string) {
	modeItemsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveDedup counts one dedup verdict.
func ObserveDedup(dupType string) {
	dedupOutcomesTotal.WithLabelValues(dupType).Inc()
}

// SetAccountHealth records the last health evaluation for an account.
func SetAccountHealth(accountID string, score int) {
	accountHealthScore.WithLabelValues(accountID).Set(float64(score))
}

// ObserveAccountBanned counts a ban transition.
func ObserveAccountBanned() {
	accountsBannedTotal.Inc()
}

// ObserveRateLimitDelay records a pacing wait.
func ObserveRateLimitDelay(rawURL string, d time.Duration) {
	rateLimitDelays.WithLabelValues(SanitizeHost(rawURL)).Observe(d.Seconds())
}

// ObserveFetch records a page fetch latency.
func ObserveFetch(rawURL string, d time.Duration) {
	fetchDuration.WithLabelValues(SanitizeHost(rawURL)).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveGapTask counts a scheduled backfill task.
func ObserveGapTask() {
	gapTasksTotal.Inc()
}

// ObservePublishRetry counts one publish retry.
func ObservePublishRetry() {
	publishRetriesTotal.Inc()
}
