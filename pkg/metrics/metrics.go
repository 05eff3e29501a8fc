package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entry table metrics
	EntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_entries_total",
			Help: "Current entry-table size by cache",
		},
		[]string{"cache"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_queue_depth",
			Help: "Current stage queue depth by cache and stage",
		},
		[]string{"cache", "stage"},
	)

	// Storage I/O metrics
	InflightReads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_inflight_reads",
			Help: "Storage reads currently in flight",
		},
		[]string{"cache"},
	)

	InflightWrites = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_inflight_writes",
			Help: "Storage writes currently in flight",
		},
		[]string{"cache"},
	)

	ReadsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_reads_total",
			Help: "Total storage reads by cache and outcome",
		},
		[]string{"cache", "outcome"},
	)

	WritesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_writes_total",
			Help: "Total storage writes by cache and outcome",
		},
		[]string{"cache", "outcome"},
	)

	EvictionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_evictions_total",
			Help: "Total entries evicted",
		},
		[]string{"cache"},
	)

	// Event bus metrics
	EventsEmittedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_events_emitted_total",
			Help: "Total events emitted by cache",
		},
		[]string{"cache"},
	)

	EventsThrottledTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_events_throttled_total",
			Help: "Total events suppressed by log throttling",
		},
		[]string{"cache"},
	)

	// Worker pool metrics
	PoolActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_pool_active",
			Help: "Worker pool tasks currently executing",
		},
		[]string{"cache", "pool"},
	)

	// RRL metrics
	RRLRequestsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_rrl_requests_total",
			Help: "Total RRL requests by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	RRLQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_rrl_queue_depth",
			Help: "RRL requests queued or delayed",
		},
		[]string{"service", "queue"},
	)

	RRLTokensAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_rrl_tokens_available",
			Help: "Rate limiter tokens currently available",
		},
		[]string{"service"},
	)

	// Operation latency metrics
	ReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stash_read_duration_seconds",
			Help:    "Caller-visible read duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache"},
	)

	CollectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stash_status_collection_duration_seconds",
			Help:    "Time taken to collect a status snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EntriesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(InflightReads)
	prometheus.MustRegister(InflightWrites)
	prometheus.MustRegister(ReadsTotal)
	prometheus.MustRegister(WritesTotal)
	prometheus.MustRegister(EvictionsTotal)
	prometheus.MustRegister(EventsEmittedTotal)
	prometheus.MustRegister(EventsThrottledTotal)
	prometheus.MustRegister(PoolActive)
	prometheus.MustRegister(RRLRequestsTotal)
	prometheus.MustRegister(RRLQueueDepth)
	prometheus.MustRegister(RRLTokensAvailable)
	prometheus.MustRegister(ReadDuration)
	prometheus.MustRegister(CollectionDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
