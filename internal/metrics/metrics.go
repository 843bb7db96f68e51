// Package metrics holds the prometheus collectors shared by the pipeline components.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_events_total",
			Help: "Status events submitted to the tracker by outcome.",
		},
		[]string{"result"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transitions_total",
			Help: "Accepted state transitions by kind.",
		},
		[]string{"kind"},
	)
	casRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "state_cas_retries_total",
			Help: "Compare-and-swap attempts that lost to a concurrent writer.",
		},
	)
	binsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregate_bins_written_total",
			Help: "Aggregate bins produced by scope.",
		},
		[]string{"scope"},
	)
	forecastCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecast_cache_requests_total",
			Help: "Forecast lookups by cache outcome.",
		},
		[]string{"outcome"},
	)
	responseCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_response_cache_requests_total",
			Help: "Cached GET lookups by outcome.",
		},
		[]string{"outcome"},
	)
	forecastLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forecast_compute_seconds",
			Help:    "Time spent computing an uncached forecast.",
			Buckets: prometheus.DefBuckets,
		},
	)
	alertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_fired_total",
			Help: "Alert deliveries by result.",
		},
		[]string{"result"},
	)
	broadcastSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_subscribers",
			Help: "Currently registered live subscribers.",
		},
	)
	broadcastDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_dropped_total",
			Help: "Deltas or subscribers dropped by the broadcast service.",
		},
		[]string{"reason"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_job_runs_total",
			Help: "Scheduled job executions by job and result.",
		},
		[]string{"job", "result"},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, httpLatency, eventsSubmitted, transitions, casRetries, binsWritten,
		forecastCache, responseCache, forecastLatency, alertsFired, broadcastSubscribers, broadcastDropped, kafkaConsumerLag, jobRuns)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveHTTP(method, path, status string, d time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpLatency.WithLabelValues(method, path, status).Observe(d.Seconds())
}

func IncEvent(result string) {
	eventsSubmitted.WithLabelValues(result).Inc()
}

func IncTransition(kind string) {
	transitions.WithLabelValues(kind).Inc()
}

func IncCASRetry() {
	casRetries.Inc()
}

func AddBins(scope string, n int) {
	binsWritten.WithLabelValues(scope).Add(float64(n))
}

func IncForecastCache(outcome string) {
	forecastCache.WithLabelValues(outcome).Inc()
}

func IncResponseCache(outcome string) {
	responseCache.WithLabelValues(outcome).Inc()
}

func ObserveForecastLatency(d time.Duration) {
	forecastLatency.Observe(d.Seconds())
}

func IncAlert(result string) {
	alertsFired.WithLabelValues(result).Inc()
}

func SetBroadcastSubscribers(n int) {
	broadcastSubscribers.Set(float64(n))
}

func IncBroadcastDropped(reason string) {
	broadcastDropped.WithLabelValues(reason).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncJobRun(job, result string) {
	jobRuns.WithLabelValues(job, result).Inc()
}
