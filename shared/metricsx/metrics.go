package metricsx

import (
	"net/http"
	"strconv"
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
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_published_total",
			Help: "Events published to the broker by topic.",
		},
		[]string{"topic"},
	)
	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_processed_total",
			Help: "Events handled by the consumer pipeline by outcome.",
		},
		[]string{"topic", "outcome"},
	)
	processingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_processing_duration_seconds",
			Help:    "End-to-end handling latency per event.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
	duplicatesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_duplicates_skipped_total",
			Help: "Events skipped because the idempotency marker already existed.",
		},
		[]string{"topic"},
	)
	lockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_lock_contention_total",
			Help: "Lock acquisition failures after retries.",
		},
		[]string{"topic"},
	)
	dlqPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_dlq_published_total",
			Help: "Events parked on a dead-letter topic.",
		},
		[]string{"topic"},
	)
	dlqDurable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_dlq_durable_total",
			Help: "Events persisted as durable dead-letter records.",
		},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic and group.",
		},
		[]string{"topic", "group"},
	)
	syncSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_sync_sweeps_total",
			Help: "Reconciliation sweeps by kind and result.",
		},
		[]string{"kind", "result"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB telemetry write failures.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		eventsPublished, eventsProcessed, processingLatency,
		duplicatesSkipped, lockContention,
		dlqPublished, dlqDurable,
		kafkaConsumerLag, syncSweeps, influxWriteFailures,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventsPublished(topic string) {
	eventsPublished.WithLabelValues(topic).Inc()
}

func IncEventsProcessed(topic string, outcome string) {
	eventsProcessed.WithLabelValues(topic, outcome).Inc()
}

func ObserveProcessingLatency(topic string, d time.Duration) {
	processingLatency.WithLabelValues(topic).Observe(d.Seconds())
}

func IncDuplicateSkipped(topic string) {
	duplicatesSkipped.WithLabelValues(topic).Inc()
}

func IncLockContention(topic string) {
	lockContention.WithLabelValues(topic).Inc()
}

func IncDLQPublished(topic string) {
	dlqPublished.WithLabelValues(topic).Inc()
}

func IncDLQDurable() {
	dlqDurable.Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncSyncSweep(kind string, result string) {
	syncSweeps.WithLabelValues(kind, result).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
