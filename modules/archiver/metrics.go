package archiver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
)

// Metric names are consumed by existing dashboards and alerts; treat them as
// an external interface.
type archiverMetrics struct {
	fetchTotal   *prometheus.CounterVec
	fetchSuccess *prometheus.CounterVec
	fetchErrors  *prometheus.CounterVec

	uploadTotal   *prometheus.CounterVec
	uploadSuccess *prometheus.CounterVec
	uploadErrors  *prometheus.CounterVec

	processedBytes *prometheus.CounterVec

	fetchDuration  *prometheus.HistogramVec
	fetchBytes     *prometheus.HistogramVec
	uploadDuration *prometheus.HistogramVec

	schedulerDelay *prometheus.HistogramVec
	queueDelay     *prometheus.HistogramVec
	totalDelay     *prometheus.HistogramVec
	processingTime *prometheus.HistogramVec

	activeFeeds   prometheus.Gauge
	schedulerJobs prometheus.Gauge
	lastFetch     *prometheus.GaugeVec
}

var feedLabels = []string{"feed_id", "feed_type", "agency"}

func newArchiverMetrics(reg prometheus.Registerer) *archiverMetrics {
	factory := promauto.With(reg)

	return &archiverMetrics{
		fetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rt_fetch_total",
			Help: "Scheduler ticks dispatched per feed.",
		}, feedLabels),
		fetchSuccess: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rt_fetch_success_total",
			Help: "Fetches that returned a 2xx response.",
		}, feedLabels),
		fetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rt_fetch_errors_total",
			Help: "Fetches that failed after classification and retries.",
		}, append(feedLabels, "error_type")),

		uploadTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rt_upload_total",
			Help: "Uploads started.",
		}, feedLabels),
		uploadSuccess: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rt_upload_success_total",
			Help: "Uploads that completed.",
		}, feedLabels),
		uploadErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rt_upload_errors_total",
			Help: "Uploads that failed after retries.",
		}, append(feedLabels, "error_type")),

		processedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rt_processed_bytes_total",
			Help: "Payload bytes fetched and archived.",
		}, feedLabels),

		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfs_rt_fetch_duration_seconds",
			Help:    "Time to fetch a feed.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, feedLabels),
		fetchBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfs_rt_fetch_bytes",
			Help:    "Response size in bytes.",
			Buckets: []float64{1_000, 10_000, 50_000, 100_000, 500_000, 1_000_000},
		}, feedLabels),
		uploadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfs_rt_upload_duration_seconds",
			Help:    "Time to upload a payload and its sidecar.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, feedLabels),

		schedulerDelay: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfs_rt_scheduler_delay_seconds",
			Help:    "Lag between a tick's scheduled time and its dispatch.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, feedLabels),
		queueDelay: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfs_rt_queue_delay_seconds",
			Help:    "Wait for a concurrency permit.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, feedLabels),
		totalDelay: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfs_rt_total_delay_seconds",
			Help:    "Lag between a tick's scheduled time and work start.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, feedLabels),
		processingTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfs_rt_processing_time_seconds",
			Help:    "Work start through successful upload.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, feedLabels),

		activeFeeds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gtfs_rt_active_feeds",
			Help: "Feeds owned by this replica.",
		}),
		schedulerJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gtfs_rt_scheduler_jobs",
			Help: "Feed timers currently scheduled.",
		}),
		lastFetch: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gtfs_rt_last_fetch_timestamp",
			Help: "Unix time of the last fetch attempt outcome per feed.",
		}, []string{"feed_id"}),
	}
}

func specLabels(spec *catalog.FeedSpec) []string {
	return []string{spec.ID, string(spec.FeedType), spec.AgencyID}
}
