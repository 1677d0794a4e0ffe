// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcript_assembly"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Segment ingestion metrics
	SegmentsInserted prometheus.Counter
	SegmentsDup      prometheus.Counter
	SegmentsRejected prometheus.Counter
	SegmentsBuffered prometheus.Gauge

	// Release metrics
	SegmentsReleased  *prometheus.CounterVec
	ReleaseBatchSize  *prometheus.HistogramVec
	BufferWait        *prometheus.HistogramVec
	MergeDuplicates   prometheus.Counter
	DebounceWakeups   prometheus.Counter
	FlushDuration     prometheus.Histogram

	// Transcription metrics
	ChunksQueued    prometheus.Counter
	ChunksCompleted prometheus.Counter
	ChunksDropped   *prometheus.CounterVec
	ChunksLost      prometheus.Counter
	TranscribeTime  *prometheus.HistogramVec
	STTErrors       *prometheus.CounterVec

	// Spool source metrics
	SpoolFiles        prometheus.Counter
	SpoolFilesSkipped prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Persistence metrics
	PersistTotal   *prometheus.CounterVec
	PersistErrors  *prometheus.CounterVec
	PersistLatency *prometheus.HistogramVec

	// Live feed metrics
	FeedClients      prometheus.Gauge
	FeedBroadcasts   prometheus.Counter
	FeedClientErrors prometheus.Counter

	// HTTP metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of recording sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active recording sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of recording sessions in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}),

		// Segment ingestion metrics
		SegmentsInserted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_inserted_total",
			Help:      "Total number of segment events accepted by the engine",
		}),
		SegmentsDup: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_duplicate_total",
			Help:      "Total number of duplicate segment events rejected",
		}),
		SegmentsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_rejected_closed_total",
			Help:      "Total number of segment events rejected after stream close",
		}),
		SegmentsBuffered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segments_buffered",
			Help:      "Number of segments currently held in sequence buffers",
		}),

		// Release metrics
		SegmentsReleased: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_released_total",
			Help:      "Total number of segments released into the canonical transcript",
		}, []string{"path"}),
		ReleaseBatchSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "release_batch_size",
			Help:      "Number of segments per release batch",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 50},
		}, []string{"path"}),
		BufferWait: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "buffer_wait_seconds",
			Help:      "Time segments spent buffered before release",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"path"}),
		MergeDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_duplicates_skipped_total",
			Help:      "Total number of duplicates caught by the sink during merge",
		}),
		DebounceWakeups: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounce_wakeups_total",
			Help:      "Total number of timer-driven release evaluation passes",
		}),
		FlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of force-flush at stream end",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		// Transcription metrics
		ChunksQueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_queued_total",
			Help:      "Total number of audio chunks queued for transcription",
		}),
		ChunksCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_completed_total",
			Help:      "Total number of audio chunks transcribed",
		}),
		ChunksDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Total number of audio chunks dropped before transcription",
		}, []string{"reason"}),
		ChunksLost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_lost_total",
			Help:      "Chunks queued but never completed, detected at session stop",
		}),
		TranscribeTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcribe_duration_seconds",
			Help:      "Time from chunk pickup to transcript emission",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),

		// Spool source metrics
		SpoolFiles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spool_files_total",
			Help:      "Total number of audio chunk files picked up from the spool",
		}),
		SpoolFilesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spool_files_skipped_total",
			Help:      "Total number of spool files skipped as unparseable",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// Persistence metrics
		PersistTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Total number of persistence operations",
		}, []string{"operation"}),
		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Total number of persistence errors",
		}, []string{"operation"}),
		PersistLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_latency_seconds",
			Help:      "Persistence operation latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),

		// Live feed metrics
		FeedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients",
			Help:      "Number of connected live feed WebSocket clients",
		}),
		FeedBroadcasts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_broadcasts_total",
			Help:      "Total number of events broadcast to the live feed",
		}),
		FeedClientErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_client_errors_total",
			Help:      "Total number of feed client write failures",
		}),

		// HTTP metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),
	}
}

// RecordSessionStart records a new recording session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a recording session ending.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSegmentInserted records a segment accepted by the engine.
func (m *Metrics) RecordSegmentInserted() {
	m.SegmentsInserted.Inc()
}

// RecordSegmentDuplicate records a duplicate segment rejection.
func (m *Metrics) RecordSegmentDuplicate() {
	m.SegmentsDup.Inc()
}

// RecordInsertAfterClose records an insert attempt on a closed stream.
func (m *Metrics) RecordInsertAfterClose() {
	m.SegmentsRejected.Inc()
}

// RecordSegmentBuffered records a segment entering a sequence buffer.
func (m *Metrics) RecordSegmentBuffered() {
	m.SegmentsBuffered.Inc()
}

// RecordSegmentsReleased records a release batch leaving the buffer.
func (m *Metrics) RecordSegmentsReleased(path string, count int) {
	m.SegmentsReleased.WithLabelValues(path).Add(float64(count))
	m.ReleaseBatchSize.WithLabelValues(path).Observe(float64(count))
	m.SegmentsBuffered.Sub(float64(count))
}

// RecordBufferWait records how long one segment waited before release.
func (m *Metrics) RecordBufferWait(path string, seconds float64) {
	m.BufferWait.WithLabelValues(path).Observe(seconds)
}

// RecordMergeDuplicates records duplicates caught by the sink itself.
func (m *Metrics) RecordMergeDuplicates(count int) {
	m.MergeDuplicates.Add(float64(count))
}

// RecordDebounceWakeup records a timer-driven evaluation pass.
func (m *Metrics) RecordDebounceWakeup() {
	m.DebounceWakeups.Inc()
}

// RecordFlush records a completed force-flush.
func (m *Metrics) RecordFlush(durationSeconds float64) {
	m.FlushDuration.Observe(durationSeconds)
}

// RecordChunkQueued records an audio chunk entering the work queue.
func (m *Metrics) RecordChunkQueued() {
	m.ChunksQueued.Inc()
}

// RecordChunkCompleted records a transcribed chunk.
func (m *Metrics) RecordChunkCompleted(provider string, durationSeconds float64) {
	m.ChunksCompleted.Inc()
	m.TranscribeTime.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordChunkDropped records a chunk dropped before transcription.
func (m *Metrics) RecordChunkDropped(reason string) {
	m.ChunksDropped.WithLabelValues(reason).Inc()
}

// RecordChunkLoss records chunks that were queued but never completed.
func (m *Metrics) RecordChunkLoss(count int) {
	m.ChunksLost.Add(float64(count))
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordSpoolFile records a chunk file picked up from the spool directory.
func (m *Metrics) RecordSpoolFile() {
	m.SpoolFiles.Inc()
}

// RecordSpoolFileSkipped records an unparseable spool file.
func (m *Metrics) RecordSpoolFileSkipped() {
	m.SpoolFilesSkipped.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordPersist records a persistence operation.
func (m *Metrics) RecordPersist(operation string, err error, latencySeconds float64) {
	m.PersistTotal.WithLabelValues(operation).Inc()
	m.PersistLatency.WithLabelValues(operation).Observe(latencySeconds)
	if err != nil {
		m.PersistErrors.WithLabelValues(operation).Inc()
	}
}

// RecordFeedConnect records a live feed client connecting.
func (m *Metrics) RecordFeedConnect() {
	m.FeedClients.Inc()
}

// RecordFeedDisconnect records a live feed client disconnecting.
func (m *Metrics) RecordFeedDisconnect() {
	m.FeedClients.Dec()
}

// RecordFeedBroadcast records an event fanned out to feed clients.
func (m *Metrics) RecordFeedBroadcast() {
	m.FeedBroadcasts.Inc()
}

// RecordFeedClientError records a feed client write failure.
func (m *Metrics) RecordFeedClientError() {
	m.FeedClientErrors.Inc()
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}
