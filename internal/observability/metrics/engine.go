// Package metrics provides Prometheus collectors for the streaming engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stream kinds used as the "kind" label.
const (
	KindOutput  = "output"
	KindCapture = "capture"
)

// EngineMetrics contains Prometheus metrics for output and capture streams.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	registry *prometheus.Registry

	// Lifecycle
	activeStreams *prometheus.GaugeVec
	openTotal     *prometheus.CounterVec

	// Output
	outputBytes    *prometheus.CounterVec
	chunksQueued   *prometheus.CounterVec
	backendRejects *prometheus.CounterVec
	writeBlocked   *prometheus.HistogramVec
	freeSlots      *prometheus.GaugeVec
	shortWrites    *prometheus.CounterVec

	// Capture
	captureBytes  *prometheus.CounterVec
	droppedBytes  *prometheus.CounterVec
	droppedBlocks *prometheus.CounterVec
	ringFill      *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewEngineMetrics creates and registers engine metrics.
func NewEngineMetrics(registry *prometheus.Registry) (*EngineMetrics, error) {
	m := &EngineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *EngineMetrics) initMetrics() {
	m.activeStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pcmstream_active_streams",
			Help: "Number of open streams",
		},
		[]string{"kind"},
	)

	m.openTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcmstream_stream_open_total",
			Help: "Total number of stream open attempts",
		},
		[]string{"kind", "status"},
	)

	m.outputBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcmstream_output_bytes_total",
			Help: "Total bytes accepted by output streams",
		},
		[]string{"stream_id"},
	)

	m.chunksQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcmstream_output_chunks_queued_total",
			Help: "Total chunks handed to the backend",
		},
		[]string{"stream_id"},
	)

	m.backendRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcmstream_backend_rejections_total",
			Help: "Total backend rejections by operation",
		},
		[]string{"stream_id", "operation"},
	)

	m.writeBlocked = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pcmstream_output_write_blocked_seconds",
			Help:    "Time a blocking write waited for a free buffer",
			Buckets: prometheus.ExponentialBuckets(BucketStart500us, BucketFactor2, BucketCount12), // 0.5ms to ~1s
		},
		[]string{"stream_id"},
	)

	m.freeSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pcmstream_output_free_buffers",
			Help: "Output buffers owned by the engine",
		},
		[]string{"stream_id"},
	)

	m.shortWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcmstream_output_short_writes_total",
			Help: "Writes that returned fewer bytes than requested",
		},
		[]string{"stream_id", "reason"},
	)

	m.captureBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcmstream_capture_bytes_total",
			Help: "Total bytes delivered by capture backends into the ring",
		},
		[]string{"stream_id"},
	)

	m.droppedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcmstream_capture_dropped_bytes_total",
			Help: "Captured bytes dropped by the overrun policy",
		},
		[]string{"stream_id", "reason"},
	)

	m.droppedBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcmstream_capture_dropped_blocks_total",
			Help: "Captured blocks dropped by the overrun policy",
		},
		[]string{"stream_id", "reason"},
	)

	m.ringFill = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pcmstream_capture_ring_fill_ratio",
			Help: "Fraction of the capture ring holding unread data",
		},
		[]string{"stream_id"},
	)

	m.collectors = []prometheus.Collector{
		m.activeStreams,
		m.openTotal,
		m.outputBytes,
		m.chunksQueued,
		m.backendRejects,
		m.writeBlocked,
		m.freeSlots,
		m.shortWrites,
		m.captureBytes,
		m.droppedBytes,
		m.droppedBlocks,
		m.ringFill,
	}
}

// Describe implements the Collector interface
func (m *EngineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *EngineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordOpen records an open attempt and, on success, one more active stream.
func (m *EngineMetrics) RecordOpen(kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.openTotal.WithLabelValues(kind, StatusError).Inc()
		return
	}
	m.openTotal.WithLabelValues(kind, StatusSuccess).Inc()
	m.activeStreams.WithLabelValues(kind).Inc()
}

// RecordClose records a closed stream and drops its per-stream series.
func (m *EngineMetrics) RecordClose(kind, streamID string) {
	if m == nil {
		return
	}
	m.activeStreams.WithLabelValues(kind).Dec()
	m.freeSlots.DeleteLabelValues(streamID)
	m.ringFill.DeleteLabelValues(streamID)
}

// Output recording methods

// RecordBytesWritten adds to the accepted output byte count.
func (m *EngineMetrics) RecordBytesWritten(streamID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outputBytes.WithLabelValues(streamID).Add(float64(n))
}

// RecordChunkQueued counts a chunk handed to the backend.
func (m *EngineMetrics) RecordChunkQueued(streamID string) {
	if m == nil {
		return
	}
	m.chunksQueued.WithLabelValues(streamID).Inc()
}

// RecordBackendRejection counts a refused backend operation.
func (m *EngineMetrics) RecordBackendRejection(streamID, operation string) {
	if m == nil {
		return
	}
	m.backendRejects.WithLabelValues(streamID, operation).Inc()
}

// RecordWriteBlocked observes how long a writer waited for a buffer.
func (m *EngineMetrics) RecordWriteBlocked(streamID string, seconds float64) {
	if m == nil {
		return
	}
	m.writeBlocked.WithLabelValues(streamID).Observe(seconds)
}

// UpdateFreeSlots sets the engine-owned buffer count.
func (m *EngineMetrics) UpdateFreeSlots(streamID string, free int) {
	if m == nil {
		return
	}
	m.freeSlots.WithLabelValues(streamID).Set(float64(free))
}

// RecordShortWrite counts a partial write. reason is "backpressure",
// "stopped" or "cancelled".
func (m *EngineMetrics) RecordShortWrite(streamID, reason string) {
	if m == nil {
		return
	}
	m.shortWrites.WithLabelValues(streamID, reason).Inc()
}

// Capture recording methods

// RecordCaptureBytes adds to the captured byte count.
func (m *EngineMetrics) RecordCaptureBytes(streamID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.captureBytes.WithLabelValues(streamID).Add(float64(n))
}

// RecordDropped counts a captured block lost to the overrun policy.
func (m *EngineMetrics) RecordDropped(streamID, reason string, bytes int) {
	if m == nil {
		return
	}
	m.droppedBlocks.WithLabelValues(streamID, reason).Inc()
	m.droppedBytes.WithLabelValues(streamID, reason).Add(float64(bytes))
}

// UpdateRingFill sets the ring fill ratio.
func (m *EngineMetrics) UpdateRingFill(streamID string, available, capacity int) {
	if m == nil || capacity <= 0 {
		return
	}
	m.ringFill.WithLabelValues(streamID).Set(float64(available) / float64(capacity))
}
