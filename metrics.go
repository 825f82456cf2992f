package hetero

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hetercomp/hetero/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks compute and transfer statistics for one Cruncher or
// DevicePool: launches, bytes moved, queue depth, and latency.
type Metrics struct {
	ComputeOps  atomic.Uint64
	TransferOps atomic.Uint64

	ComputeItems  atomic.Uint64 // total work-items dispatched
	TransferBytes atomic.Uint64

	ComputeErrors  atomic.Uint64
	TransferErrors atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64

	prom *promCollectors
}

// NewMetrics creates a new metrics instance with no Prometheus export.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// NewMetricsWithRegistry creates a Metrics instance and registers its
// Prometheus collectors on reg, grounded on the aistore/LLMrecon
// pack's use of github.com/prometheus/client_golang for scrape-based
// export alongside a plain Go snapshot API.
func NewMetricsWithRegistry(reg prometheus.Registerer, namespace string) *Metrics {
	m := NewMetrics()
	m.prom = newPromCollectors(namespace)
	reg.MustRegister(m.prom.computeOps, m.prom.transferBytes, m.prom.queueDepth, m.prom.latencySeconds)
	return m
}

type promCollectors struct {
	computeOps     prometheus.Counter
	transferBytes  prometheus.Counter
	queueDepth     prometheus.Gauge
	latencySeconds prometheus.Histogram
}

func newPromCollectors(namespace string) *promCollectors {
	return &promCollectors{
		computeOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "compute_ops_total", Help: "Total kernel launches.",
		}),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfer_bytes_total", Help: "Total bytes moved host<->device or device<->device.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Last observed outstanding task count.",
		}),
		latencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "op_latency_seconds", Help: "Per-operation latency.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 10, numLatencyBuckets),
		}),
	}
}

// RecordCompute records a kernel launch.
func (m *Metrics) RecordCompute(kernelName string, items uint64, latencyNs uint64, success bool) {
	m.ComputeOps.Add(1)
	if success {
		m.ComputeItems.Add(items)
	} else {
		m.ComputeErrors.Add(1)
	}
	m.recordLatency(latencyNs)
	if m.prom != nil {
		m.prom.computeOps.Inc()
		m.prom.latencySeconds.Observe(float64(latencyNs) / 1e9)
	}
}

// RecordTransfer records a host<->device or device<->device copy.
func (m *Metrics) RecordTransfer(bytes uint64, latencyNs uint64, success bool) {
	m.TransferOps.Add(1)
	if success {
		m.TransferBytes.Add(bytes)
	} else {
		m.TransferErrors.Add(1)
	}
	m.recordLatency(latencyNs)
	if m.prom != nil {
		m.prom.transferBytes.Add(float64(bytes))
		m.prom.latencySeconds.Observe(float64(latencyNs) / 1e9)
	}
}

// RecordQueueDepth records the current outstanding-task count for a
// device or queue.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
	if m.prom != nil {
		m.prom.queueDepth.Set(float64(depth))
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the metrics interval as finished.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	ComputeOps    uint64
	TransferOps   uint64
	ComputeItems  uint64
	TransferBytes uint64

	ComputeErrors  uint64
	TransferErrors uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ComputeThroughput float64 // items per second
	TransferBandwidth float64 // bytes per second
	TotalOps          uint64
	ErrorRate         float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ComputeOps:     m.ComputeOps.Load(),
		TransferOps:    m.TransferOps.Load(),
		ComputeItems:   m.ComputeItems.Load(),
		TransferBytes:  m.TransferBytes.Load(),
		ComputeErrors:  m.ComputeErrors.Load(),
		TransferErrors: m.TransferErrors.Load(),
		MaxQueueDepth:  m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ComputeOps + snap.TransferOps

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ComputeThroughput = float64(snap.ComputeItems) / uptimeSeconds
		snap.TransferBandwidth = float64(snap.TransferBytes) / uptimeSeconds
	}

	totalErrors := snap.ComputeErrors + snap.TransferErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset clears all counters, useful between benchmark runs.
func (m *Metrics) Reset() {
	m.ComputeOps.Store(0)
	m.TransferOps.Store(0)
	m.ComputeItems.Store(0)
	m.TransferBytes.Store(0)
	m.ComputeErrors.Store(0)
	m.TransferErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// NoOpObserver is a no-op implementation of interfaces.Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCompute(string, uint64, uint64, bool) {}
func (NoOpObserver) ObserveTransfer(uint64, uint64, bool)        {}
func (NoOpObserver) ObserveQueueDepth(uint32)                    {}

// MetricsObserver implements interfaces.Observer by recording into a
// Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCompute(kernelName string, items uint64, latencyNs uint64, success bool) {
	o.metrics.RecordCompute(kernelName, items, latencyNs, success)
}

func (o *MetricsObserver) ObserveTransfer(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordTransfer(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var (
	_ interfaces.Observer = (*MetricsObserver)(nil)
	_ interfaces.Observer = (*NoOpObserver)(nil)
)
