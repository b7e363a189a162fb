// Package metrics exports Prometheus instrumentation for the dataplane:
// packet throughput/drops, crypto op latency and burst sizes, fiber-pool
// occupancy, and buffer-pool hit rates. Crypto-op samples carry OTel
// trace-ID exemplars when the recording context holds a live span.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all dataplane instrumentation.
type Metrics struct {
	packetsTotal        *prometheus.CounterVec
	packetsDroppedTotal *prometheus.CounterVec

	cryptoOpsTotal   *prometheus.CounterVec
	cryptoOpDuration *prometheus.HistogramVec
	cryptoOpErrors   *prometheus.CounterVec
	cryptoBurstSize  prometheus.Histogram

	pendingCryptoOps    prometheus.Gauge
	fiberPoolAvailable  prometheus.Gauge
	fiberPoolCapacity   prometheus.Gauge
	blockingSyncOpsUsed prometheus.Counter

	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec

	activeControlConnections prometheus.Gauge
	goroutines               prometheus.Gauge
	memoryAllocBytes         prometheus.Gauge
	memorySysBytes           prometheus.Gauge

	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance registered on the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a Metrics instance on a custom registry,
// so tests can avoid collisions with the process-global default registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		packetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_packets_total",
			Help: "Total number of packets that entered the pipeline.",
		}, []string{"core"}),
		packetsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_packets_dropped_total",
			Help: "Total number of packets dropped, by reason.",
		}, []string{"core", "reason"}),
		cryptoOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_crypto_ops_total",
			Help: "Total number of crypto ops that completed at a device or timed out.",
		}, []string{"op"}),
		cryptoOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataplane_crypto_op_duration_seconds",
			Help:    "Time from crypto op submission to completion.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"op"}),
		cryptoOpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_crypto_op_errors_total",
			Help: "Total number of crypto ops that completed with a non-success status.",
		}, []string{"op", "status"}),
		cryptoBurstSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dataplane_crypto_burst_size",
			Help:    "Number of ops submitted to the crypto device per batcher tick.",
			Buckets: prometheus.LinearBuckets(0, 4, 16),
		}),
		pendingCryptoOps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataplane_pending_crypto_ops",
			Help: "Number of crypto ops submitted to the device and not yet drained.",
		}),
		fiberPoolAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataplane_fiber_pool_available",
			Help: "Number of free packet-context slots in the fiber pool.",
		}),
		fiberPoolCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataplane_fiber_pool_capacity",
			Help: "Configured capacity of the fiber pool (0 means unbounded).",
		}),
		blockingSyncOpsUsed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dataplane_blocking_sync_ops_total",
			Help: "Total number of packets that fell back to the blocking synchronous crypto path.",
		}),
		bufferPoolHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_buffer_pool_hits_total",
			Help: "Total number of buffer pool hits.",
		}, []string{"size_class"}),
		bufferPoolMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_buffer_pool_misses_total",
			Help: "Total number of buffer pool misses.",
		}, []string{"size_class"}),
		activeControlConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataplane_control_connections",
			Help: "Number of active connections to the control-plane HTTP server.",
		}),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataplane_goroutines",
			Help: "Number of goroutines.",
		}),
		memoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataplane_memory_alloc_bytes",
			Help: "Bytes allocated and not yet freed.",
		}),
		memorySysBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataplane_memory_sys_bytes",
			Help: "Total bytes of memory obtained from the OS.",
		}),
		hardwareAccelerationEnabled: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dataplane_hardware_acceleration_enabled",
			Help: "Hardware crypto acceleration status (1=enabled, 0=disabled).",
		}, []string{"type"}),
	}
}

// SetHardwareAccelerationStatus records whether a hardware acceleration
// path (e.g. "aes-ni") is active.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// RecordPacket records one packet entering the pipeline on core.
func (m *Metrics) RecordPacket(core string) {
	m.packetsTotal.WithLabelValues(core).Inc()
}

// RecordDrop records one packet dropped on core for reason.
func (m *Metrics) RecordDrop(core, reason string) {
	m.packetsDroppedTotal.WithLabelValues(core, reason).Inc()
}

// RecordCryptoOp records a completed crypto op, with an OTel exemplar when
// ctx carries a valid span.
func (m *Metrics) RecordCryptoOp(ctx context.Context, op string, duration time.Duration, status string, success bool) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.cryptoOpsTotal.WithLabelValues(op).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.cryptoOpsTotal.WithLabelValues(op).Inc()
		}
		if observer, ok := m.cryptoOpDuration.WithLabelValues(op).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.cryptoOpDuration.WithLabelValues(op).Observe(duration.Seconds())
		}
	} else {
		m.cryptoOpsTotal.WithLabelValues(op).Inc()
		m.cryptoOpDuration.WithLabelValues(op).Observe(duration.Seconds())
	}
	if !success {
		m.cryptoOpErrors.WithLabelValues(op, status).Inc()
	}
}

// RecordCryptoBurstSize records how many ops a batcher tick submitted.
func (m *Metrics) RecordCryptoBurstSize(n int) {
	m.cryptoBurstSize.Observe(float64(n))
}

// RecordBlockingSyncOp records one packet that took the blocking
// synchronous crypto path (no fiber context free, async mode off, or
// forced by ForceBlockingEveryN).
func (m *Metrics) RecordBlockingSyncOp() {
	m.blockingSyncOpsUsed.Inc()
}

// SetPendingCryptoOps sets how many crypto ops are currently in flight at
// the device.
func (m *Metrics) SetPendingCryptoOps(n int) { m.pendingCryptoOps.Set(float64(n)) }

// SetFiberPoolOccupancy sets the fiber pool's available/capacity gauges.
func (m *Metrics) SetFiberPoolOccupancy(available, capacity int) {
	m.fiberPoolAvailable.Set(float64(available))
	m.fiberPoolCapacity.Set(float64(capacity))
}

// RecordBufferPoolHit records a buffer pool hit for sizeClass.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a buffer pool miss for sizeClass.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// IncrementControlConnections increments the control-plane connection gauge.
func (m *Metrics) IncrementControlConnections() { m.activeControlConnections.Inc() }

// DecrementControlConnections decrements the control-plane connection gauge.
func (m *Metrics) DecrementControlConnections() { m.activeControlConnections.Dec() }

// UpdateSystemMetrics refreshes goroutine/memory gauges.
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates
// system metrics until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler serving /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts a trace ID from ctx, if one is present, for
// attaching to a Prometheus sample as an exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
