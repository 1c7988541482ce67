// Package metrics provides Prometheus instrumentation for memcap.
//
// The package exposes pre-registered collectors for memory reservations,
// releases, cap violations and task execution, plus small typed handles
// (MemoryCollector, TaskCollector) that bind the label values of one query
// so the hot reservation path does not rebuild label slices.
//
// # Basic Usage
//
//	collector := metrics.NewMemoryCollector("query-42")
//	collector.ObserveReservation("operator", 1<<20, metrics.StatusSuccess)
//	collector.SetReservedBytes(root.CurrentBytes(), root.PeakBytes())
//
// Passing the collector to memory.WithMetrics wires it into every pool of
// the query.
//
// # Metric Types
//
// Counter: reservations, releases, cap violations, underflows
// Gauge: bytes currently reserved at the query root, active drivers
// Histogram: size distribution of reservation requests
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reservation outcomes used as the status label
const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
	StatusAborted  = "aborted"
)

var (
	// Reservations counts reservation attempts by scope kind and outcome.
	// Labels: query, scope, status (success/rejected/aborted)
	Reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcap",
			Name:      "reservations_total",
			Help:      "Total number of memory reservation attempts",
		},
		[]string{"query", "scope", "status"},
	)

	// Releases counts release calls by scope kind.
	Releases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcap",
			Name:      "releases_total",
			Help:      "Total number of memory releases",
		},
		[]string{"query", "scope"},
	)

	// ReservationBytes tracks the distribution of requested reservation sizes.
	ReservationBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memcap",
			Name:      "reservation_bytes",
			Help:      "Size of memory reservation requests in bytes",
			Buckets: []float64{
				1 << 10, // 1KB
				1 << 14, // 16KB
				1 << 17, // 128KB
				1 << 20, // 1MB
				1 << 22, // 4MB
				1 << 23, // 8MB
				1 << 26, // 64MB
				1 << 30, // 1GB
			},
		},
		[]string{"query"},
	)

	// CapExceeded counts reservations rejected by a ceiling.
	// Labels: query, ceiling (user/system/total)
	CapExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcap",
			Name:      "cap_exceeded_total",
			Help:      "Total number of reservations rejected by a memory cap",
		},
		[]string{"query", "ceiling"},
	)

	// ReleaseUnderflows counts releases larger than the tracked usage.
	ReleaseUnderflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcap",
			Name:      "release_underflows_total",
			Help:      "Total number of releases exceeding the tracked usage",
		},
		[]string{"query"},
	)

	// ReservedBytes is the number of bytes currently reserved at the query root.
	ReservedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memcap",
			Name:      "reserved_bytes",
			Help:      "Bytes currently reserved by a query",
		},
		[]string{"query"},
	)

	// PeakBytes is the highest number of bytes reserved at the query root.
	PeakBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memcap",
			Name:      "peak_bytes",
			Help:      "Peak bytes reserved by a query",
		},
		[]string{"query"},
	)

	// Tasks counts finished tasks by final state.
	Tasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcap",
			Name:      "tasks_total",
			Help:      "Total number of finished tasks by final state",
		},
		[]string{"state"},
	)

	// ActiveDrivers tracks the number of running drivers per task.
	ActiveDrivers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memcap",
			Name:      "active_drivers",
			Help:      "Number of drivers currently running",
		},
		[]string{"task"},
	)
)

// MemoryCollector records memory accounting metrics for a single query.
type MemoryCollector struct {
	query      string
	histogram  prometheus.Observer
	reserved   prometheus.Gauge
	peak       prometheus.Gauge
	underflows prometheus.Counter
}

// NewMemoryCollector creates a collector bound to the given query id.
func NewMemoryCollector(query string) *MemoryCollector {
	return &MemoryCollector{
		query:      query,
		histogram:  ReservationBytes.WithLabelValues(query),
		reserved:   ReservedBytes.WithLabelValues(query),
		peak:       PeakBytes.WithLabelValues(query),
		underflows: ReleaseUnderflows.WithLabelValues(query),
	}
}

// Query returns the query id the collector is bound to
func (c *MemoryCollector) Query() string {
	return c.query
}

// ObserveReservation records one reservation attempt of the given size.
func (c *MemoryCollector) ObserveReservation(scope string, bytes int64, status string) {
	if c == nil {
		return
	}
	Reservations.WithLabelValues(c.query, scope, status).Inc()
	c.histogram.Observe(float64(bytes))
}

// ObserveRelease records one release.
func (c *MemoryCollector) ObserveRelease(scope string) {
	if c == nil {
		return
	}
	Releases.WithLabelValues(c.query, scope).Inc()
}

// ObserveCapExceeded records a ceiling violation.
func (c *MemoryCollector) ObserveCapExceeded(ceiling string) {
	if c == nil {
		return
	}
	CapExceeded.WithLabelValues(c.query, ceiling).Inc()
}

// ObserveUnderflow records a release underflow.
func (c *MemoryCollector) ObserveUnderflow() {
	if c == nil {
		return
	}
	c.underflows.Inc()
}

// SetReservedBytes publishes the root's current and peak reservation.
func (c *MemoryCollector) SetReservedBytes(current, peak int64) {
	if c == nil {
		return
	}
	c.reserved.Set(float64(current))
	c.peak.Set(float64(peak))
}

// TaskCollector records execution metrics for a task.
type TaskCollector struct {
	task    string
	drivers prometheus.Gauge
}

// NewTaskCollector creates a collector bound to the given task id.
func NewTaskCollector(task string) *TaskCollector {
	return &TaskCollector{
		task:    task,
		drivers: ActiveDrivers.WithLabelValues(task),
	}
}

// DriverStarted increments the active driver gauge
func (c *TaskCollector) DriverStarted() {
	c.drivers.Inc()
}

// DriverFinished decrements the active driver gauge
func (c *TaskCollector) DriverFinished() {
	c.drivers.Dec()
}

// TaskFinished records the final state of the task
func (c *TaskCollector) TaskFinished(state string) {
	Tasks.WithLabelValues(state).Inc()
	ActiveDrivers.DeleteLabelValues(c.task)
}
