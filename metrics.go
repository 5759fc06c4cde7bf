package qmgr

import (
	"time"

	"code.hybscloud.com/atomix"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
	"github.com/ehrlich-b/go-qmgr/internal/queue"
)

// LatencyBuckets defines the completion latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks request and fault statistics across every queue of a Manager
type Metrics struct {
	// Submission counters
	Submitted         atomix.Uint64 // Requests accepted
	CommandsSubmitted atomix.Uint64 // Command blocks copied into rings
	UnitSubmitted     [cmdblk.NumUnits]atomix.Uint64

	// Completion counters
	Completed atomix.Uint64 // Requests finalized
	Failed    atomix.Uint64 // Requests finalized with a fault recorded

	// Rejections (capacity errors, nothing mutated)
	QueueFullRejects       atomix.Uint64
	RequestRingFullRejects atomix.Uint64

	// Faults and timeouts
	Faults       atomix.Uint64
	SyncTimeouts atomix.Uint64

	// Queue depth sampled at every submission
	QueueDepthTotal atomix.Uint64
	QueueDepthCount atomix.Uint64
	MaxQueueDepth   atomix.Uint64

	// Performance tracking
	TotalLatencyNs atomix.Uint64
	OpCount        atomix.Uint64

	// Latency histogram buckets (cumulative)
	// Each bucket[i] contains the count of completions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomix.Uint64

	StartTime atomix.Int64 // UnixNano
	StopTime  atomix.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records an accepted request of the given number of commands
func (m *Metrics) RecordSubmit(unit Unit, commands int) {
	m.Submitted.Add(1)
	m.CommandsSubmitted.Add(uint64(commands))
	if unit.Valid() {
		m.UnitSubmitted[unit].Add(1)
	}
}

// RecordReject records a capacity rejection
func (m *Metrics) RecordReject(reason queue.RejectReason) {
	if reason == queue.RejectQueueFull {
		m.QueueFullRejects.Add(1)
	} else {
		m.RequestRingFullRejects.Add(1)
	}
}

// RecordComplete records a finalized request
func (m *Metrics) RecordComplete(latencyNs uint64, faulted bool) {
	m.Completed.Add(1)
	if faulted {
		m.Failed.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFault records a fault reported by an engine
func (m *Metrics) RecordFault() {
	m.Faults.Add(1)
}

// RecordTimeout records a synchronous wait that gave up
func (m *Metrics) RecordTimeout() {
	m.SyncTimeouts.Add(1)
}

// RecordQueueDepth records the number of requests in flight on a queue
func (m *Metrics) RecordQueueDepth(depth uint64) {
	m.QueueDepthTotal.Add(depth)
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwapRelaxed(current, depth) {
			break
		}
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

// Stop marks the manager as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Submitted         uint64
	CommandsSubmitted uint64
	UnitSubmitted     [cmdblk.NumUnits]uint64

	Completed uint64
	Failed    uint64

	QueueFullRejects       uint64
	RequestRingFullRejects uint64

	Faults       uint64
	SyncTimeouts uint64

	AvgQueueDepth float64
	MaxQueueDepth uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	RequestsPerSecond float64
	CommandsPerSecond float64
	RejectRate        float64 // Percentage of submissions refused for capacity
	FaultRate         float64 // Percentage of completions carrying a fault
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submitted:              m.Submitted.Load(),
		CommandsSubmitted:      m.CommandsSubmitted.Load(),
		Completed:              m.Completed.Load(),
		Failed:                 m.Failed.Load(),
		QueueFullRejects:       m.QueueFullRejects.Load(),
		RequestRingFullRejects: m.RequestRingFullRejects.Load(),
		Faults:                 m.Faults.Load(),
		SyncTimeouts:           m.SyncTimeouts.Load(),
		MaxQueueDepth:          m.MaxQueueDepth.Load(),
	}
	for i := range snap.UnitSubmitted {
		snap.UnitSubmitted[i] = m.UnitSubmitted[i].Load()
	}

	if count := m.QueueDepthCount.Load(); count > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(count)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.RequestsPerSecond = float64(snap.Completed) / uptimeSeconds
		snap.CommandsPerSecond = float64(snap.CommandsSubmitted) / uptimeSeconds
	}

	rejects := snap.QueueFullRejects + snap.RequestRingFullRejects
	if attempts := snap.Submitted + rejects; attempts > 0 {
		snap.RejectRate = float64(rejects) / float64(attempts) * 100.0
	}
	if snap.Completed > 0 {
		snap.FaultRate = float64(snap.Failed) / float64(snap.Completed) * 100.0
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

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
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

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Submitted.Store(0)
	m.CommandsSubmitted.Store(0)
	for i := range m.UnitSubmitted {
		m.UnitSubmitted[i].Store(0)
	}
	m.Completed.Store(0)
	m.Failed.Store(0)
	m.QueueFullRejects.Store(0)
	m.RequestRingFullRejects.Store(0)
	m.Faults.Store(0)
	m.SyncTimeouts.Store(0)
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

// Observer allows pluggable metrics collection. Calls arrive concurrently
// from producers and from each queue's consumer, so implementations must
// be safe for concurrent use and must not block.
type Observer = queue.Observer

// RejectReason classifies a capacity rejection
type RejectReason = queue.RejectReason

const (
	RejectQueueFull       = queue.RejectQueueFull
	RejectRequestRingFull = queue.RejectRequestRingFull
)

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(Unit, int)                   {}
func (NoOpObserver) ObserveReject(Unit, RejectReason)          {}
func (NoOpObserver) ObserveComplete(Unit, time.Duration, bool) {}
func (NoOpObserver) ObserveFault(Unit, uint32)                 {}
func (NoOpObserver) ObserveTimeout(Unit)                       {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(unit Unit, commands int) {
	o.metrics.RecordSubmit(unit, commands)
}

func (o *MetricsObserver) ObserveReject(_ Unit, reason RejectReason) {
	o.metrics.RecordReject(reason)
}

func (o *MetricsObserver) ObserveComplete(_ Unit, latency time.Duration, faulted bool) {
	o.metrics.RecordComplete(uint64(latency.Nanoseconds()), faulted)
}

func (o *MetricsObserver) ObserveFault(Unit, uint32) {
	o.metrics.RecordFault()
}

func (o *MetricsObserver) ObserveTimeout(Unit) {
	o.metrics.RecordTimeout()
}

// teeObserver fans events out to the manager's metrics and a caller observer
type teeObserver struct {
	a, b Observer
}

func (t teeObserver) ObserveSubmit(unit Unit, commands int) {
	t.a.ObserveSubmit(unit, commands)
	t.b.ObserveSubmit(unit, commands)
}

func (t teeObserver) ObserveReject(unit Unit, reason RejectReason) {
	t.a.ObserveReject(unit, reason)
	t.b.ObserveReject(unit, reason)
}

func (t teeObserver) ObserveComplete(unit Unit, latency time.Duration, faulted bool) {
	t.a.ObserveComplete(unit, latency, faulted)
	t.b.ObserveComplete(unit, latency, faulted)
}

func (t teeObserver) ObserveFault(unit Unit, status uint32) {
	t.a.ObserveFault(unit, status)
	t.b.ObserveFault(unit, status)
}

func (t teeObserver) ObserveTimeout(unit Unit) {
	t.a.ObserveTimeout(unit)
	t.b.ObserveTimeout(unit)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = teeObserver{}
