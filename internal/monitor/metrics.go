package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks dispatch and execution throughput.
type SystemMetrics struct {
	// Latency histograms
	DispatchLatency *LatencyHistogram
	SubmitLatency   *LatencyHistogram
	StatusLatency   *LatencyHistogram
	APILatency      *LatencyHistogram

	// Counters
	eventsDispatched uint64
	eventsFailed     uint64
	ordersCreated    uint64
	ordersSubmitted  uint64
	submitErrors     uint64
	ordersExecuted   uint64
	ordersCanceled   uint64
	statusErrors     uint64
	apiRequests      uint64
	apiErrors        uint64

	// Gauges
	trackedOrders  int64
	activeManagers int64

	startedAt time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Supports lazy stats computation for better performance (V2 P1-B).
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		DispatchLatency: NewLatencyHistogram(1000),
		SubmitLatency:   NewLatencyHistogram(1000),
		StatusLatency:   NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		startedAt:       time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true // Mark as dirty for lazy recomputation
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
// Uses lazy computation - only recomputes when samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Return cached stats if samples haven't changed
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	// Compute new stats
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordDispatch accounts for one handled event.
func (m *SystemMetrics) RecordDispatch(d time.Duration, err error) {
	m.DispatchLatency.RecordDuration(d)
	if err != nil {
		atomic.AddUint64(&m.eventsFailed, 1)
		return
	}
	atomic.AddUint64(&m.eventsDispatched, 1)
}

// RecordSubmit accounts for one gateway submission.
func (m *SystemMetrics) RecordSubmit(d time.Duration, err error) {
	m.SubmitLatency.RecordDuration(d)
	if err != nil {
		atomic.AddUint64(&m.submitErrors, 1)
		return
	}
	atomic.AddUint64(&m.ordersSubmitted, 1)
}

// RecordStatusCheck accounts for one monitor poll.
func (m *SystemMetrics) RecordStatusCheck(d time.Duration, err error) {
	m.StatusLatency.RecordDuration(d)
	if err != nil {
		atomic.AddUint64(&m.statusErrors, 1)
	}
}

// AddOrdersCreated counts persisted orders, root and derived.
func (m *SystemMetrics) AddOrdersCreated(n int) {
	atomic.AddUint64(&m.ordersCreated, uint64(n))
}

// IncrementExecuted counts orders reaching executed.
func (m *SystemMetrics) IncrementExecuted() {
	atomic.AddUint64(&m.ordersExecuted, 1)
}

// IncrementCanceled counts orders reaching canceled.
func (m *SystemMetrics) IncrementCanceled() {
	atomic.AddUint64(&m.ordersCanceled, 1)
}

// SetTracked records how many orders the monitor loop is watching.
func (m *SystemMetrics) SetTracked(n int) {
	atomic.StoreInt64(&m.trackedOrders, int64(n))
}

// AddActiveManagers adjusts the running dispatcher gauge.
func (m *SystemMetrics) AddActiveManagers(delta int) {
	atomic.AddInt64(&m.activeManagers, int64(delta))
}

// IncrementAPI increments the API request counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the API error counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// MetricsSnapshot is a point-in-time copy of the metrics.
type MetricsSnapshot struct {
	DispatchLatency  LatencyStats `json:"dispatch_latency"`
	SubmitLatency    LatencyStats `json:"submit_latency"`
	StatusLatency    LatencyStats `json:"status_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	EventsDispatched uint64       `json:"events_dispatched"`
	EventsFailed     uint64       `json:"events_failed"`
	OrdersCreated    uint64       `json:"orders_created"`
	OrdersSubmitted  uint64       `json:"orders_submitted"`
	SubmitErrors     uint64       `json:"submit_errors"`
	OrdersExecuted   uint64       `json:"orders_executed"`
	OrdersCanceled   uint64       `json:"orders_canceled"`
	StatusErrors     uint64       `json:"status_errors"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	TrackedOrders    int64        `json:"tracked_orders"`
	ActiveManagers   int64        `json:"active_managers"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Uptime           string       `json:"uptime"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		DispatchLatency:  m.DispatchLatency.Stats(),
		SubmitLatency:    m.SubmitLatency.Stats(),
		StatusLatency:    m.StatusLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		EventsDispatched: atomic.LoadUint64(&m.eventsDispatched),
		EventsFailed:     atomic.LoadUint64(&m.eventsFailed),
		OrdersCreated:    atomic.LoadUint64(&m.ordersCreated),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		SubmitErrors:     atomic.LoadUint64(&m.submitErrors),
		OrdersExecuted:   atomic.LoadUint64(&m.ordersExecuted),
		OrdersCanceled:   atomic.LoadUint64(&m.ordersCanceled),
		StatusErrors:     atomic.LoadUint64(&m.statusErrors),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		TrackedOrders:    atomic.LoadInt64(&m.trackedOrders),
		ActiveManagers:   atomic.LoadInt64(&m.activeManagers),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Uptime:           time.Since(m.startedAt).Truncate(time.Second).String(),
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
