package bacnet

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	value int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

// Add increments the counter by n.
func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge is a value that can go up and down.
type Gauge struct {
	value int64
}

// Set sets the gauge to a value.
func (g *Gauge) Set(v int64) {
	atomic.StoreInt64(&g.value, v)
}

// Inc increments the gauge.
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge.
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

// LatencyHistogram tracks request latency distribution.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets [10]int64 // <1ms, <5ms, <10ms, <50ms, <100ms, <500ms, <1s, <5s, <10s, >=10s
	sum     time.Duration
	count   int64
}

var latencyBounds = [9]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Observe records a latency measurement.
func (h *LatencyHistogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := len(latencyBounds)
	for i, bound := range latencyBounds {
		if d < bound {
			idx = i
			break
		}
	}
	h.buckets[idx]++
	h.sum += d
	h.count++
}

// Mean returns the mean observed latency.
func (h *LatencyHistogram) Mean() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / time.Duration(h.count)
}

// Count returns the number of observations.
func (h *LatencyHistogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Metrics holds all client metrics.
type Metrics struct {
	RequestsSent       Counter
	RequestsSucceeded  Counter
	RequestsFailed     Counter
	RequestsTimedOut   Counter
	RequestsRetried    Counter
	IAmReceived        Counter
	DevicesDiscovered  Counter
	Registrations      Counter
	RegistrationErrors Counter
	DecodeErrors       Counter
	BytesSent          Counter
	BytesReceived      Counter
	PendingRequests    Gauge
	RequestLatency     LatencyHistogram
}

// MetricsSnapshot is a point-in-time copy of all metric values.
type MetricsSnapshot struct {
	RequestsSent       int64
	RequestsSucceeded  int64
	RequestsFailed     int64
	RequestsTimedOut   int64
	RequestsRetried    int64
	IAmReceived        int64
	DevicesDiscovered  int64
	Registrations      int64
	RegistrationErrors int64
	DecodeErrors       int64
	BytesSent          int64
	BytesReceived      int64
	PendingRequests    int64
	MeanLatency        time.Duration
	LatencyCount       int64
}

// Snapshot returns a consistent view of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		RequestsSent:       m.RequestsSent.Value(),
		RequestsSucceeded:  m.RequestsSucceeded.Value(),
		RequestsFailed:     m.RequestsFailed.Value(),
		RequestsTimedOut:   m.RequestsTimedOut.Value(),
		RequestsRetried:    m.RequestsRetried.Value(),
		IAmReceived:        m.IAmReceived.Value(),
		DevicesDiscovered:  m.DevicesDiscovered.Value(),
		Registrations:      m.Registrations.Value(),
		RegistrationErrors: m.RegistrationErrors.Value(),
		DecodeErrors:       m.DecodeErrors.Value(),
		BytesSent:          m.BytesSent.Value(),
		BytesReceived:      m.BytesReceived.Value(),
		PendingRequests:    m.PendingRequests.Value(),
		MeanLatency:        m.RequestLatency.Mean(),
		LatencyCount:       m.RequestLatency.Count(),
	}
}
