package relay

import (
	"fmt"
	"strings"
	"sync"
)

// Metrics aggregates relay counters. Gauges (sessions, publishers,
// observers) come from the registry at render time; only monotonic
// counters live here.
type Metrics struct {
	mu              sync.Mutex
	framesRelayed   uint64
	framesDropped   uint64
	framesDelivered uint64
	denials         uint64
	supersedes      uint64
	timeouts        uint64
}

// NewMetrics creates a zeroed counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveFanOut records one inbound frame, how many observers got it and
// how many deliveries were dropped for a full buffer.
func (m *Metrics) ObserveFanOut(delivered, dropped int) {
	m.mu.Lock()
	m.framesRelayed++
	m.framesDelivered += uint64(delivered)
	m.framesDropped += uint64(dropped)
	m.mu.Unlock()
}

// ObserveDenial counts an admission denial.
func (m *Metrics) ObserveDenial() {
	m.mu.Lock()
	m.denials++
	m.mu.Unlock()
}

// ObserveSupersede counts a publisher replacement.
func (m *Metrics) ObserveSupersede() {
	m.mu.Lock()
	m.supersedes++
	m.mu.Unlock()
}

// ObserveTimeout counts a liveness timeout teardown.
func (m *Metrics) ObserveTimeout() {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()
}

// Render returns the counters plus the given gauges in text exposition
// format for the stats endpoint.
func (m *Metrics) Render(sessions, publishers, observers int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	writeGauge(&b, "relay_sessions_active", sessions)
	writeGauge(&b, "relay_publishers_active", publishers)
	writeGauge(&b, "relay_observers_active", observers)
	writeCounter(&b, "relay_frames_relayed_total", m.framesRelayed)
	writeCounter(&b, "relay_frames_delivered_total", m.framesDelivered)
	writeCounter(&b, "relay_frames_dropped_total", m.framesDropped)
	writeCounter(&b, "relay_admission_denials_total", m.denials)
	writeCounter(&b, "relay_publisher_supersedes_total", m.supersedes)
	writeCounter(&b, "relay_liveness_timeouts_total", m.timeouts)
	return b.String()
}

func writeGauge(b *strings.Builder, name string, v int) {
	fmt.Fprintf(b, "# TYPE %s gauge\n%s %d\n", name, name, v)
}

func writeCounter(b *strings.Builder, name string, v uint64) {
	fmt.Fprintf(b, "# TYPE %s counter\n%s %d\n", name, name, v)
}
