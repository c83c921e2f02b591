package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_Render(t *testing.T) {
	m := NewMetrics()
	m.ObserveFanOut(3, 1)
	m.ObserveFanOut(2, 0)
	m.ObserveDenial()
	m.ObserveSupersede()
	m.ObserveTimeout()

	out := m.Render(2, 1, 3)
	assert.Contains(t, out, "relay_sessions_active 2\n")
	assert.Contains(t, out, "relay_publishers_active 1\n")
	assert.Contains(t, out, "relay_observers_active 3\n")
	assert.Contains(t, out, "relay_frames_relayed_total 2\n")
	assert.Contains(t, out, "relay_frames_delivered_total 5\n")
	assert.Contains(t, out, "relay_frames_dropped_total 1\n")
	assert.Contains(t, out, "relay_admission_denials_total 1\n")
	assert.Contains(t, out, "relay_publisher_supersedes_total 1\n")
	assert.Contains(t, out, "relay_liveness_timeouts_total 1\n")
}
