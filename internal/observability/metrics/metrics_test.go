package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCoreMetrics(reg)
	m.ObserveCommand("appointment.request", "ok", 0.01)
	m.ObserveCommand("appointment.request", "scheduling_conflict", 0.02)
	m.ObserveSnapshot(true)
	m.ObserveLockBusy()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["clinic_core_commands_total"])
	assert.True(t, names["clinic_core_command_latency_seconds"])
	assert.True(t, names["clinic_snapshot_saves_total"])
	assert.True(t, names["clinic_core_lock_not_acquired_total"])
}

func TestCoreMetricsNilSafe(t *testing.T) {
	var m *CoreMetrics
	m.ObserveCommand("op", "ok", 0.1)
	m.ObserveSnapshot(false)
	m.ObserveLockBusy()
}
