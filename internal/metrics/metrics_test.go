package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagersDoNotCollide(t *testing.T) {
	first := NewManager()
	second := NewManager()
	require.NotNil(t, first.GetPrometheusMetrics())
	require.NotNil(t, second.GetPrometheusMetrics())
}

func TestRecordBlockScanned(t *testing.T) {
	m := NewManager().GetPrometheusMetrics()
	m.RecordBlockScanned("ETH", 3, 10*time.Millisecond)
	m.RecordBlockScanned("ETH", 0, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BlocksScannedTotal.WithLabelValues("ETH")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ContractsDiscovered.WithLabelValues("ETH")))
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *PrometheusMetrics
	assert.NotPanics(t, func() {
		m.RecordThrottle("explorer", "getabi")
		m.RecordLoopError("scanner:ETH", "fatal")
		m.UpdateScannerCheckpoint("ETH", 10)
	})
}

func TestUpdateSystemMetrics(t *testing.T) {
	mgr := NewManager()
	mgr.UpdateSystemMetrics()

	families, err := mgr.Gatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["discovery_goroutines_count"])
	assert.True(t, names["go_goroutines"])
}
