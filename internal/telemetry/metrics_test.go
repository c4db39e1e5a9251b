package telemetry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics("lakestack")

	m.RunCompleted("apply", "partial", 2*time.Second)
	m.NodeCompleted("CREATE", "Ready", time.Second)
	m.NodeCompleted("CREATE", "Failed", time.Second)
	m.ProviderCall("memory", "create", nil)
	m.ProviderCall("memory", "create", errors.New("boom"))
	m.ProviderRetries("memory", 3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsCompleted.WithLabelValues("apply", "partial")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.nodesCompleted.WithLabelValues("CREATE", "Failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.providerCalls.WithLabelValues("memory", "create", "error")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.providerRetries.WithLabelValues("memory")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RunCompleted("apply", "success", time.Second)
	m.NodeCompleted("NOOP", "Ready", 0)
	m.ProviderCall("aws", "read", nil)
	assert.NoError(t, m.WriteFile("/nonexistent/metrics.prom"))
	assert.Nil(t, m.Registry())
}

func TestMetrics_WriteFile(t *testing.T) {
	m := NewMetrics("lakestack")
	m.RunCompleted("destroy", "success", time.Second)

	path := filepath.Join(t.TempDir(), "lakestack.prom")
	require.NoError(t, m.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `lakestack_runs_completed_total{command="destroy",status="success"} 1`)
}
