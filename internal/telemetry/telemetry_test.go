package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordOperation(t *testing.T) {
	m := NewMetrics()
	m.RecordOperation("apply", "Network", "Created", time.Second)
	m.RecordOperation("apply", "Network", "Created", time.Second)
	m.RecordOperation("apply", "Role", "Failed", time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.operations.WithLabelValues("apply", "Network", "Created")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.operations.WithLabelValues("apply", "Role", "Failed")))
}

func TestMetrics_RetriesAndRuns(t *testing.T) {
	m := NewMetrics()
	m.RecordRetry("Table")
	m.RecordRetry("Table")
	m.RecordRun("apply", false, 2*time.Second)
	m.SetDrift(3)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.retries.WithLabelValues("Table")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("apply", "failure")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.drift))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOperation("apply", "Network", "Created", time.Second)
		m.RecordRetry("Network")
		m.RecordRun("apply", true, time.Second)
		m.SetDrift(1)
	})
	assert.NoError(t, m.WriteFile("ignored.prom"))
}

func TestMetrics_WriteFile(t *testing.T) {
	m := NewMetrics()
	m.RecordRun("teardown", true, time.Second)

	path := filepath.Join(t.TempDir(), "tierctl.prom")
	require.NoError(t, m.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `tierctl_runs_total{direction="teardown",status="success"} 1`)
}

func TestInitTracing_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(&buf)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "engine.apply")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "engine.apply")
}
