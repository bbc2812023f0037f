package shm

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	require.NoError(t, RegisterMetrics(reg))

	ctx := context.Background()
	dir := t.TempDir()
	created := counterValue(t, operationsTotal.WithLabelValues("create", "ok"))
	missing := counterValue(t, operationsTotal.WithLabelValues("attach", NotFound.String()))
	destroyed := counterValue(t, payloadsDestroyed)

	p, err := Create(ctx, "metrics", counter{}, WithDir(dir))
	require.NoError(t, err)
	_, err = Attach[counter](ctx, "metrics-missing", WithDir(dir))
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var live *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "shmptr_live_lineages" {
			live = f
		}
	}
	require.NotNil(t, live)
	assert.GreaterOrEqual(t, live.GetMetric()[0].GetGauge().GetValue(), 1.0)

	p.Clear()
	assert.Equal(t, created+1, counterValue(t, operationsTotal.WithLabelValues("create", "ok")))
	assert.Equal(t, missing+1, counterValue(t, operationsTotal.WithLabelValues("attach", NotFound.String())))
	assert.Equal(t, destroyed+1, counterValue(t, payloadsDestroyed))
}

func TestLiveRegistry(t *testing.T) {
	track("reg-a")
	track("reg-a")
	track("reg-b")
	assert.Equal(t, 2, Live()["reg-a"])
	assert.GreaterOrEqual(t, LiveCount(), 3)

	untrack("reg-a")
	untrack("reg-a")
	untrack("reg-b")
	_, ok := Live()["reg-a"]
	assert.False(t, ok)
	_, ok = Live()["reg-b"]
	assert.False(t, ok)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(nil)
	old := int(level.Load())
	defer SetLogLevel(old)

	SetLogLevel(LevelInfo)
	internalLogger.debugf("hidden %d", 1)
	internalLogger.infof("shown %d", 2)
	internalLogger.errorf("shown %d", 3)
	SetLogLevel(99)
	assert.Equal(t, int32(LevelInfo), level.Load())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Info")
	assert.Contains(t, lines[0], "shown 2")
	assert.Contains(t, lines[0], "metrics_test.go:")
	assert.Contains(t, lines[0], "shmptr")
	assert.Contains(t, lines[1], "Error")
}
