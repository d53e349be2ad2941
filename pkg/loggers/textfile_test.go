package loggers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

func engineGatherer(t *testing.T) prometheus.Gatherer {
	t.Helper()
	reg := prometheus.NewRegistry()
	ticks := prometheus.NewCounter(prometheus.CounterOpts{Name: "pingu_test_ticks_total", Help: "test"})
	reg.MustRegister(ticks)
	ticks.Add(3)
	return reg
}

func TestTextfileWritesDeviceState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pingu.prom")
	l, err := NewTextfile(context.Background(), plugins.Env{Gatherer: engineGatherer(t)}, map[string]interface{}{"path": path})
	require.NoError(t, err)
	textfile := l.(*Textfile)
	textfile.now = func() time.Time { return time.Unix(1700000000, 0) }

	require.NoError(t, textfile.Log(context.Background(), router))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `pingu_device_state_up{device="router",host="192.168.1.1",type="Ping"} 0`)
	assert.Contains(t, content, `pingu_device_state_change_timestamp_seconds{device="router",host="192.168.1.1",type="Ping"} 1.7e+09`)
	assert.Contains(t, content, "pingu_test_ticks_total 3")

	online := router
	online.State = types.StateOnline
	textfile.now = func() time.Time { return time.Unix(1700000060, 0) }
	require.NoError(t, textfile.Log(context.Background(), online))
	textfile.now = func() time.Time { return time.Unix(1700000120, 0) }
	require.NoError(t, textfile.Log(context.Background(), online))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	content = string(data)
	assert.Contains(t, content, `pingu_device_state_up{device="router",host="192.168.1.1",type="Ping"} 1`)
	assert.Contains(t, content, `pingu_device_state_change_timestamp_seconds{device="router",host="192.168.1.1",type="Ping"} 1.70000006e+09`)
}

func TestTextfileWithoutEngineMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pingu.prom")
	l, err := NewTextfile(context.Background(), plugins.Env{Gatherer: engineGatherer(t)}, map[string]interface{}{
		"path":                   path,
		"include_engine_metrics": false,
	})
	require.NoError(t, err)
	require.NoError(t, l.Log(context.Background(), router))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "pingu_test_ticks_total")
}

func TestTextfileRejectsMissingDirectory(t *testing.T) {
	_, err := NewTextfile(context.Background(), plugins.Env{}, map[string]interface{}{"path": "/nonexistent/dir/pingu.prom"})
	var cfgErr *types.InvalidPluginConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "path", cfgErr.Field)
}
