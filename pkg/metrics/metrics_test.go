package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveCheck("router", true, nil, 20*time.Millisecond)
	m.SetPendingActions("UnifiPoe", 0)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pingu_checks_total"])
	assert.True(t, names["pingu_device_up"])
	assert.True(t, names["pingu_check_duration_seconds"])
	assert.True(t, names["pingu_delayed_actions_pending"])
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestUnregister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Unregister(reg)

	_, err = New(reg)
	assert.NoError(t, err)
}

func TestObserveCheck(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.ObserveCheck("nas", true, nil, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeviceUp.WithLabelValues("nas")))

	m.ObserveCheck("nas", false, nil, time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DeviceUp.WithLabelValues("nas")))

	m.ObserveCheck("nas", true, errors.New("timeout"), time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DeviceUp.WithLabelValues("nas")), "errors leave the gauge untouched")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksTotal.WithLabelValues("nas", ResultOnline)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksTotal.WithLabelValues("nas", ResultOffline)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksTotal.WithLabelValues("nas", ResultError)))
}

func TestCounters(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.ObserveTransition("ap", "OFFLINE")
	m.ObserveNotification("Telegram", "success")
	m.ObserveNotification("Telegram", "success")
	m.ObserveLog("Console", LogSkipped)
	m.SetPendingActions("UnifiPoe", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("ap", "OFFLINE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("Telegram", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LogsTotal.WithLabelValues("Console", LogSkipped)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DelayedActionsPending.WithLabelValues("UnifiPoe")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveCheck("router", true, nil, time.Second)
		m.ObserveTransition("router", "ONLINE")
		m.ObserveNotification("Telegram", "failure")
		m.ObserveLog("Console", LogWritten)
		m.SetPendingActions("UnifiPoe", 1)
		m.Unregister(prometheus.NewRegistry())
	})
}

func TestForgetDevice(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.ObserveCheck("old", true, nil, time.Millisecond)
	m.ObserveTransition("old", "ONLINE")
	m.ObserveCheck("kept", true, nil, time.Millisecond)

	m.ForgetDevice("old")

	assert.Equal(t, 1, testutil.CollectAndCount(m.DeviceUp))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ChecksTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(m.TransitionsTotal))

	var nilMetrics *Metrics
	nilMetrics.ForgetDevice("old")
}
