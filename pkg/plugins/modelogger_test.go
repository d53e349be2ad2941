package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/pingu/pkg/metrics"
	"github.com/supporttools/pingu/pkg/types"
)

func result(name string, state types.StateKind) types.CheckResult {
	return types.CheckResult{Name: name, Host: "10.0.0.1", Type: "Ping", State: state}
}

func TestModeLoggerEvery(t *testing.T) {
	sink := &recordingSink{}
	l := NewModeLogger("Console", types.LogEvery, sink, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Log(ctx, result("router", types.StateOnline)))
	}

	assert.Len(t, sink.results(), 3)
}

func TestModeLoggerChange(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	l := NewModeLogger("Console", types.LogChange, sink, m)
	ctx := context.Background()

	sequence := []types.CheckResult{
		result("router", types.StateOnline),  // first sight
		result("router", types.StateOnline),  // unchanged
		result("nas", types.StateOnline),     // first sight of another name
		result("router", types.StateOffline), // changed
		result("router", types.StateOffline), // unchanged
		result("router", types.StateOnline),  // changed back
	}
	for _, r := range sequence {
		require.NoError(t, l.Log(ctx, r))
	}

	assert.Equal(t, []types.CheckResult{
		result("router", types.StateOnline),
		result("nas", types.StateOnline),
		result("router", types.StateOffline),
		result("router", types.StateOnline),
	}, sink.results())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LogsTotal.WithLabelValues("Console", metrics.LogSkipped)))
}

func TestModeLoggerChangeComparesWholeResult(t *testing.T) {
	sink := &recordingSink{}
	l := NewModeLogger("Console", types.LogChange, sink, nil)
	ctx := context.Background()

	first := result("router", types.StateOnline)
	moved := first
	moved.Host = "10.0.0.254"

	require.NoError(t, l.Log(ctx, first))
	require.NoError(t, l.Log(ctx, moved))

	assert.Len(t, sink.results(), 2)
}

type failingSink struct{ err error }

func (s failingSink) Log(ctx context.Context, r types.CheckResult) error { return s.err }

func TestModeLoggerRecordsLastSeenOnSinkError(t *testing.T) {
	cause := errors.New("disk full")
	l := NewModeLogger("File", types.LogChange, failingSink{err: cause}, nil)
	ctx := context.Background()

	assert.ErrorIs(t, l.Log(ctx, result("router", types.StateOnline)), cause)
	assert.NoError(t, l.Log(ctx, result("router", types.StateOnline)), "unchanged result is filtered before the sink")
}

type closingSink struct {
	recordingSink
	closed bool
}

func (s *closingSink) Close() error {
	s.closed = true
	return nil
}

func TestModeLoggerClose(t *testing.T) {
	sink := &closingSink{}
	require.NoError(t, NewModeLogger("Nats", types.LogEvery, sink, nil).Close())
	assert.True(t, sink.closed)

	assert.NoError(t, NewModeLogger("Console", types.LogEvery, &recordingSink{}, nil).Close())
}
