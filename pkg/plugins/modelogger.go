package plugins

import (
	"context"
	"io"
	"sync"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/metrics"
	"github.com/supporttools/pingu/pkg/types"
)

// ModeLogger applies the EVERY/CHANGE filter in front of a logger sink.
//
// In CHANGE mode a result is written when it differs from the last result this
// instance observed for the same device name; the first observation of a name
// is always written. The last-seen record is updated on every call, whether
// or not the result was written.
type ModeLogger struct {
	name    string
	mode    types.LogMode
	sink    types.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	lastSeen map[string]types.CheckResult
}

// NewModeLogger wraps sink. m may be nil.
func NewModeLogger(name string, mode types.LogMode, sink types.Logger, m *metrics.Metrics) *ModeLogger {
	return &ModeLogger{
		name:     name,
		mode:     mode,
		sink:     sink,
		metrics:  m,
		lastSeen: make(map[string]types.CheckResult),
	}
}

// Name returns the logger type name.
func (l *ModeLogger) Name() string {
	return l.name
}

// Mode returns the configured mode.
func (l *ModeLogger) Mode() types.LogMode {
	return l.mode
}

// Sink returns the wrapped logger.
func (l *ModeLogger) Sink() types.Logger {
	return l.sink
}

// admit decides whether result is written and records it as last seen.
func (l *ModeLogger) admit(result types.CheckResult) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous, seen := l.lastSeen[result.Name]
	l.lastSeen[result.Name] = result

	if l.mode == types.LogEvery {
		return true
	}
	return !seen || previous != result
}

// Log filters result and forwards it to the sink when admitted. A filtered
// result returns nil.
func (l *ModeLogger) Log(ctx context.Context, result types.CheckResult) error {
	if !l.admit(result) {
		l.metrics.ObserveLog(l.name, metrics.LogSkipped)
		logger.Component(l.name).WithField("device", result.Name).Debug("Unchanged result not logged")
		return nil
	}
	if err := l.sink.Log(ctx, result); err != nil {
		l.metrics.ObserveLog(l.name, metrics.LogFailed)
		return err
	}
	l.metrics.ObserveLog(l.name, metrics.LogWritten)
	return nil
}

// Close closes the sink when it holds resources.
func (l *ModeLogger) Close() error {
	if closer, ok := l.sink.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
