// Package runner assembles the engine from a configuration and drives it:
// plugin discovery, startup validation, the polling loop, bounded shutdown
// and hot reload.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/pingu/pkg/checkers"
	"github.com/supporttools/pingu/pkg/dispatch"
	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/loggers"
	"github.com/supporttools/pingu/pkg/monitor"
	"github.com/supporttools/pingu/pkg/notifiers"
	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// NewRegistry returns a registry holding every built-in plugin.
func NewRegistry() (*plugins.Registry, error) {
	registry := plugins.NewRegistry()
	if err := registry.Discover(checkers.Source(), notifiers.Source(), loggers.Source()); err != nil {
		return nil, err
	}
	return registry, nil
}

// Engine is one assembled monitoring pipeline. It is built from a single
// configuration and never mutated; a reload builds a new Engine.
type Engine struct {
	config     *types.PinguConfig
	monitor    *monitor.Monitor
	dispatcher *dispatch.Dispatcher
	tasks      *dispatch.TaskGroup
	closers    []namedCloser
	log        *logrus.Entry
}

// recoveryNotifier is implemented by notifiers that act on ONLINE results
// for a fixed set of hosts, such as UnifiPoe cancelling a pending power cycle.
type recoveryNotifier interface {
	RecoveryHosts() []string
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// Build validates cfg against registry and instantiates every plugin it
// names. Any error wraps types.ErrConfig or is a plugin configuration error;
// resources created before the failure are released.
func Build(ctx context.Context, registry *plugins.Registry, cfg *types.PinguConfig) (engine *Engine, err error) {
	if err := cfg.ValidateWithRegistry(registry); err != nil {
		return nil, err
	}

	e := &Engine{
		config: cfg,
		log:    logger.Component("runner"),
	}
	defer func() {
		if err != nil {
			e.closeAll()
		}
	}()

	env := registry.Env()

	recipients := make([]dispatch.Recipient, 0, len(cfg.Notifiers))
	recoveryHosts := make(map[string]string)
	for _, nc := range cfg.Notifiers {
		notifier, err := registry.InstantiateNotifier(ctx, nc)
		if err != nil {
			return nil, err
		}
		e.track(nc.Type, notifier)
		if rn, ok := notifier.(recoveryNotifier); ok {
			for _, host := range rn.RecoveryHosts() {
				recoveryHosts[host] = nc.Type
			}
		}
		recipients = append(recipients, dispatch.Recipient{Name: nc.Type, Notifier: notifier})
	}

	sinks := make([]dispatch.Sink, 0, len(cfg.Loggers))
	for _, lc := range cfg.Loggers {
		sink, err := registry.InstantiateLogger(ctx, lc)
		if err != nil {
			return nil, err
		}
		e.track(lc.Type, sink)
		sinks = append(sinks, dispatch.Sink{Name: lc.Type, Logger: sink})
	}

	checkerList := make([]types.Checker, 0, len(cfg.Devices))
	timeouts := make(map[string]time.Duration)
	for _, device := range cfg.Devices {
		checker, err := registry.InstantiateChecker(ctx, device)
		if err != nil {
			return nil, err
		}
		e.track(device.Name, checker)
		checkerList = append(checkerList, checker)
		if device.Timeout > 0 {
			timeouts[device.Name] = device.Timeout.Std()
		}
	}

	for _, descriptor := range unsubscribedRecoveries(checkerList, recoveryHosts) {
		e.log.WithFields(logrus.Fields{
			"device":   descriptor.Name,
			"host":     descriptor.Host,
			"notifier": recoveryHosts[descriptor.Host],
		}).Warn("Device does not subscribe to ONLINE, the notifier will never see it recover")
	}

	settings := cfg.Settings
	maxRetries := types.DefaultMaxNotifyRetries
	if settings.MaxNotifyRetries != nil {
		maxRetries = *settings.MaxNotifyRetries
	}

	e.tasks = dispatch.NewTaskGroup(context.Background())
	e.dispatcher = dispatch.New(recipients, sinks, e.tasks, dispatch.Options{
		NotifyTimeout: settings.NotifyTimeout.Std(),
		LogTimeout:    settings.LogTimeout.Std(),
		MaxRetries:    maxRetries,
		MaxRetryDelay: settings.MaxRetryDelay.Std(),
		Metrics:       env.Metrics,
	})

	e.monitor, err = monitor.New(checkerList, e.dispatcher, monitor.Options{
		Interval:     settings.Interval.Std(),
		CheckTimeout: settings.CheckTimeout.Std(),
		Timeouts:     timeouts,
		Metrics:      env.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrConfig, err)
	}

	e.log.WithFields(logrus.Fields{
		"devices":   len(checkerList),
		"notifiers": len(recipients),
		"loggers":   len(sinks),
	}).Info("Engine assembled")
	return e, nil
}

// unsubscribedRecoveries returns the devices watched by a recovery notifier
// that are not subscribed to ONLINE transitions.
func unsubscribedRecoveries(checkerList []types.Checker, recoveryHosts map[string]string) []types.CheckerDescriptor {
	var missing []types.CheckerDescriptor
	for _, checker := range checkerList {
		descriptor := checker.Descriptor()
		if _, watched := recoveryHosts[descriptor.Host]; watched && !descriptor.Subscribed(types.StateOnline) {
			missing = append(missing, descriptor)
		}
	}
	return missing
}

// release closes the plugins of an engine that never ran.
func (e *Engine) release() {
	e.tasks.Close()
	_ = e.closeAll()
}

// track remembers plugins holding resources so Shutdown can release them.
func (e *Engine) track(name string, plugin interface{}) {
	if closer, ok := plugin.(io.Closer); ok {
		e.closers = append(e.closers, namedCloser{name: name, closer: closer})
	}
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *types.PinguConfig {
	return e.config
}

// Monitor returns the polling loop.
func (e *Engine) Monitor() *monitor.Monitor {
	return e.monitor
}

// Dispatcher returns the fan-out stage.
func (e *Engine) Dispatcher() *dispatch.Dispatcher {
	return e.dispatcher
}

// Run polls until ctx is cancelled, then shuts down. Dispatch work still in
// flight gets up to the configured shutdownTimeout to finish.
func (e *Engine) Run(ctx context.Context) error {
	runErr := e.monitor.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.config.Settings.ShutdownTimeout.Std())
	defer cancel()
	return errors.Join(runErr, e.Shutdown(shutdownCtx))
}

// Shutdown waits for detached dispatch tasks until ctx ends, then closes
// every plugin. The monitor loop must already have returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	var waitErr error
	if err := e.tasks.Wait(ctx); err != nil {
		waitErr = fmt.Errorf("waiting for dispatch tasks: %w", err)
	}
	e.tasks.Close()

	counters := e.dispatcher.Counters()
	e.log.WithFields(logrus.Fields{
		"delivered":    counters.Delivered,
		"failed":       counters.Failed,
		"retries":      counters.Retries,
		"logs_written": counters.LogsSucceeded,
		"logs_failed":  counters.LogsFailed,
		"task_errors":  e.tasks.Failures(),
	}).Info("Engine stopped")

	return errors.Join(waitErr, e.closeAll())
}

func (e *Engine) closeAll() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		c := e.closers[i]
		if err := c.closer.Close(); err != nil {
			e.log.WithError(err).WithField("plugin", c.name).Warn("Failed to close plugin")
			errs = append(errs, fmt.Errorf("closing %s: %w", c.name, err))
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
