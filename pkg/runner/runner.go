package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/metrics"
	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/reload"
	"github.com/supporttools/pingu/pkg/types"
)

// Options configures a Runner.
type Options struct {
	// ConfigPath is watched for changes when the configuration enables
	// reload. It may be empty for an in-memory configuration.
	ConfigPath string

	// ForceDebug keeps the log level at debug across reloads.
	ForceDebug bool

	// Registry defaults to NewRegistry().
	Registry *plugins.Registry

	// Registerer and Gatherer default to a fresh metrics.NewRegistry().
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Runner owns the active Engine and replaces it on configuration reload.
type Runner struct {
	opts     Options
	registry *plugins.Registry
	metrics  *metrics.Metrics

	mu     sync.Mutex
	config *types.PinguConfig
	engine *Engine
	stop   context.CancelFunc
	done   chan error
}

// New creates a runner and builds the first engine from cfg. Any error is a
// startup error.
func New(ctx context.Context, cfg *types.PinguConfig, opts Options) (*Runner, error) {
	if opts.Registerer == nil || opts.Gatherer == nil {
		reg := metrics.NewRegistry()
		opts.Registerer, opts.Gatherer = reg, reg
	}

	m, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, err
	}

	registry := opts.Registry
	if registry == nil {
		if registry, err = NewRegistry(); err != nil {
			return nil, err
		}
	}
	registry.SetEnv(plugins.Env{Metrics: m, Gatherer: opts.Gatherer})

	r := &Runner{
		opts:     opts,
		registry: registry,
		metrics:  m,
	}
	if err := r.applyLogging(cfg.Settings); err != nil {
		return nil, err
	}

	engine, err := Build(ctx, registry, cfg)
	if err != nil {
		return nil, err
	}
	r.config = cfg
	r.engine = engine
	return r, nil
}

// Config returns the configuration of the active engine.
func (r *Runner) Config() *types.PinguConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Engine returns the active engine.
func (r *Runner) Engine() *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine
}

// Metrics returns the engine collectors.
func (r *Runner) Metrics() *metrics.Metrics {
	return r.metrics
}

// Run drives the active engine until ctx is cancelled, rebuilding it when
// the configuration file changes and reload is enabled. It returns after the
// last engine has shut down.
func (r *Runner) Run(ctx context.Context) error {
	log := logger.Component("runner")

	r.mu.Lock()
	r.startLocked()
	cfg := r.config
	r.mu.Unlock()

	var changes <-chan struct{}
	var coordinator *reload.ReloadCoordinator
	if cfg.Settings.Reload && r.opts.ConfigPath != "" {
		watcher, err := reload.NewConfigWatcher(r.opts.ConfigPath, cfg.Settings.ReloadDebounce.Std())
		if err != nil {
			r.stopEngine()
			return err
		}
		defer watcher.Stop()

		if changes, err = watcher.Start(ctx); err != nil {
			r.stopEngine()
			return err
		}
		coordinator = reload.NewReloadCoordinator(r.opts.ConfigPath, cfg, r.applyReload, r.validate)
		log.WithField("path", r.opts.ConfigPath).Info("Configuration hot reload enabled")
	}

	for {
		r.mu.Lock()
		done := r.done
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return r.stopEngine()

		case err := <-done:
			// The loop only returns on its own when it fails.
			r.mu.Lock()
			r.done = nil
			r.mu.Unlock()
			return err

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if err := coordinator.TriggerReload(ctx); err != nil && !errors.Is(err, reload.ErrReloadInProgress) {
				log.WithError(err).Warn("Configuration reload rejected, previous configuration stays active")
			}
		}
	}
}

// startLocked runs the current engine in its own goroutine.
func (r *Runner) startLocked() {
	engineCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	engine := r.engine
	go func() {
		done <- engine.Run(engineCtx)
	}()
	r.stop = cancel
	r.done = done
}

// stopEngine cancels the running engine and waits for its shutdown.
func (r *Runner) stopEngine() error {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	if done == nil {
		return nil
	}
	return <-done
}

func (r *Runner) validate(cfg *types.PinguConfig) error {
	return cfg.ValidateWithRegistry(r.registry)
}

// applyReload builds the new engine before stopping the old one, so a
// configuration whose plugins fail to start leaves the old engine and the
// old log settings in place.
func (r *Runner) applyReload(ctx context.Context, cfg *types.PinguConfig, diff *reload.ConfigDiff) error {
	engine, err := Build(ctx, r.registry, cfg)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	if diff.SettingsChanged {
		if err := r.applyLogging(cfg.Settings); err != nil {
			engine.release()
			return err
		}
	}

	if err := r.stopEngine(); err != nil {
		logger.Component("runner").WithError(err).Warn("Previous engine stopped with errors")
	}

	for _, removed := range diff.DevicesRemoved {
		r.metrics.ForgetDevice(removed.Name)
	}

	r.mu.Lock()
	r.config = cfg
	r.engine = engine
	r.startLocked()
	r.mu.Unlock()
	return nil
}

func (r *Runner) applyLogging(settings types.GlobalSettings) error {
	level := settings.LogLevel
	if r.opts.ForceDebug {
		level = "debug"
	}
	if err := logger.Initialize(level, settings.LogFormat, settings.LogOutput, settings.LogFile); err != nil {
		return fmt.Errorf("%w: %w", types.ErrConfig, err)
	}
	return nil
}
