// Package plugins provides the capability registry for Pingu.
//
// The registry holds three factory tables (checkers, notifiers, loggers) keyed
// by the type name used in configuration. Tables are filled from statically
// compiled sources at startup and are read-only once the engine runs:
//
//	registry := plugins.NewRegistry()
//	if err := registry.Discover(checkers.Source(), notifiers.Source(), loggers.Source()); err != nil {
//		return err
//	}
//	checker, err := registry.InstantiateChecker(ctx, device)
package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/supporttools/pingu/pkg/metrics"
	"github.com/supporttools/pingu/pkg/types"
)

// Capability names used in errors and introspection.
const (
	CapabilityChecker  = "checker"
	CapabilityNotifier = "notifier"
	CapabilityLogger   = "logger"
)

// Env carries engine-wide resources handed to every factory. A factory must
// tolerate a zero Env, which is what tests and `pingu validate` pass.
type Env struct {
	// Metrics holds the engine collectors. Plugins that schedule delayed
	// actions report their pending count through it. May be nil.
	Metrics *metrics.Metrics

	// Gatherer exposes the engine metrics to exporting plugins. May be nil.
	Gatherer prometheus.Gatherer
}

// CheckerConfig is what a checker factory receives for one device entry.
type CheckerConfig struct {
	// Type is the checker type name, the "type" field of the device.
	Type string

	// Descriptor identifies the device and carries its event subscriptions.
	// The checker returns it unchanged from Descriptor().
	Descriptor types.CheckerDescriptor

	// Timeout is the per-device check timeout. Zero means the global
	// checkTimeout applies; the monitor enforces either one.
	Timeout time.Duration

	// Options holds every device field that is not a common field. Factories
	// decode it with DecodeOptions and must not retain or modify the map.
	Options map[string]interface{}
}

// CheckerFactory creates a checker for one device. It is called once per
// device entry at engine build time and again on every reload. An error is
// reported as an InvalidPluginConfigError naming the device type.
type CheckerFactory func(ctx context.Context, env Env, cfg CheckerConfig) (types.Checker, error)

// NotifierFactory creates a notifier from its option map.
type NotifierFactory func(ctx context.Context, env Env, options map[string]interface{}) (types.Notifier, error)

// LoggerFactory creates a logger sink from its option map. The "mode" key is
// consumed by the registry and never reaches the factory.
type LoggerFactory func(ctx context.Context, env Env, options map[string]interface{}) (types.Logger, error)

// CheckerInfo registers a checker type.
type CheckerInfo struct {
	// Type is the unique checker type name. It matches the "type" field of
	// a device entry and is case-sensitive.
	Type string

	// Factory creates instances of the checker. Required.
	Factory CheckerFactory

	// Description is shown by `pingu plugins`.
	Description string
}

// NotifierInfo registers a notifier type.
type NotifierInfo struct {
	// Type is the unique notifier type name, used as the key under
	// "notifiers" in the configuration.
	Type string

	// Factory creates instances of the notifier. Required.
	Factory NotifierFactory

	// Description is shown by `pingu plugins`.
	Description string
}

// LoggerInfo registers a logger type.
type LoggerInfo struct {
	// Type is the unique logger type name, used as the key under "loggers"
	// in the configuration.
	Type string

	// Factory creates instances of the logger sink. Required.
	Factory LoggerFactory

	// Description is shown by `pingu plugins`.
	Description string
}

// Source is one statically compiled set of plugin registrations, usually
// returned by the Source function of a plugin package.
type Source struct {
	// Name identifies the source in discovery errors.
	Name string

	Checkers  []CheckerInfo
	Notifiers []NotifierInfo
	Loggers   []LoggerInfo
}

// Summary describes a registered plugin for the `plugins` command.
type Summary struct {
	// Capability is one of CapabilityChecker, CapabilityNotifier or
	// CapabilityLogger.
	Capability string

	Type        string
	Description string
}

// ErrEmptyPluginType is returned when attempting to register a plugin with an empty type.
var ErrEmptyPluginType = errors.New("plugin type cannot be empty")

// ErrNilFactory is returned when attempting to register a plugin with a nil factory.
var ErrNilFactory = errors.New("plugin factory cannot be nil")

// Registry manages plugin registration and instantiation. It is safe for
// concurrent use. Registration happens once at startup, while instantiation
// runs on every engine build, so reads take a shared lock.
type Registry struct {
	// mu protects the factory tables and env.
	mu sync.RWMutex

	// checkers, notifiers and loggers map type names to their registration.
	checkers  map[string]CheckerInfo
	notifiers map[string]NotifierInfo
	loggers   map[string]LoggerInfo

	// env is handed to every factory call.
	env Env
}

// NewRegistry creates a new empty registry. Use Discover to fill it.
func NewRegistry() *Registry {
	return &Registry{
		checkers:  make(map[string]CheckerInfo),
		notifiers: make(map[string]NotifierInfo),
		loggers:   make(map[string]LoggerInfo),
	}
}

// SetEnv sets the resources passed to factories by later Instantiate calls.
func (r *Registry) SetEnv(env Env) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.env = env
}

// Env returns the environment handed to factories.
func (r *Registry) Env() Env {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.env
}

// Discover registers every plugin of every source, in order. The first
// failure aborts discovery; plugins registered before it stay registered.
//
// Discover returns an error wrapping types.ErrPluginDiscovery if any
// registration fails for the reasons listed on RegisterChecker.
func (r *Registry) Discover(sources ...Source) error {
	for _, src := range sources {
		for _, info := range src.Checkers {
			if err := r.RegisterChecker(info); err != nil {
				return fmt.Errorf("%w: source %q: %w", types.ErrPluginDiscovery, src.Name, err)
			}
		}
		for _, info := range src.Notifiers {
			if err := r.RegisterNotifier(info); err != nil {
				return fmt.Errorf("%w: source %q: %w", types.ErrPluginDiscovery, src.Name, err)
			}
		}
		for _, info := range src.Loggers {
			if err := r.RegisterLogger(info); err != nil {
				return fmt.Errorf("%w: source %q: %w", types.ErrPluginDiscovery, src.Name, err)
			}
		}
	}
	return nil
}

func checkRegistration(capability, typeName string, nilFactory bool, exists bool) error {
	if typeName == "" {
		return fmt.Errorf("%w (%s)", ErrEmptyPluginType, capability)
	}
	if nilFactory {
		return fmt.Errorf("%w for %s %q", ErrNilFactory, capability, typeName)
	}
	if exists {
		return fmt.Errorf("%w: %s %q", types.ErrDuplicatePluginName, capability, typeName)
	}
	return nil
}

// RegisterChecker adds a checker type.
//
// RegisterChecker returns an error if:
//   - info.Type is empty (ErrEmptyPluginType)
//   - info.Factory is nil (ErrNilFactory)
//   - a checker with the same type is already registered
//     (types.ErrDuplicatePluginName)
func (r *Registry) RegisterChecker(info CheckerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.checkers[info.Type]
	if err := checkRegistration(CapabilityChecker, info.Type, info.Factory == nil, exists); err != nil {
		return err
	}
	r.checkers[info.Type] = info
	return nil
}

// RegisterNotifier adds a notifier type. It fails for the same reasons as
// RegisterChecker.
func (r *Registry) RegisterNotifier(info NotifierInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.notifiers[info.Type]
	if err := checkRegistration(CapabilityNotifier, info.Type, info.Factory == nil, exists); err != nil {
		return err
	}
	r.notifiers[info.Type] = info
	return nil
}

// RegisterLogger adds a logger type. It fails for the same reasons as
// RegisterChecker.
func (r *Registry) RegisterLogger(info LoggerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.loggers[info.Type]
	if err := checkRegistration(CapabilityLogger, info.Type, info.Factory == nil, exists); err != nil {
		return err
	}
	r.loggers[info.Type] = info
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CheckerTypes returns the registered checker types, sorted.
func (r *Registry) CheckerTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.checkers)
}

// NotifierTypes returns the registered notifier types, sorted.
func (r *Registry) NotifierTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.notifiers)
}

// LoggerTypes returns the registered logger types, sorted.
func (r *Registry) LoggerTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.loggers)
}

// IsCheckerRegistered reports whether a checker type is registered.
func (r *Registry) IsCheckerRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.checkers[typeName]
	return ok
}

// IsNotifierRegistered reports whether a notifier type is registered.
func (r *Registry) IsNotifierRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.notifiers[typeName]
	return ok
}

// IsLoggerRegistered reports whether a logger type is registered.
func (r *Registry) IsLoggerRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loggers[typeName]
	return ok
}

// Summaries lists every registered plugin ordered by capability then type.
func (r *Registry) Summaries() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Summary
	for _, t := range sortedKeys(r.checkers) {
		out = append(out, Summary{CapabilityChecker, t, r.checkers[t].Description})
	}
	for _, t := range sortedKeys(r.notifiers) {
		out = append(out, Summary{CapabilityNotifier, t, r.notifiers[t].Description})
	}
	for _, t := range sortedKeys(r.loggers) {
		out = append(out, Summary{CapabilityLogger, t, r.loggers[t].Description})
	}
	return out
}

// InstantiateChecker builds the checker for one device entry.
// ApplyDefaults must have run on the device.
//
// InstantiateChecker returns an error if:
//   - the device type is not registered (types.ErrConfig and
//     types.ErrUnknownCheckerType)
//   - the device events cannot be parsed (types.ErrConfig)
//   - the factory fails or panics (*types.InvalidPluginConfigError)
func (r *Registry) InstantiateChecker(ctx context.Context, device types.DeviceConfig) (types.Checker, error) {
	r.mu.RLock()
	info, ok := r.checkers[device.Type]
	env := r.env
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %w: %q for device %q, available types: %v",
			types.ErrConfig, types.ErrUnknownCheckerType, device.Type, device.Name, r.CheckerTypes())
	}

	descriptor, err := device.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("%w: device %q: %w", types.ErrConfig, device.Name, err)
	}

	cfg := CheckerConfig{
		Type:       device.Type,
		Descriptor: descriptor,
		Timeout:    device.Timeout.Std(),
		Options:    device.Options,
	}

	var checker types.Checker
	err = guard(CapabilityChecker, device.Type, func() error {
		var ferr error
		checker, ferr = info.Factory(ctx, env, cfg)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return checker, nil
}

// InstantiateNotifier builds one notifier. The factory receives a copy of
// the options. It returns an error wrapping types.ErrUnknownNotifierType for
// an unregistered type and *types.InvalidPluginConfigError when the factory
// fails or panics.
func (r *Registry) InstantiateNotifier(ctx context.Context, cfg types.PluginConfig) (types.Notifier, error) {
	r.mu.RLock()
	info, ok := r.notifiers[cfg.Type]
	env := r.env
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %w: %q, available types: %v",
			types.ErrConfig, types.ErrUnknownNotifierType, cfg.Type, r.NotifierTypes())
	}

	var notifier types.Notifier
	err := guard(CapabilityNotifier, cfg.Type, func() error {
		var ferr error
		notifier, ferr = info.Factory(ctx, env, copyOptions(cfg.Options))
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return notifier, nil
}

// InstantiateLogger builds one logger, wrapped in the mode filter selected by
// its "mode" option. The option is removed before the factory sees it.
//
// InstantiateLogger returns an error if:
//   - the logger type is not registered (types.ErrUnknownLoggerType)
//   - "mode" is not a string or names no LogMode
//     (*types.InvalidPluginConfigError with Field "mode")
//   - the factory fails or panics (*types.InvalidPluginConfigError)
func (r *Registry) InstantiateLogger(ctx context.Context, cfg types.PluginConfig) (*ModeLogger, error) {
	r.mu.RLock()
	info, ok := r.loggers[cfg.Type]
	env := r.env
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %w: %q, available types: %v",
			types.ErrConfig, types.ErrUnknownLoggerType, cfg.Type, r.LoggerTypes())
	}

	options := copyOptions(cfg.Options)
	rawMode, present := options["mode"]
	delete(options, "mode")

	modeName, isString := rawMode.(string)
	if present && !isString {
		return nil, &types.InvalidPluginConfigError{
			Capability: CapabilityLogger,
			Type:       cfg.Type,
			Field:      "mode",
			Err:        fmt.Errorf("must be a string, got %T", rawMode),
		}
	}
	mode, err := types.ParseLogMode(modeName)
	if err != nil {
		return nil, &types.InvalidPluginConfigError{
			Capability: CapabilityLogger,
			Type:       cfg.Type,
			Field:      "mode",
			Err:        err,
		}
	}

	var sink types.Logger
	err = guard(CapabilityLogger, cfg.Type, func() error {
		var ferr error
		sink, ferr = info.Factory(ctx, env, options)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	return NewModeLogger(cfg.Type, mode, sink, env.Metrics), nil
}

// guard runs a factory with panic recovery and classifies its error.
func guard(capability, typeName string, build func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &types.InvalidPluginConfigError{
				Capability: capability,
				Type:       typeName,
				Err:        fmt.Errorf("factory panicked: %v", rec),
			}
		}
	}()

	if ferr := build(); ferr != nil {
		var cfgErr *types.InvalidPluginConfigError
		if errors.As(ferr, &cfgErr) {
			if cfgErr.Capability == "" {
				cfgErr.Capability = capability
			}
			if cfgErr.Type == "" {
				cfgErr.Type = typeName
			}
			return cfgErr
		}
		return &types.InvalidPluginConfigError{Capability: capability, Type: typeName, Err: ferr}
	}
	return nil
}

func copyOptions(options map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(options))
	for k, v := range options {
		out[k] = v
	}
	return out
}
