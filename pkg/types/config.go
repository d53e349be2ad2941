// Package types defines configuration types for Pingu.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Package-level defaults
const (
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultLogOutput        = "stdout"
	DefaultCheckTimeout     = 10 * time.Second
	DefaultNotifyTimeout    = 30 * time.Second
	DefaultLogTimeout       = 10 * time.Second
	DefaultMaxNotifyRetries = 1
	DefaultMaxRetryDelay    = 5 * time.Minute
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultReloadDebounce   = 500 * time.Millisecond
	MaxNotifyRetries        = 10
)

var (
	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	validLogFormats = map[string]bool{
		"json": true,
		"text": true,
	}

	validLogOutputs = map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
)

// PluginRegistryValidator lets the configuration check plugin type names
// without importing the plugins package. It is implemented by plugins.Registry.
type PluginRegistryValidator interface {
	IsCheckerRegistered(typeName string) bool
	IsNotifierRegistered(typeName string) bool
	IsLoggerRegistered(typeName string) bool
	CheckerTypes() []string
	NotifierTypes() []string
	LoggerTypes() []string
}

// Duration is a time.Duration that decodes from either a Go duration string
// ("90s", "1m30s") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}

	switch node.Tag {
	case "!!int", "!!float":
		seconds, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
		}
		*d = Duration(seconds * float64(time.Second))
	default:
		parsed, err := time.ParseDuration(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
		}
		*d = Duration(parsed)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PinguConfig is the top-level configuration structure.
type PinguConfig struct {
	// Settings contains global configuration
	Settings GlobalSettings `yaml:"config"`

	// Devices lists the monitored devices; each entry instantiates one checker.
	Devices []DeviceConfig `yaml:"devices"`

	// Notifiers maps notifier type to options, in declaration order.
	Notifiers PluginConfigs `yaml:"notifiers"`

	// Loggers maps logger type to options, in declaration order.
	Loggers PluginConfigs `yaml:"loggers"`
}

// GlobalSettings contains global configuration settings.
type GlobalSettings struct {
	// Interval is the pause between two polling passes.
	Interval Duration `yaml:"interval"`

	CheckTimeout  Duration `yaml:"checkTimeout,omitempty"`
	NotifyTimeout Duration `yaml:"notifyTimeout,omitempty"`
	LogTimeout    Duration `yaml:"logTimeout,omitempty"`

	// MaxNotifyRetries bounds how often a RetryAfter outcome is honoured per call.
	MaxNotifyRetries *int     `yaml:"maxNotifyRetries,omitempty"`
	MaxRetryDelay    Duration `yaml:"maxRetryDelay,omitempty"`

	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty"`

	// Logging configuration
	LogLevel  string `yaml:"logLevel,omitempty"`
	LogFormat string `yaml:"logFormat,omitempty"`
	LogOutput string `yaml:"logOutput,omitempty"`
	LogFile   string `yaml:"logFile,omitempty"`

	// Reload rebuilds the engine when the configuration file changes.
	Reload         bool     `yaml:"reload,omitempty"`
	ReloadDebounce Duration `yaml:"reloadDebounce,omitempty"`
}

// DeviceConfig describes one monitored device.
type DeviceConfig struct {
	Type   string   `yaml:"type"`
	Name   string   `yaml:"name"`
	Host   string   `yaml:"host"`
	Events []string `yaml:"events,omitempty"`

	// Timeout overrides settings.checkTimeout for this device. A plain
	// "timeout" key is a checker option.
	Timeout Duration `yaml:"checkTimeout,omitempty"`

	// Options holds the checker-specific keys.
	Options map[string]interface{} `yaml:",inline"`
}

// Descriptor converts the entry into the checker identity.
// ApplyDefaults and Validate must have run first.
func (d DeviceConfig) Descriptor() (CheckerDescriptor, error) {
	events := make(map[StateKind]bool, len(d.Events))
	for _, name := range d.Events {
		state, err := ParseState(name)
		if err != nil {
			return CheckerDescriptor{}, err
		}
		events[state] = true
	}

	return CheckerDescriptor{
		Name:   d.Name,
		Host:   d.Host,
		Events: events,
	}, nil
}

// PluginConfig is one entry of the notifiers or loggers mapping.
type PluginConfig struct {
	Type    string
	Options map[string]interface{}
}

// PluginConfigs is an ordered type → options mapping.
type PluginConfigs []PluginConfig

// UnmarshalYAML keeps the declaration order of the mapping, which is the
// order notifiers and loggers are invoked in. A type may appear only once.
func (p *PluginConfigs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*p = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of plugin type to options", node.Line)
	}

	configs := make(PluginConfigs, 0, len(node.Content)/2)
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		if seen[keyNode.Value] {
			return fmt.Errorf("%w: line %d: duplicate %q entry", ErrConfig, keyNode.Line, keyNode.Value)
		}
		seen[keyNode.Value] = true

		options := map[string]interface{}{}
		if !(valueNode.Kind == yaml.ScalarNode && valueNode.Tag == "!!null") {
			if err := valueNode.Decode(&options); err != nil {
				return fmt.Errorf("line %d: options for %q: %w", valueNode.Line, keyNode.Value, err)
			}
		}

		configs = append(configs, PluginConfig{Type: keyNode.Value, Options: options})
	}

	*p = configs
	return nil
}

// MarshalYAML writes the entries back as an ordered mapping.
func (p PluginConfigs) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, cfg := range p {
		value := &yaml.Node{}
		if err := value.Encode(cfg.Options); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: cfg.Type},
			value)
	}
	return node, nil
}

// ApplyDefaults applies default values to the configuration.
func (c *PinguConfig) ApplyDefaults() {
	c.Settings.ApplyDefaults()

	for i := range c.Devices {
		c.Devices[i].ApplyDefaults()
	}
}

// ApplyDefaults applies default values to GlobalSettings.
func (s *GlobalSettings) ApplyDefaults() {
	if s.CheckTimeout == 0 {
		s.CheckTimeout = Duration(DefaultCheckTimeout)
	}
	if s.NotifyTimeout == 0 {
		s.NotifyTimeout = Duration(DefaultNotifyTimeout)
	}
	if s.LogTimeout == 0 {
		s.LogTimeout = Duration(DefaultLogTimeout)
	}
	if s.MaxNotifyRetries == nil {
		retries := DefaultMaxNotifyRetries
		s.MaxNotifyRetries = &retries
	}
	if s.MaxRetryDelay == 0 {
		s.MaxRetryDelay = Duration(DefaultMaxRetryDelay)
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if s.ReloadDebounce == 0 {
		s.ReloadDebounce = Duration(DefaultReloadDebounce)
	}

	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if s.LogFormat == "" {
		s.LogFormat = DefaultLogFormat
	}
	if s.LogOutput == "" {
		s.LogOutput = DefaultLogOutput
	}
}

// ApplyDefaults applies default values to DeviceConfig.
func (d *DeviceConfig) ApplyDefaults() {
	if len(d.Events) == 0 {
		d.Events = []string{StateOffline.String()}
	}
	if d.Options == nil {
		d.Options = map[string]interface{}{}
	}
}

// Validate validates the entire configuration. Every returned error wraps ErrConfig.
func (c *PinguConfig) Validate() error {
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("%w: config: %w", ErrConfig, err)
	}

	deviceNames := make(map[string]bool, len(c.Devices))
	for i, device := range c.Devices {
		if err := device.Validate(); err != nil {
			return fmt.Errorf("%w: devices[%d]: %w", ErrConfig, i, err)
		}
		if deviceNames[device.Name] {
			return fmt.Errorf("%w: %w: %q", ErrConfig, ErrDuplicateDeviceName, device.Name)
		}
		deviceNames[device.Name] = true
	}

	for i, notifier := range c.Notifiers {
		if strings.TrimSpace(notifier.Type) == "" {
			return fmt.Errorf("%w: notifiers[%d]: type is required", ErrConfig, i)
		}
	}

	for i, logger := range c.Loggers {
		if strings.TrimSpace(logger.Type) == "" {
			return fmt.Errorf("%w: loggers[%d]: type is required", ErrConfig, i)
		}
		mode, _ := logger.Options["mode"].(string)
		if _, err := ParseLogMode(mode); err != nil {
			return fmt.Errorf("%w: logger %q: %w", ErrConfig, logger.Type, err)
		}
	}

	return nil
}

// Validate validates the GlobalSettings configuration.
func (s *GlobalSettings) Validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", s.Interval.Std())
	}
	if s.CheckTimeout <= 0 {
		return fmt.Errorf("checkTimeout must be positive, got %v", s.CheckTimeout.Std())
	}
	if s.NotifyTimeout <= 0 {
		return fmt.Errorf("notifyTimeout must be positive, got %v", s.NotifyTimeout.Std())
	}
	if s.LogTimeout <= 0 {
		return fmt.Errorf("logTimeout must be positive, got %v", s.LogTimeout.Std())
	}
	if s.MaxNotifyRetries != nil && (*s.MaxNotifyRetries < 0 || *s.MaxNotifyRetries > MaxNotifyRetries) {
		return fmt.Errorf("maxNotifyRetries must be between 0 and %d, got %d", MaxNotifyRetries, *s.MaxNotifyRetries)
	}
	if s.MaxRetryDelay <= 0 {
		return fmt.Errorf("maxRetryDelay must be positive, got %v", s.MaxRetryDelay.Std())
	}

	if !validLogLevels[s.LogLevel] {
		return fmt.Errorf("invalid logLevel %q, must be one of: debug, info, warn, error", s.LogLevel)
	}
	if !validLogFormats[s.LogFormat] {
		return fmt.Errorf("invalid logFormat %q, must be one of: json, text", s.LogFormat)
	}
	if !validLogOutputs[s.LogOutput] {
		return fmt.Errorf("invalid logOutput %q, must be one of: stdout, stderr, file", s.LogOutput)
	}
	if s.LogOutput == "file" && s.LogFile == "" {
		return fmt.Errorf("logFile is required when logOutput is 'file'")
	}

	return nil
}

// Validate validates the DeviceConfig configuration.
func (d *DeviceConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Type == "" {
		return fmt.Errorf("device %q: type is required", d.Name)
	}
	if d.Host == "" {
		return fmt.Errorf("device %q: host is required", d.Name)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("device %q: timeout must not be negative", d.Name)
	}
	for _, event := range d.Events {
		if _, err := ParseState(event); err != nil {
			return fmt.Errorf("device %q: events: %w", d.Name, err)
		}
	}
	return nil
}

// ValidateWithRegistry checks that every type named in the configuration is
// registered. Unknown types are configuration errors.
func (c *PinguConfig) ValidateWithRegistry(registry PluginRegistryValidator) error {
	if registry == nil {
		return fmt.Errorf("%w: plugin registry cannot be nil", ErrConfig)
	}

	for _, device := range c.Devices {
		if !registry.IsCheckerRegistered(device.Type) {
			return fmt.Errorf("%w: %w: %q for device %q, available types: %v",
				ErrConfig, ErrUnknownCheckerType, device.Type, device.Name, registry.CheckerTypes())
		}
	}
	for _, notifier := range c.Notifiers {
		if !registry.IsNotifierRegistered(notifier.Type) {
			return fmt.Errorf("%w: %w: %q, available types: %v",
				ErrConfig, ErrUnknownNotifierType, notifier.Type, registry.NotifierTypes())
		}
	}
	for _, logger := range c.Loggers {
		if !registry.IsLoggerRegistered(logger.Type) {
			return fmt.Errorf("%w: %w: %q, available types: %v",
				ErrConfig, ErrUnknownLoggerType, logger.Type, registry.LoggerTypes())
		}
	}

	return nil
}
