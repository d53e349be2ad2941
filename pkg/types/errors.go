package types

import (
	"errors"
	"fmt"
)

// Startup errors. Anything wrapping ErrConfig or ErrPluginDiscovery prevents
// the monitor loop from starting.
var (
	// ErrConfig marks every configuration error.
	ErrConfig = errors.New("configuration error")

	// ErrPluginDiscovery marks plugin table construction failures.
	ErrPluginDiscovery = errors.New("plugin discovery error")

	// ErrDuplicatePluginName is returned when two plugins of one capability share a type name.
	ErrDuplicatePluginName = errors.New("duplicate plugin type name")

	// ErrUnknownCheckerType is returned for a device whose type is not registered.
	ErrUnknownCheckerType = errors.New("unknown checker type")

	// ErrUnknownNotifierType is returned for a notifier entry whose type is not registered.
	ErrUnknownNotifierType = errors.New("unknown notifier type")

	// ErrUnknownLoggerType is returned for a logger entry whose type is not registered.
	ErrUnknownLoggerType = errors.New("unknown logger type")

	// ErrInvalidPluginConfig is returned when a plugin rejects its options.
	ErrInvalidPluginConfig = errors.New("invalid plugin configuration")

	// ErrDuplicateDeviceName is returned when two devices share a name.
	ErrDuplicateDeviceName = errors.New("duplicate device name")
)

// ErrRetryBudgetExhausted is reported when a notifier keeps asking for
// back-off after the retry budget is spent.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// InvalidPluginConfigError reports a plugin construction failure together with
// the offending type and, when known, the configuration field.
type InvalidPluginConfigError struct {
	Capability string
	Type       string
	Field      string
	Err        error
}

func (e *InvalidPluginConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s %q configuration: field %q: %v", e.Capability, e.Type, e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q configuration: %v", e.Capability, e.Type, e.Err)
}

// Unwrap exposes both the classification sentinels and the underlying cause.
func (e *InvalidPluginConfigError) Unwrap() []error {
	return []error{ErrInvalidPluginConfig, ErrConfig, e.Err}
}

// CheckError is a recoverable check failure for one device.
type CheckError struct {
	Name string
	Host string
	Err  error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("check %s (%s) failed: %v", e.Name, e.Host, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// NotifyError is a notification that could not be delivered.
type NotifyError struct {
	Notifier string
	Result   CheckResult
	Err      error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notifier %s failed for %s: %v", e.Notifier, e.Result.Name, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// LogError is a logger write failure.
type LogError struct {
	Logger string
	Result CheckResult
	Err    error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("logger %s failed for %s: %v", e.Logger, e.Result.Name, e.Err)
}

func (e *LogError) Unwrap() error {
	return e.Err
}
