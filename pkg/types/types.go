// Package types defines the core interfaces and types shared by the Pingu
// engine and its plugins.
package types

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StateKind is the reachability state reported for a device.
type StateKind int

const (
	// StateOnline means the device answered the check.
	StateOnline StateKind = iota + 1

	// StateOffline means the device did not answer the check.
	StateOffline
)

// AllStates lists every known state in declaration order.
var AllStates = []StateKind{StateOnline, StateOffline}

// String returns the wire name of the state.
func (s StateKind) String() string {
	switch s {
	case StateOnline:
		return "ONLINE"
	case StateOffline:
		return "OFFLINE"
	default:
		return fmt.Sprintf("StateKind(%d)", int(s))
	}
}

// ParseState converts a wire name (case-insensitive) into a StateKind.
func ParseState(name string) (StateKind, error) {
	for _, s := range AllStates {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q, must be one of: ONLINE, OFFLINE", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s StateKind) MarshalText() ([]byte, error) {
	switch s {
	case StateOnline, StateOffline:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("cannot marshal invalid state %d", int(s))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StateKind) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CheckResult is a point-in-time observation of one device.
// It is a plain value: two results are equal when all fields are equal.
type CheckResult struct {
	// Name uniquely identifies the configured device.
	Name string `json:"name" yaml:"name"`

	// Host is the address that was checked.
	Host string `json:"host" yaml:"host"`

	// Type is the checker type that produced the result.
	Type string `json:"type" yaml:"type"`

	// State is the observed reachability.
	State StateKind `json:"state" yaml:"state"`
}

// String renders the result for log lines.
func (r CheckResult) String() string {
	return fmt.Sprintf("%s (%s) [%s] %s", r.Name, r.Host, r.Type, r.State)
}

// CheckerDescriptor is the configuration-derived identity of a monitored device.
type CheckerDescriptor struct {
	Name   string
	Host   string
	Events map[StateKind]bool
}

// Subscribed reports whether a transition into state should trigger notifications.
func (d CheckerDescriptor) Subscribed(state StateKind) bool {
	return d.Events[state]
}

// Checker checks the reachability of one device.
type Checker interface {
	// Descriptor returns the device identity and its subscribed events.
	Descriptor() CheckerDescriptor

	// Check tests the device once. It must honour ctx cancellation.
	// A returned error is a *CheckError.
	Check(ctx context.Context) (CheckResult, error)
}

// OutcomeKind classifies the result of a notification attempt.
type OutcomeKind int

const (
	// OutcomeSuccess means the notification was delivered.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeFailure means the notification failed and should not be retried.
	OutcomeFailure

	// OutcomeRetryAfter means the channel asked the caller to back off and retry.
	OutcomeRetryAfter
)

// String returns a lower-case label suitable for metrics.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeRetryAfter:
		return "retry_after"
	default:
		return "unknown"
	}
}

// Outcome is what a Notifier returns for a single Notify call.
type Outcome struct {
	Kind  OutcomeKind
	Err   error
	Delay time.Duration
}

// Success builds a successful outcome.
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Failure builds a failed outcome carrying the reason.
func Failure(err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Err: err}
}

// RetryAfter builds a back-pressure outcome asking for a retry after delay.
func RetryAfter(delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetryAfter, Delay: delay}
}

// Notifier reacts to a subscribed state transition.
type Notifier interface {
	Notify(ctx context.Context, result CheckResult) Outcome
}

// Logger records an observed result. Mode filtering happens before Log is called.
type Logger interface {
	Log(ctx context.Context, result CheckResult) error
}

// LogMode selects which observations a logger writes.
type LogMode int

const (
	// LogEvery writes every observation.
	LogEvery LogMode = iota

	// LogChange writes only observations that differ from the previous one.
	LogChange
)

// String returns the configuration name of the mode.
func (m LogMode) String() string {
	switch m {
	case LogEvery:
		return "EVERY"
	case LogChange:
		return "CHANGE"
	default:
		return fmt.Sprintf("LogMode(%d)", int(m))
	}
}

// ParseLogMode converts a configuration name (case-insensitive) into a LogMode.
// An empty name selects LogEvery.
func ParseLogMode(name string) (LogMode, error) {
	switch strings.ToUpper(name) {
	case "", "EVERY":
		return LogEvery, nil
	case "CHANGE":
		return LogChange, nil
	default:
		return 0, fmt.Errorf("unknown logger mode %q, must be one of: EVERY, CHANGE", name)
	}
}
