package checkers

import (
	"context"
	"errors"
	"time"

	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// MockType is the configuration type name of the simulated device.
const MockType = "Mock"

// MockOptions configures the simulated device.
type MockOptions struct {
	OnlineDuration  types.Duration `yaml:"online_duration"`
	OfflineDuration types.Duration `yaml:"offline_duration"`
}

// MockChecker simulates a device that is ONLINE for OnlineDuration, then
// OFFLINE for OfflineDuration, repeating from the moment it was created.
type MockChecker struct {
	descriptor types.CheckerDescriptor
	opts       MockOptions
	started    time.Time
	now        func() time.Time
}

// NewMockChecker is the factory registered for MockType.
func NewMockChecker(ctx context.Context, env plugins.Env, cfg plugins.CheckerConfig) (types.Checker, error) {
	opts := MockOptions{
		OnlineDuration:  types.Duration(5 * time.Second),
		OfflineDuration: types.Duration(5 * time.Second),
	}
	if err := plugins.DecodeOptions(plugins.CapabilityChecker, MockType, cfg.Options, &opts); err != nil {
		return nil, err
	}
	if opts.OnlineDuration <= 0 {
		return nil, plugins.FieldError(plugins.CapabilityChecker, MockType, "online_duration", errors.New("must be positive"))
	}
	if opts.OfflineDuration <= 0 {
		return nil, plugins.FieldError(plugins.CapabilityChecker, MockType, "offline_duration", errors.New("must be positive"))
	}

	return &MockChecker{
		descriptor: cfg.Descriptor,
		opts:       opts,
		started:    time.Now(),
		now:        time.Now,
	}, nil
}

// Descriptor implements types.Checker.
func (c *MockChecker) Descriptor() types.CheckerDescriptor {
	return c.descriptor
}

// Check implements types.Checker.
func (c *MockChecker) Check(ctx context.Context) (types.CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return types.CheckResult{}, err
	}
	return types.CheckResult{
		Name:  c.descriptor.Name,
		Host:  c.descriptor.Host,
		Type:  MockType,
		State: c.stateAt(c.now()),
	}, nil
}

func (c *MockChecker) stateAt(t time.Time) types.StateKind {
	online := c.opts.OnlineDuration.Std()
	period := online + c.opts.OfflineDuration.Std()
	if t.Sub(c.started)%period < online {
		return types.StateOnline
	}
	return types.StateOffline
}
