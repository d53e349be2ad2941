package checkers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// PingType is the configuration type name of the system ping checker.
const PingType = "Ping"

// PingOptions configures the system ping checker.
type PingOptions struct {
	// Packets is the number of echo requests sent per check.
	Packets int `yaml:"num_packets"`

	// Timeout is how long ping waits for each reply.
	Timeout types.Duration `yaml:"timeout"`

	// Interval is the pause between echo requests.
	Interval types.Duration `yaml:"interval"`

	// Command overrides the ping executable.
	Command string `yaml:"command"`
}

// commandRunner executes name with args and reports its exit code. A non-nil
// error means the process could not be run to completion.
type commandRunner func(ctx context.Context, name string, args ...string) (exitCode int, stderr string, err error)

// PingChecker reports a device ONLINE when the system ping exits 0.
type PingChecker struct {
	descriptor types.CheckerDescriptor
	opts       PingOptions
	goos       string
	run        commandRunner
	log        *logrus.Entry
}

// NewPingChecker is the factory registered for PingType.
func NewPingChecker(ctx context.Context, env plugins.Env, cfg plugins.CheckerConfig) (types.Checker, error) {
	opts := PingOptions{
		Packets:  4,
		Timeout:  types.Duration(time.Second),
		Interval: types.Duration(time.Second),
		Command:  "ping",
	}
	if err := plugins.DecodeOptions(plugins.CapabilityChecker, PingType, cfg.Options, &opts); err != nil {
		return nil, err
	}

	if opts.Packets < 1 {
		return nil, plugins.FieldError(plugins.CapabilityChecker, PingType, "num_packets",
			fmt.Errorf("must be at least 1, got %d", opts.Packets))
	}
	if opts.Timeout <= 0 {
		return nil, plugins.FieldError(plugins.CapabilityChecker, PingType, "timeout", errors.New("must be positive"))
	}
	if opts.Interval <= 0 {
		return nil, plugins.FieldError(plugins.CapabilityChecker, PingType, "interval", errors.New("must be positive"))
	}
	if err := validateHost(cfg.Descriptor.Host); err != nil {
		return nil, err
	}

	return &PingChecker{
		descriptor: cfg.Descriptor,
		opts:       opts,
		goos:       runtime.GOOS,
		run:        execCommand,
		log:        logger.Component(PingType).WithField("device", cfg.Descriptor.Name),
	}, nil
}

// validateHost rejects hosts that ping would parse as a flag.
func validateHost(host string) error {
	if strings.HasPrefix(host, "-") || strings.ContainsAny(host, " \t\n") {
		return plugins.FieldError(plugins.CapabilityChecker, PingType, "host", fmt.Errorf("invalid host %q", host))
	}
	return nil
}

// Descriptor implements types.Checker.
func (c *PingChecker) Descriptor() types.CheckerDescriptor {
	return c.descriptor
}

// Args returns the argument list passed to the ping executable.
func (c *PingChecker) Args() []string {
	packets := strconv.Itoa(c.opts.Packets)
	timeout := c.opts.Timeout.Std()

	switch c.goos {
	case "windows":
		return []string{"-n", packets, "-w", strconv.FormatInt(timeout.Milliseconds(), 10), c.descriptor.Host}
	case "darwin":
		// BSD ping takes -W in milliseconds.
		return []string{
			"-W", strconv.FormatInt(timeout.Milliseconds(), 10),
			"-c", packets,
			"-i", formatSeconds(c.opts.Interval.Std()),
			c.descriptor.Host,
		}
	default:
		return []string{
			"-W", formatSeconds(timeout),
			"-c", packets,
			"-i", formatSeconds(c.opts.Interval.Std()),
			c.descriptor.Host,
		}
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// Check implements types.Checker.
func (c *PingChecker) Check(ctx context.Context) (types.CheckResult, error) {
	args := c.Args()
	c.log.WithField("args", args).Debug("Pinging")

	code, stderr, err := c.run(ctx, c.opts.Command, args...)
	if err != nil {
		return types.CheckResult{}, &types.CheckError{Name: c.descriptor.Name, Host: c.descriptor.Host, Err: err}
	}
	if stderr != "" {
		c.log.WithField("stderr", strings.TrimSpace(stderr)).Debug("ping wrote to stderr")
	}

	state := types.StateOnline
	if code != 0 {
		state = types.StateOffline
	}
	return types.CheckResult{
		Name:  c.descriptor.Name,
		Host:  c.descriptor.Host,
		Type:  PingType,
		State: state,
	}, nil
}

// execCommand runs the process without a shell. A non-zero exit is reported
// through exitCode; start failures and cancellation are errors.
func execCommand(ctx context.Context, name string, args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, stderr.String(), fmt.Errorf("ping did not finish: %w", ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), stderr.String(), nil
	}
	if err != nil {
		return -1, stderr.String(), fmt.Errorf("failed to run %s: %w", name, err)
	}
	return 0, stderr.String(), nil
}
