// Package monitor implements the polling loop and edge detection.
//
// A single goroutine runs every checker in configuration order, compares the
// result with the previous result for the same device and hands transitions
// to the dispatcher. Probing within a pass is strictly sequential; the next
// pass starts one interval after the previous pass finished.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/metrics"
	"github.com/supporttools/pingu/pkg/types"
)

// Dispatcher receives observations. Both calls must return without blocking
// on backend I/O.
type Dispatcher interface {
	Notify(result types.CheckResult)
	Log(result types.CheckResult)
}

// Options configures a Monitor.
type Options struct {
	Interval     time.Duration
	CheckTimeout time.Duration

	// Timeouts overrides CheckTimeout per device name.
	Timeouts map[string]time.Duration

	Metrics *metrics.Metrics
}

// Monitor is the polling loop.
type Monitor struct {
	checkers   []types.Checker
	dispatcher Dispatcher
	opts       Options
	stats      *Statistics
	log        *logrus.Entry

	// last holds the most recent successful result per device name. It is
	// only touched by the goroutine running Tick.
	last map[string]types.CheckResult
}

// New creates a Monitor. Checkers run in slice order.
func New(checkers []types.Checker, dispatcher Dispatcher, opts Options) (*Monitor, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", opts.Interval)
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = types.DefaultCheckTimeout
	}

	return &Monitor{
		checkers:   checkers,
		dispatcher: dispatcher,
		opts:       opts,
		stats:      NewStatistics(),
		log:        logger.Component("monitor"),
		last:       make(map[string]types.CheckResult, len(checkers)),
	}, nil
}

// Statistics returns the loop counters.
func (m *Monitor) Statistics() *Statistics {
	return m.stats
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.WithFields(logrus.Fields{
		"devices":  len(m.checkers),
		"interval": m.opts.Interval,
	}).Info("Monitor loop started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.WithFields(m.stats.Summary()).Info("Monitor loop stopped")
			return nil
		case <-timer.C:
		}

		if err := m.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.WithError(err).Warn("Polling pass interrupted")
		}
		timer.Reset(m.opts.Interval)
	}
}

// Tick runs one polling pass over every checker. It stops early and returns
// ctx.Err() when ctx is cancelled between two checks.
func (m *Monitor) Tick(ctx context.Context) error {
	for _, checker := range m.checkers {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.observe(ctx, checker)
	}
	m.stats.IncrementTicks()
	return nil
}

func (m *Monitor) observe(ctx context.Context, checker types.Checker) {
	descriptor := checker.Descriptor()
	log := m.log.WithFields(logrus.Fields{
		"device": descriptor.Name,
		"host":   descriptor.Host,
	})

	started := time.Now()
	result, err := m.check(ctx, checker, descriptor)
	m.opts.Metrics.ObserveCheck(descriptor.Name, result.State == types.StateOnline, err, time.Since(started))

	if err != nil {
		m.stats.IncrementChecksFailed()
		log.WithError(err).Warn("Check failed, keeping previous state")
		return
	}
	m.stats.IncrementChecksSucceeded()

	prior, seen := m.last[descriptor.Name]
	if !seen {
		prior = result
		log.WithField("state", result.State.String()).Info("First observation")
	}

	if result.State != prior.State {
		m.stats.IncrementTransitions()
		m.opts.Metrics.ObserveTransition(descriptor.Name, result.State.String())

		entry := log.WithFields(logrus.Fields{
			"from": prior.State.String(),
			"to":   result.State.String(),
		})
		if descriptor.Subscribed(result.State) {
			entry.Info("State changed, notifying")
			m.dispatcher.Notify(result)
			m.stats.IncrementNotificationsDispatched()
		} else {
			entry.Info("State changed, not subscribed")
		}
	}

	m.dispatcher.Log(result)
	m.stats.IncrementLogsDispatched()

	m.last[descriptor.Name] = result
}

// check runs one Check under the device timeout. Panics and untyped errors
// come back as *types.CheckError.
func (m *Monitor) check(ctx context.Context, checker types.Checker, descriptor types.CheckerDescriptor) (result types.CheckResult, err error) {
	timeout := m.opts.CheckTimeout
	if override, ok := m.opts.Timeouts[descriptor.Name]; ok && override > 0 {
		timeout = override
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = types.CheckResult{}
			err = &types.CheckError{Name: descriptor.Name, Host: descriptor.Host, Err: fmt.Errorf("checker panicked: %v", r)}
		}
	}()

	result, err = checker.Check(checkCtx)
	if err != nil {
		var checkErr *types.CheckError
		if !errors.As(err, &checkErr) {
			err = &types.CheckError{Name: descriptor.Name, Host: descriptor.Host, Err: err}
		}
		return types.CheckResult{}, err
	}
	return result, nil
}

// Close closes every checker that holds background resources.
func (m *Monitor) Close() error {
	var errs []error
	for _, checker := range m.checkers {
		if closer, ok := checker.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing checker %q: %w", checker.Descriptor().Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
