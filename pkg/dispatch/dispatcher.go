// Package dispatch fans observations out to notifiers and loggers.
//
// Notify and Log return immediately; the work runs as supervised tasks in a
// TaskGroup so a slow or failing backend never delays the monitor loop.
// Within one Notify task every notifier runs in its own goroutine, so a
// notifier sleeping on a RetryAfter request does not hold up the others.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/metrics"
	"github.com/supporttools/pingu/pkg/types"
)

// Recipient is a named notifier.
type Recipient struct {
	Name     string
	Notifier types.Notifier
}

// Sink is a named logger.
type Sink struct {
	Name   string
	Logger types.Logger
}

// Options bounds the work done for one observation.
type Options struct {
	NotifyTimeout time.Duration
	LogTimeout    time.Duration

	// MaxRetries is how many RetryAfter requests are honoured per notifier call.
	MaxRetries int

	// MaxRetryDelay is the longest RetryAfter delay honoured.
	MaxRetryDelay time.Duration

	Metrics *metrics.Metrics
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		NotifyTimeout: types.DefaultNotifyTimeout,
		LogTimeout:    types.DefaultLogTimeout,
		MaxRetries:    types.DefaultMaxNotifyRetries,
		MaxRetryDelay: types.DefaultMaxRetryDelay,
	}
}

// Counters is a snapshot of delivery counters. Logger calls filtered out by
// a CHANGE-mode logger count as succeeded.
type Counters struct {
	Delivered     int64
	Failed        int64
	Retries       int64
	LogsSucceeded int64
	LogsFailed    int64
}

// Dispatcher delivers results to every configured recipient and sink.
type Dispatcher struct {
	recipients []Recipient
	sinks      []Sink
	opts       Options
	tasks      *TaskGroup
	log        *logrus.Entry

	// sleep waits for a RetryAfter delay; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	delivered     atomic.Int64
	failed        atomic.Int64
	retries       atomic.Int64
	logsSucceeded atomic.Int64
	logsFailed    atomic.Int64
}

// New creates a dispatcher. Recipients and sinks are invoked in the given order.
func New(recipients []Recipient, sinks []Sink, tasks *TaskGroup, opts Options) *Dispatcher {
	defaults := DefaultOptions()
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaults.NotifyTimeout
	}
	if opts.LogTimeout <= 0 {
		opts.LogTimeout = defaults.LogTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaults.MaxRetryDelay
	}

	return &Dispatcher{
		recipients: recipients,
		sinks:      sinks,
		opts:       opts,
		tasks:      tasks,
		log:        logger.Component("dispatch"),
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify delivers result to every notifier in a detached task.
func (d *Dispatcher) Notify(result types.CheckResult) {
	if len(d.recipients) == 0 {
		return
	}
	d.tasks.Go("notify "+result.Name, func(ctx context.Context) error {
		return d.DeliverNotifications(ctx, result)
	})
}

// Log writes result to every logger in a detached task.
func (d *Dispatcher) Log(result types.CheckResult) {
	if len(d.sinks) == 0 {
		return
	}
	d.tasks.Go("log "+result.Name, func(ctx context.Context) error {
		return d.WriteLogs(ctx, result)
	})
}

// DeliverNotifications calls every notifier concurrently and waits for all of
// them. The returned error joins every *types.NotifyError.
func (d *Dispatcher) DeliverNotifications(ctx context.Context, result types.CheckResult) error {
	round := uuid.NewString()
	log := d.log.WithFields(logrus.Fields{
		"round":  round,
		"device": result.Name,
		"state":  result.State.String(),
	})
	log.Info("Dispatching notifications")

	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	for _, recipient := range d.recipients {
		recipient := recipient
		g.Go(func() error {
			if err := d.deliver(ctx, log, recipient, result); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// deliver runs one notifier until it succeeds, fails, or exhausts its retry budget.
func (d *Dispatcher) deliver(ctx context.Context, log *logrus.Entry, r Recipient, result types.CheckResult) error {
	log = log.WithField("notifier", r.Name)
	fail := func(err error) error {
		d.failed.Add(1)
		d.opts.Metrics.ObserveNotification(r.Name, types.OutcomeFailure.String())
		notifyErr := &types.NotifyError{Notifier: r.Name, Result: result, Err: err}
		log.WithError(err).Error("Notification failed")
		return notifyErr
	}

	for attempt := 0; ; attempt++ {
		outcome := d.call(ctx, r, result)

		switch outcome.Kind {
		case types.OutcomeSuccess:
			d.delivered.Add(1)
			d.opts.Metrics.ObserveNotification(r.Name, types.OutcomeSuccess.String())
			log.Debug("Notification delivered")
			return nil

		case types.OutcomeRetryAfter:
			delay := outcome.Delay
			if delay < 0 {
				delay = 0
			}
			if attempt >= d.opts.MaxRetries {
				return fail(fmt.Errorf("%w: still asked to retry after %d retries", types.ErrRetryBudgetExhausted, attempt))
			}
			if delay > d.opts.MaxRetryDelay {
				return fail(fmt.Errorf("%w: requested delay %v exceeds %v", types.ErrRetryBudgetExhausted, delay, d.opts.MaxRetryDelay))
			}

			d.retries.Add(1)
			d.opts.Metrics.ObserveNotification(r.Name, types.OutcomeRetryAfter.String())
			log.WithField("delay", delay).Warn("Notifier asked to back off, retrying")

			if err := d.sleep(ctx, delay); err != nil {
				return fail(err)
			}

		default:
			err := outcome.Err
			if err == nil {
				err = errors.New("notifier reported failure")
			}
			return fail(err)
		}
	}
}

// call invokes one Notify with the per-call timeout and panic recovery.
func (d *Dispatcher) call(ctx context.Context, r Recipient, result types.CheckResult) (outcome types.Outcome) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.NotifyTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			outcome = types.Failure(fmt.Errorf("notifier panicked: %v", rec))
		}
	}()
	return r.Notifier.Notify(callCtx, result)
}

// WriteLogs calls every logger in order. A failing logger does not stop the
// ones after it. The returned error joins every *types.LogError.
func (d *Dispatcher) WriteLogs(ctx context.Context, result types.CheckResult) error {
	var errs []error
	for _, sink := range d.sinks {
		if err := d.write(ctx, sink, result); err != nil {
			d.logsFailed.Add(1)
			logErr := &types.LogError{Logger: sink.Name, Result: result, Err: err}
			d.log.WithFields(logrus.Fields{
				"logger": sink.Name,
				"device": result.Name,
			}).WithError(err).Error("Logger failed")
			errs = append(errs, logErr)
			continue
		}
		d.logsSucceeded.Add(1)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) write(ctx context.Context, sink Sink, result types.CheckResult) (err error) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.LogTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("logger panicked: %v", rec)
		}
	}()
	return sink.Logger.Log(callCtx, result)
}

// Counters returns a snapshot of the delivery counters.
func (d *Dispatcher) Counters() Counters {
	return Counters{
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Retries:       d.retries.Load(),
		LogsSucceeded: d.logsSucceeded.Load(),
		LogsFailed:    d.logsFailed.Load(),
	}
}
