// Package scheduler runs keyed, cancellable delayed actions.
//
// At most one action is live per key. A key is live from Schedule until the
// action is cancelled or has finished running; while live, further Schedule
// calls for the key are rejected. Remediation code uses the scheduler as the
// single source of truth for "is something already pending for this device".
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/metrics"
)

// Action is the deferred work. ctx is cancelled when the scheduler closes.
// A returned error or a panic is logged and otherwise ignored; the action is
// not retried.
type Action func(ctx context.Context) error

// entry is one live key. It is removed from the table when cancelled or once
// its action returns.
type entry struct {
	key       string
	due       time.Time
	timer     *time.Timer
	running   bool
	cancelled bool
}

// Scheduler owns the table of delayed actions. It is safe for concurrent use.
// Each action runs on its own timer goroutine, so actions for different keys
// may run in parallel.
type Scheduler struct {
	// name tags log lines and labels the pending-actions gauge.
	name string

	// metrics receives the pending count after every change. May be nil.
	metrics *metrics.Metrics
	log     *logrus.Entry

	// ctx is passed to every action and cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	// wg counts timers that have not been stopped plus running actions.
	wg sync.WaitGroup

	// mu protects entries and closed.
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New creates a scheduler. name tags its log lines and the owner label of
// pingu_delayed_actions_pending; m may be nil. Call Close to release it.
func New(name string, m *metrics.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		name:    name,
		metrics: m,
		log:     logger.Component("scheduler").WithField("owner", name),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Schedule arranges for action to run once after delay. It returns false,
// without scheduling, when an action for key is pending or running or the
// scheduler is closed.
func (s *Scheduler) Schedule(key string, delay time.Duration, action Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, live := s.entries[key]; live {
		return false
	}

	e := &entry{key: key, due: time.Now().Add(delay)}
	s.entries[key] = e
	s.wg.Add(1)
	e.timer = time.AfterFunc(delay, func() { s.fire(e, action) })

	s.reportPending()
	s.log.WithFields(logrus.Fields{"key": key, "delay": delay}).Debug("Action scheduled")
	return true
}

// Cancel cancels the pending action for key. It returns false when nothing is
// pending; an action that is already running is not interrupted.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, live := s.entries[key]
	if !live || e.running {
		return false
	}
	s.cancelLocked(e)
	s.reportPending()

	s.log.WithField("key", key).Debug("Action cancelled")
	return true
}

// cancelLocked removes a pending entry. The timer callback owns the WaitGroup
// slot when Stop reports the timer already fired.
func (s *Scheduler) cancelLocked(e *entry) {
	e.cancelled = true
	delete(s.entries, e.key)
	if e.timer.Stop() {
		s.wg.Done()
	}
}

func (s *Scheduler) fire(e *entry, action Action) {
	defer s.wg.Done()

	s.mu.Lock()
	if e.cancelled {
		s.mu.Unlock()
		return
	}
	e.running = true
	s.reportPending()
	s.mu.Unlock()

	log := s.log.WithField("key", e.key)
	log.Info("Running delayed action")

	if err := s.run(action); err != nil {
		log.WithError(err).Error("Delayed action failed")
	}

	s.mu.Lock()
	if s.entries[e.key] == e {
		delete(s.entries, e.key)
	}
	s.mu.Unlock()
}

func (s *Scheduler) run(action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return action(s.ctx)
}

// Pending reports whether an action for key is waiting to fire.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, live := s.entries[key]
	return live && !e.running
}

// Running reports whether the action for key is executing. A running key
// cannot be cancelled or rescheduled until the action returns.
func (s *Scheduler) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, live := s.entries[key]
	return live && e.running
}

// Due returns when the pending action for key fires. ok is false when no
// action is pending for key, including while it runs.
func (s *Scheduler) Due(key string) (due time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, live := s.entries[key]
	if !live || e.running {
		return time.Time{}, false
	}
	return e.due, true
}

// Len returns the number of pending actions. Running actions are not counted.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Scheduler) pendingLocked() int {
	n := 0
	for _, e := range s.entries {
		if !e.running {
			n++
		}
	}
	return n
}

func (s *Scheduler) reportPending() {
	s.metrics.SetPendingActions(s.name, s.pendingLocked())
}

// Close cancels every pending action, cancels the context of running actions
// and waits for them to return. Later Schedule calls are rejected.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, e := range s.entries {
		if !e.running {
			s.cancelLocked(e)
		}
	}
	s.reportPending()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}
