package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/pingu/pkg/logger"
)

// TaskGroup supervises detached tasks. A task's error or panic is logged and
// counted; it never escapes to the caller of Go.
type TaskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry

	active   atomic.Int64
	failures atomic.Int64
}

// NewTaskGroup creates a group whose tasks run under a context derived from
// parent. Cancelling parent cancels every task.
func NewTaskGroup(parent context.Context) *TaskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &TaskGroup{
		ctx:    ctx,
		cancel: cancel,
		log:    logger.Component("dispatch"),
	}
}

// Go starts fn in its own goroutine.
func (g *TaskGroup) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	g.active.Add(1)

	go func() {
		defer g.wg.Done()
		defer g.active.Add(-1)

		if err := g.run(fn); err != nil {
			g.failures.Add(1)
			g.log.WithField("task", name).WithError(err).Warn("Detached task failed")
		}
	}()
}

func (g *TaskGroup) run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(g.ctx)
}

// Wait blocks until every task has returned or ctx is done. When ctx ends
// first the tasks' context is cancelled and ctx.Err() is returned.
func (g *TaskGroup) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.cancel()
		g.log.WithField("active", g.Active()).Warn("Abandoning detached tasks at shutdown")
		return ctx.Err()
	}
}

// Active returns the number of running tasks.
func (g *TaskGroup) Active() int {
	return int(g.active.Load())
}

// Failures returns how many tasks returned an error or panicked.
func (g *TaskGroup) Failures() int64 {
	return g.failures.Load()
}

// Close cancels the tasks' context without waiting.
func (g *TaskGroup) Close() {
	g.cancel()
}
