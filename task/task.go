// This package wraps units of work with a cancelable deadline and a process
// wide registry. Suspending the registry freezes every in-flight deadline so
// a backgrounded process does not spuriously time out work that never ran.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-ready/clock"
	"go.uber.org/zap"
)

const DefaultTimeout = 30 * time.Minute

// TimeoutError reports that a task exceeded its deadline. It is
// distinguishable from business-logic errors via errors.As.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task: %s timed out after %s", e.Name, e.Timeout)
}

type Registry struct {
	log     *zap.SugaredLogger
	clock   clock.Clock
	timeout time.Duration

	mu        sync.Mutex
	tasks     map[*runningTask]struct{}
	suspended bool
}

type runningTask struct {
	name      string
	timer     clock.Timer
	remaining time.Duration
	startedAt time.Time
	resumedAt time.Time
	complete  bool
}

func NewRegistry(log *zap.SugaredLogger, cl clock.Clock, timeout time.Duration) *Registry {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		log:     log,
		clock:   cl,
		timeout: timeout,
		tasks:   make(map[*runningTask]struct{}),
	}
}

// Do runs fn under the registry default deadline.
func (r *Registry) Do(name string, fn func() error) error {
	return r.DoWithTimeout(name, r.timeout, fn)
}

// DoWithTimeout runs fn, racing it against a suspendable deadline. On timeout
// the task is removed from the registry and a *TimeoutError is returned; the
// abandoned fn may still be running but its result is discarded.
func (r *Registry) DoWithTimeout(name string, timeout time.Duration, fn func() error) error {
	now := r.clock.Now()
	t := &runningTask{
		name:      name,
		remaining: timeout,
		startedAt: now,
		resumedAt: now,
	}

	r.mu.Lock()
	t.timer = r.clock.NewTimer(timeout)
	if r.suspended {
		t.timer.Stop()
	}
	r.tasks[t] = struct{}{}
	r.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		result <- fn()
	}()

	select {
	case err := <-result:
		r.finish(t)
		return err
	case <-t.timer.C():
		r.finish(t)
		return &TimeoutError{Name: name, Timeout: timeout}
	}
}

func (r *Registry) finish(t *runningTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.complete = true
	t.timer.Stop()
	delete(r.tasks, t)
}

// Suspend stops every in-flight deadline, recording how much time each task
// had left.
func (r *Registry) Suspend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.suspended {
		return
	}
	r.suspended = true
	now := r.clock.Now()
	for t := range r.tasks {
		if t.timer.Stop() {
			t.remaining -= now.Sub(t.resumedAt)
			if t.remaining < 0 {
				t.remaining = 0
			}
		}
	}
	r.log.Debugf("suspended %d tasks", len(r.tasks))
}

// Resume restarts every frozen deadline with the time it had left.
func (r *Registry) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.suspended {
		return
	}
	r.suspended = false
	now := r.clock.Now()
	for t := range r.tasks {
		t.resumedAt = now
		t.timer.Reset(t.remaining)
	}
	r.log.Debugf("resumed %d tasks", len(r.tasks))
}

// Count reports the number of in-flight tasks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// ReportLongRunning logs every task that has been in flight longer than
// threshold and returns how many there were.
func (r *Registry) ReportLongRunning(threshold time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	count := 0
	for t := range r.tasks {
		age := now.Sub(t.startedAt)
		if age >= threshold {
			r.log.Warnf("task %s still running after %s", t.name, age)
			count++
		}
	}
	return count
}
