// This package defines keyed single-concurrency FIFO queues. Queues are
// created lazily per key and removed once they drain.
package serial

import (
	"fmt"
	"sync"

	"github.com/meow-io/go-ready/task"
	"go.uber.org/zap"
)

type job struct {
	name   string
	fn     func() error
	result chan error
}

type queue struct {
	jobs []*job
}

type Runner struct {
	log   *zap.SugaredLogger
	tasks *task.Registry

	mu     sync.Mutex
	queues map[string]*queue
	idle   *sync.Cond
}

func NewRunner(log *zap.SugaredLogger, tasks *task.Registry) *Runner {
	r := &Runner{
		log:    log,
		tasks:  tasks,
		queues: make(map[string]*queue),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Do queues fn behind every job already submitted for key and blocks until it
// completes or its deadline fires. Jobs for one key never overlap; jobs for
// different keys run in parallel.
func (r *Runner) Do(key, name string, fn func() error) error {
	j := &job{name: name, fn: fn, result: make(chan error, 1)}
	r.mu.Lock()
	q, ok := r.queues[key]
	if !ok {
		q = &queue{}
		r.queues[key] = q
		q.jobs = append(q.jobs, j)
		go r.drain(key, q)
	} else {
		q.jobs = append(q.jobs, j)
	}
	r.mu.Unlock()
	return <-j.result
}

// QueueCount reports the number of live queues.
func (r *Runner) QueueCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// Wait blocks until every queue has drained.
func (r *Runner) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queues) != 0 {
		r.idle.Wait()
	}
}

func (r *Runner) drain(key string, q *queue) {
	for {
		r.mu.Lock()
		if len(q.jobs) == 0 {
			delete(r.queues, key)
			if len(r.queues) == 0 {
				r.idle.Broadcast()
			}
			r.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		r.mu.Unlock()

		err := r.tasks.Do(fmt.Sprintf("%s (%s)", j.name, key), j.fn)
		if err != nil {
			r.log.Debugf("job %s on %s failed: %v", j.name, key, err)
		}
		j.result <- err
	}
}
