// This package defines a generic debounced collector. Items accumulate for a
// bounded time or size window, then are handed to a processor exactly once
// per window, in the order they were added.
package batch

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Batcher[T any] struct {
	name    string
	wait    time.Duration
	maxSize int
	process func([]T)
	log     *zap.SugaredLogger

	mu         sync.Mutex
	cond       *sync.Cond
	pending    []T
	queue      [][]T
	timer      *time.Timer
	processing bool
	closed     bool
	finished   chan struct{}
}

func New[T any](log *zap.SugaredLogger, name string, wait time.Duration, maxSize int, process func([]T)) *Batcher[T] {
	b := &Batcher[T]{
		name:     name,
		wait:     wait,
		maxSize:  maxSize,
		process:  process,
		log:      log,
		finished: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Add queues an item into the current window. The first item of a window
// starts the wait timer; reaching maxSize flushes the window early.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Warnf("batcher %s: dropping item added after shutdown", b.name)
		return
	}
	b.pending = append(b.pending, item)
	if len(b.pending) >= b.maxSize {
		b.flushLocked()
	} else if len(b.pending) == 1 {
		b.timer = time.AfterFunc(b.wait, b.timerFired)
	}
}

// Count reports the number of items waiting in the current window.
func (b *Batcher[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// FlushAndWait flushes the current window and blocks until every queued
// window has been processed.
func (b *Batcher[T]) FlushAndWait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
	for len(b.queue) != 0 || b.processing {
		b.cond.Wait()
	}
}

// OnIdle blocks until no items are pending, queued or being processed.
func (b *Batcher[T]) OnIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) != 0 || len(b.queue) != 0 || b.processing {
		b.cond.Wait()
	}
}

// Shutdown flushes what remains and stops the worker once it drains.
func (b *Batcher[T]) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.finished
		return
	}
	b.flushLocked()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.finished
}

func (b *Batcher[T]) timerFired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Batcher[T]) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}
	b.queue = append(b.queue, b.pending)
	b.pending = nil
	b.cond.Broadcast()
}

func (b *Batcher[T]) run() {
	b.mu.Lock()
	for {
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			close(b.finished)
			return
		}
		batch := b.queue[0]
		b.queue = b.queue[1:]
		b.processing = true
		b.mu.Unlock()

		b.log.Debugf("batcher %s: processing %d items", b.name, len(batch))
		b.process(batch)

		b.mu.Lock()
		b.processing = false
		b.cond.Broadcast()
	}
}
