// Package scheduler provides the deferred-task queues stores use to post
// change notifications to the back of the queue instead of emitting inline.
package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Settle when the scheduler has been closed.
var ErrClosed = errors.New("scheduler closed")

// Scheduler runs tasks some time after they are scheduled, in FIFO order.
type Scheduler interface {
	Schedule(task func())
}

// Manual queues tasks until Settle is called. It is meant for tests and for
// callers that flush once per frame.
type Manual struct {
	mu    sync.Mutex
	tasks []func()
}

// NewManual creates an empty Manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

// Schedule implements Scheduler.
func (m *Manual) Schedule(task func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
}

// Pending returns the number of queued tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Settle runs queued tasks, including tasks scheduled by the tasks it runs,
// until the queue is empty. It returns the number of tasks run.
func (m *Manual) Settle() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return ran
		}
		task := m.tasks[0]
		m.tasks[0] = nil
		m.tasks = m.tasks[1:]
		m.mu.Unlock()

		task()
		ran++
	}
}

// Immediate runs every task inline.
type Immediate struct{}

// Schedule implements Scheduler.
func (Immediate) Schedule(task func()) {
	task()
}

// Loop runs tasks on a single background goroutine.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewLoop starts a Loop with the given queue capacity.
// Schedule blocks when the queue is full.
func NewLoop(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 256
	}
	l := &Loop{
		tasks: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done:
			return
		case task := <-l.tasks:
			task()
		}
	}
}

// Schedule implements Scheduler. Tasks scheduled after Close are dropped.
func (l *Loop) Schedule(task func()) {
	select {
	case <-l.done:
	case l.tasks <- task:
	}
}

// Settle blocks until every task scheduled before the call has run.
func (l *Loop) Settle(ctx context.Context) error {
	marker := make(chan struct{})
	select {
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.tasks <- func() { close(marker) }:
	}

	select {
	case <-marker:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker goroutine. Queued tasks that have not started are
// discarded.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}
