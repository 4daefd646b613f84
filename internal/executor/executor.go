// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package executor provides a single-threaded unit of execution: posted functions run one after another on a
// dedicated goroutine, in the order they were posted.
package executor

import (
	"sync"
	"time"
)

// Executor runs posted functions sequentially. The work queue is unbounded, thus Post never blocks, not even when
// called from within a posted function.
//
// A goroutine is only running while there is work to do, so an idle Executor does not need to be stopped.
type Executor struct {
	mutex   sync.Mutex
	queue   []func()
	running bool
	stopped bool

	stopAck chan struct{}
}

// New creates an Executor.
func New() *Executor {
	return &Executor{
		stopAck: make(chan struct{}),
	}
}

func (e *Executor) handler() {
	for {
		e.mutex.Lock()
		if len(e.queue) == 0 {
			e.running = false
			if e.stopped {
				close(e.stopAck)
			}
			e.mutex.Unlock()
			return
		}

		f := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mutex.Unlock()

		f()
	}
}

// Post a function to be executed. The return value is false if this Executor was already stopped.
func (e *Executor) Post(f func()) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.stopped {
		return false
	}

	e.queue = append(e.queue, f)
	if !e.running {
		e.running = true
		go e.handler()
	}
	return true
}

// Stop this Executor after all functions posted so far have been executed. Stop does not wait; use Done for this.
// Stop is idempotent.
func (e *Executor) Stop() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.stopped {
		return
	}

	e.stopped = true
	if !e.running {
		close(e.stopAck)
	}
}

// Done is closed after this Executor was stopped and its queue was drained.
func (e *Executor) Done() <-chan struct{} {
	return e.stopAck
}

// Timer posts its function onto an Executor after a delay. A stopped Timer never executes its function, even if its
// delay expired while the function was already queued.
type Timer struct {
	mutex   sync.Mutex
	timer   *time.Timer
	stopped bool
}

// AfterFunc posts f onto this Executor after the delay.
func (e *Executor) AfterFunc(delay time.Duration, f func()) *Timer {
	t := &Timer{}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.timer = time.AfterFunc(delay, func() {
		e.Post(func() {
			t.mutex.Lock()
			stopped := t.stopped
			t.stopped = true
			t.mutex.Unlock()

			if !stopped {
				f()
			}
		})
	})
	return t
}

// Stop this Timer. The return value is false if the function was already executed or the Timer stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	wasActive := !t.stopped
	t.stopped = true
	t.timer.Stop()
	return wasActive
}
