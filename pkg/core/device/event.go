// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import "sync"

// Event marks the completion of a stream operation. It is the handle returned by every asynchronous
// operation, and it can be waited on by the host (Event.Wait) or by another stream (Stream.WaitEvent).
type Event struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// completedEvent returns an already completed event with the given error.
func completedEvent(err error) *Event {
	e := newEvent()
	e.complete(err)
	return e
}

func (e *Event) complete(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Done returns a channel closed when the event completes.
func (e *Event) Done() <-chan struct{} { return e.done }

// Query returns whether the event has completed, without blocking.
func (e *Event) Query() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Wait blocks the calling goroutine until the event completes, and returns the error of the operation.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}
