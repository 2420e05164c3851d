// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrStreamClosed is returned by operations enqueued on a closed stream.
var ErrStreamClosed = errors.New("device stream closed")

type streamOp struct {
	fn    func() error
	event *Event
}

// Stream is a FIFO queue of device operations, executed in order by a dedicated goroutine.
//
// Enqueueing never blocks: the queue is unbounded.
type Stream struct {
	name      string
	deviceNum int

	mu     sync.Mutex
	cond   sync.Cond
	queue  []streamOp
	closed bool
	err    error // Sticky error: first failure on the stream.

	running sync.WaitGroup

	numEnqueued, numCompleted atomic.Int64
}

func newStream(name string, deviceNum int) *Stream {
	s := &Stream{name: name, deviceNum: deviceNum}
	s.cond = sync.Cond{L: &s.mu}
	s.running.Add(1)
	go s.run()
	return s
}

// Name of the stream, for debugging.
func (s *Stream) Name() string { return s.name }

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("stream %q (device #%d)", s.name, s.deviceNum)
}

// run executes the queued operations until the stream is closed and its queue is drained.
func (s *Stream) run() {
	defer s.running.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = streamOp{}
		s.queue = s.queue[1:]
		sticky := s.err
		s.mu.Unlock()

		var err error
		if sticky != nil {
			err = errors.WithMessagef(sticky, "%s is in error state", s)
		} else {
			err = s.execute(next.fn)
			if err != nil {
				klog.V(1).Infof("%s: operation failed: %+v", s, err)
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
		}
		s.numCompleted.Add(1)
		next.event.complete(err)
	}
}

// execute runs fn converting panics to errors.
func (s *Stream) execute(fn func() error) (err error) {
	exception := exceptions.Try(func() { err = fn() })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessagef(e, "panic in %s", s)
		}
		return errors.Errorf("panic in %s: %v", s, exception)
	}
	return err
}

// Enqueue schedules fn to run on the stream after all previously enqueued operations.
// It returns immediately with the Event that completes when fn has run.
func (s *Stream) Enqueue(fn func() error) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return completedEvent(errors.WithMessagef(ErrStreamClosed, "Enqueue(%s)", s))
	}
	event := newEvent()
	s.queue = append(s.queue, streamOp{fn: fn, event: event})
	s.numEnqueued.Add(1)
	s.cond.Signal()
	return event
}

// Record returns an event that completes when all operations enqueued so far have completed.
func (s *Stream) Record() *Event {
	return s.Enqueue(func() error { return nil })
}

// WaitEvent makes all operations enqueued after this call wait for event to complete.
// The calling goroutine is not blocked.
//
// If the event failed, the stream enters the error state.
func (s *Stream) WaitEvent(event *Event) {
	s.Enqueue(event.Wait)
}

// Synchronize blocks the calling goroutine until all operations enqueued so far have completed.
// It returns the stream error, if any.
func (s *Stream) Synchronize() error {
	return s.Record().Wait()
}

// Pending returns the number of enqueued operations not yet completed.
func (s *Stream) Pending() int {
	return int(s.numEnqueued.Load() - s.numCompleted.Load())
}

// Err returns the sticky error of the stream, if any operation failed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops accepting new operations, waits for the queued ones to run and stops the stream goroutine.
// It is safe to call it more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.running.Wait()
}
