// Package loop implements the single-threaded cooperative reactor
// described in spec §4.1. Exactly one Loop instance is expected to drive
// an engine: every mutation of Job/Printer/Engine state is required to
// happen inside a callback posted to that Loop, so state never needs its
// own lock beyond the Loop's internal queue.
//
// The spec explicitly leaves the reactor's implementation neutral ("a
// task per job driven by an async runtime" is an accepted model), so
// this is realized as Go's idiomatic single-consumer channel-of-closures
// loop rather than an epoll/kqueue binding.
package loop

import "sync"

// Loop serializes callbacks onto one goroutine. Callers from any
// goroutine may call Post; the callback runs on the loop goroutine in
// the order it was posted, never concurrently with any other posted
// callback.
type Loop struct {
	work chan func()
	done chan struct{}

	stopOnce sync.Once
}

// New creates a Loop with the given pending-callback queue depth. A
// depth of 0 makes Post block until the loop goroutine is ready to
// accept the next callback, which is fine for tests; production code
// should give it enough headroom to avoid stalling busy I/O goroutines.
func New(queueDepth int) *Loop {
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Loop{
		work: make(chan func(), queueDepth),
		done: make(chan struct{}),
	}
}

// Run drains the work queue on the calling goroutine until Stop is
// called. This is the "loop thread" spec §4.1/§5 refers to — callers
// should invoke Run from its own dedicated goroutine and never from more
// than one goroutine at a time.
func (l *Loop) Run() {
	for {
		select {
		case fn := <-l.work:
			fn()
		case <-l.done:
			// Drain whatever is already queued before exiting, so a Stop
			// racing with a burst of Posts doesn't drop in-flight work.
			for {
				select {
				case fn := <-l.work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post queues fn to run on the loop goroutine. Safe to call from any
// goroutine, including from inside another posted callback.
func (l *Loop) Post(fn func()) {
	select {
	case l.work <- fn:
	case <-l.done:
		// Loop is shutting down; drop the callback rather than block
		// forever on a channel nobody will ever drain again.
	}
}

// Stop signals Run to return once the current queue has drained. Safe
// to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// PostAndWait runs fn on the loop goroutine and blocks the caller until
// it completes, or returns immediately without running fn if the loop
// has already stopped. Useful in tests that need a synchronization point
// without reaching into Loop internals.
func (l *Loop) PostAndWait(fn func()) {
	// Checked first: with a buffered queue the send below would also be
	// ready after Stop, and nothing would ever run fn to close done.
	select {
	case <-l.done:
		return
	default:
	}
	done := make(chan struct{})
	select {
	case l.work <- func() {
		fn()
		close(done)
	}:
		<-done
	case <-l.done:
	}
}
