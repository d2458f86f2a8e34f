package main

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// eventLoop runs closures one at a time on a single goroutine. Everything a
// page session owns is mutated only from inside the loop, so none of it needs
// locking. Blocking work happens elsewhere and posts its result back.
type eventLoop struct {
	queue    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		queue: make(chan func(), 64),
		done:  make(chan struct{}),
	}
}

// run processes posted closures until stop is called
func (l *eventLoop) run() {
	for {
		select {
		case fn := <-l.queue:
			select {
			case <-l.done:
				return
			default:
			}
			fn()
		case <-l.done:
			return
		}
	}
}

// post queues fn. It returns false once the loop has been stopped.
func (l *eventLoop) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// call runs fn on the loop and waits for it. Must not be called from the loop itself.
func (l *eventLoop) call(fn func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}

	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

func (l *eventLoop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// timerSlot holds at most one pending timer whose callback runs on the loop.
// Re-arming or cancelling bumps the token, so a timer that already fired but
// has not yet been processed is ignored.
type timerSlot struct {
	clock    clock.Clock
	loop     *eventLoop
	timer    *clock.Timer
	token    uint64
	deadline time.Time
}

func newTimerSlot(clk clock.Clock, loop *eventLoop) *timerSlot {
	return &timerSlot{clock: clk, loop: loop}
}

func (s *timerSlot) arm(d time.Duration, fn func()) {
	s.cancel()
	token := s.token
	s.deadline = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() {
		s.loop.post(func() {
			if s.token != token {
				return
			}
			s.timer = nil
			fn()
		})
	})
}

func (s *timerSlot) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.token++
}

func (s *timerSlot) pending() bool {
	return s.timer != nil
}

// remaining is the time left until the pending timer fires
func (s *timerSlot) remaining() time.Duration {
	if s.timer == nil {
		return 0
	}
	if d := s.deadline.Sub(s.clock.Now()); d > 0 {
		return d
	}
	return 0
}
