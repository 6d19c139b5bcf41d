// Package loop provides the single cooperative event loop every component
// schedules on. Callbacks never run concurrently with each other.
package loop

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrStopped is returned by Call when the loop is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted functions and timers on one goroutine.
type Loop struct {
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	seq    uint64
	timers timerHeap
	posted []func()
	wake   chan struct{}
	done   chan struct{}

	// firing is the deadline of the timer being run, so timers armed from a
	// callback are relative to the scheduled time rather than wall time.
	firing time.Time
}

// New creates a loop. A nil clock uses the real clock.
func New(clk clock.Clock, logger *zap.Logger) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		clock:  clk,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Clock returns the loop time source.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Now returns the loop time. Inside a timer callback this is the timer deadline.
func (l *Loop) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nowLocked()
}

func (l *Loop) nowLocked() time.Time {
	if !l.firing.IsZero() {
		return l.firing
	}
	return l.clock.Now()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post queues fn to run on the loop.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.signal()
}

// AfterFunc runs fn once after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	return l.schedule(d, 0, fn)
}

// Every runs fn every interval until the timer is stopped.
func (l *Loop) Every(interval time.Duration, fn func()) *Timer {
	if interval <= 0 {
		panic(fmt.Sprintf("loop: non-positive interval %v", interval))
	}
	return l.schedule(interval, interval, fn)
}

func (l *Loop) schedule(d, every time.Duration, fn func()) *Timer {
	l.mu.Lock()
	l.seq++
	t := &Timer{
		loop:  l,
		seq:   l.seq,
		at:    l.nowLocked().Add(d),
		every: every,
		fn:    fn,
		index: -1,
	}
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.signal()
	return t
}

// Call runs fn on the loop and waits for its result. It is how goroutines
// outside the loop (HTTP handlers, signal handlers) touch loop-owned state.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	l.Post(func() { result <- fn() })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// RunPending runs every posted function and every timer due at the current
// clock time, in order, on the calling goroutine. It returns the number of
// callbacks run. Tests drive the loop with a mock clock and RunPending.
func (l *Loop) RunPending() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.posted) > 0 {
			fn := l.posted[0]
			l.posted = l.posted[1:]
			l.mu.Unlock()
			l.invoke(fn)
			ran++
			continue
		}

		now := l.clock.Now()
		if len(l.timers) == 0 || l.timers[0].at.After(now) {
			l.mu.Unlock()
			return ran
		}
		t := heap.Pop(&l.timers).(*Timer)
		l.firing = t.at
		if t.every > 0 {
			t.at = t.at.Add(t.every)
			heap.Push(&l.timers, t)
		}
		fn := t.fn
		l.mu.Unlock()

		l.invoke(fn)
		ran++

		l.mu.Lock()
		l.firing = time.Time{}
		l.mu.Unlock()
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Event loop callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	l.logger.Info("Event loop started")

	for {
		l.RunPending()

		l.mu.Lock()
		pending := len(l.posted) > 0
		var wait time.Duration
		hasTimer := len(l.timers) > 0
		if hasTimer {
			wait = l.timers[0].at.Sub(l.clock.Now())
		}
		l.mu.Unlock()
		if pending {
			continue
		}

		var timerC <-chan time.Time
		var timer *clock.Timer
		if hasTimer {
			timer = l.clock.Timer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			l.logger.Info("Event loop stopped")
			return ctx.Err()
		case <-l.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Timer is a cancelable loop timer.
type Timer struct {
	loop  *Loop
	seq   uint64
	at    time.Time
	every time.Duration
	fn    func()
	index int
}

// Stop cancels the timer. It returns false if the timer already fired
// (one-shot) or was already stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

// Deadline returns when the timer fires next.
func (t *Timer) Deadline() time.Time {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.at
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
