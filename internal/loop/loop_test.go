package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop() (*Loop, *clock.Mock) {
	mock := clock.NewMock()
	return New(mock, nil), mock
}

func TestLoop_PostRunsInOrder(t *testing.T) {
	l, _ := newTestLoop()
	var got []int
	l.Post(func() { got = append(got, 1) })
	l.Post(func() { got = append(got, 2) })

	assert.Equal(t, 2, l.RunPending())
	assert.Equal(t, []int{1, 2}, got)
}

func TestLoop_AfterFunc(t *testing.T) {
	l, mock := newTestLoop()
	fired := 0
	l.AfterFunc(5*time.Second, func() { fired++ })

	mock.Add(4 * time.Second)
	l.RunPending()
	assert.Equal(t, 0, fired)

	mock.Add(time.Second)
	l.RunPending()
	assert.Equal(t, 1, fired)

	mock.Add(time.Minute)
	l.RunPending()
	assert.Equal(t, 1, fired, "one-shot timer fires once")
}

func TestLoop_StopCancels(t *testing.T) {
	l, mock := newTestLoop()
	fired := false
	timer := l.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop is a no-op")

	mock.Add(2 * time.Second)
	l.RunPending()
	assert.False(t, fired)
}

func TestLoop_StopFromEarlierCallback(t *testing.T) {
	l, mock := newTestLoop()
	var victimFired bool
	var victim *Timer
	l.AfterFunc(time.Second, func() { victim.Stop() })
	victim = l.AfterFunc(time.Second, func() { victimFired = true })

	mock.Add(time.Second)
	l.RunPending()
	assert.False(t, victimFired, "a timer cancelled by an earlier callback in the same batch never runs")
}

func TestLoop_Every(t *testing.T) {
	l, mock := newTestLoop()
	ticks := 0
	timer := l.Every(time.Second, func() { ticks++ })

	mock.Add(3500 * time.Millisecond)
	l.RunPending()
	assert.Equal(t, 3, ticks)

	timer.Stop()
	mock.Add(5 * time.Second)
	l.RunPending()
	assert.Equal(t, 3, ticks)
}

func TestLoop_DeadlineOrdering(t *testing.T) {
	l, mock := newTestLoop()
	var order []string
	l.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	l.AfterFunc(time.Second, func() { order = append(order, "a") })
	l.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	mock.Add(10 * time.Second)
	l.RunPending()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestLoop_ChainedTimersUseScheduledTime(t *testing.T) {
	l, mock := newTestLoop()
	start := mock.Now()
	var at []time.Duration

	var step func()
	step = func() {
		at = append(at, l.Now().Sub(start))
		if len(at) < 3 {
			l.AfterFunc(5*time.Second, step)
		}
	}
	l.AfterFunc(5*time.Second, step)

	mock.Add(15 * time.Second)
	l.RunPending()
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}, at)
}

func TestLoop_PanicIsContained(t *testing.T) {
	l, _ := newTestLoop()
	after := false
	l.Post(func() { panic("boom") })
	l.Post(func() { after = true })

	assert.NotPanics(t, func() { l.RunPending() })
	assert.True(t, after)
}

func TestLoop_RunAndCall(t *testing.T) {
	l := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	value := 0
	err := l.Call(context.Background(), func() error {
		value = 42
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	errBoom := errors.New("boom")
	assert.ErrorIs(t, l.Call(context.Background(), func() error { return errBoom }), errBoom)

	fired := make(chan struct{})
	l.Post(func() {
		l.AfterFunc(10*time.Millisecond, func() { close(fired) })
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire under Run")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.ErrorIs(t, l.Call(context.Background(), func() error { return nil }), ErrStopped)
}
