package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// DefaultForwarderQueueSize bounds events buffered for external sinks.
const DefaultForwarderQueueSize = 256

// Forwarder copies bus events to external publishers on its own goroutine.
// Handle never blocks: when the queue is full the event is dropped and counted.
type Forwarder struct {
	logger     *zap.Logger
	publishers []domain.EventPublisher
	timeout    time.Duration

	mu      sync.Mutex
	queue   chan domain.Event
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
	onDrop  func()
}

// NewForwarder creates a forwarder. publishTimeout bounds each Publish call.
func NewForwarder(logger *zap.Logger, queueSize int, publishTimeout time.Duration, publishers ...domain.EventPublisher) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultForwarderQueueSize
	}
	if publishTimeout <= 0 {
		publishTimeout = 2 * time.Second
	}
	return &Forwarder{
		logger:     logger,
		publishers: publishers,
		timeout:    publishTimeout,
		queue:      make(chan domain.Event, queueSize),
	}
}

// OnDrop registers a callback run whenever an event is dropped.
func (f *Forwarder) OnDrop(fn func()) {
	f.onDrop = fn
}

// Start launches the delivery goroutine.
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.run(ctx)
	f.logger.Info("Event forwarder started", zap.Int("publishers", len(f.publishers)))
}

// Handle is a bus Handler.
func (f *Forwarder) Handle(ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- ev:
	default:
		f.dropped.Add(1)
		if f.onDrop != nil {
			f.onDrop()
		}
	}
}

// Stop drains queued events, then closes every publisher.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, p := range f.publishers {
		if cerr := p.Close(); cerr != nil {
			f.logger.Warn("Failed to close publisher", zap.String("publisher", p.Name()), zap.Error(cerr))
		}
	}
	f.logger.Info("Event forwarder stopped",
		zap.Int64("dropped", f.dropped.Load()),
		zap.Int64("failed", f.failed.Load()))
	return err
}

// Dropped returns how many events were discarded on a full queue.
func (f *Forwarder) Dropped() int64 { return f.dropped.Load() }

// Failed returns how many publish calls returned an error.
func (f *Forwarder) Failed() int64 { return f.failed.Load() }

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()
	for ev := range f.queue {
		for _, p := range f.publishers {
			pctx, cancel := context.WithTimeout(ctx, f.timeout)
			if err := p.Publish(pctx, ev); err != nil {
				f.failed.Add(1)
				f.logger.Warn("Failed to forward event",
					zap.String("publisher", p.Name()),
					zap.String("kind", string(ev.Kind)),
					zap.Error(err))
			}
			cancel()
		}
	}
}
