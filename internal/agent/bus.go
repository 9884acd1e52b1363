package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// ErrBusClosed is returned by Publish after Shutdown.
var ErrBusClosed = errors.New("progress bus is shut down")

// ProgressBus fans run events out to subscribers. Publish never waits on a
// slow subscriber: an event that does not fit a full buffer is dropped and
// counted. The run-finished event is the exception and waits until ctx is
// done, so callers bound it with a short deadline.
type ProgressBus struct {
	logger     *zap.Logger
	bufferSize int
	dropped    atomic.Int64

	mu          sync.RWMutex
	subscribers map[uint64]chan schemas.Event
	nextID      uint64

	// activePublishes tracks Publish calls in flight so Shutdown can wait.
	activePublishes sync.WaitGroup
	shutdownMu      sync.Mutex
	isShutdown      bool
}

// NewProgressBus creates a bus whose subscriber channels hold bufferSize events.
func NewProgressBus(logger *zap.Logger, bufferSize int) *ProgressBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &ProgressBus{
		logger:      logger.Named("progress_bus"),
		bufferSize:  bufferSize,
		subscribers: make(map[uint64]chan schemas.Event),
	}
}

// Publish delivers ev to every current subscriber.
func (b *ProgressBus) Publish(ctx context.Context, ev schemas.Event) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return ErrBusClosed
	}
	b.activePublishes.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePublishes.Done()

	// A subscriber channel closed by Shutdown mid-send panics; report it as closed.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("Recovered from send on closed subscriber", zap.Any("panic", r))
			err = ErrBusClosed
		}
	}()

	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]chan schemas.Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if ev.Type != schemas.EventRunFinished {
			b.drop(ev)
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.drop(ev)
			return ctx.Err()
		}
	}
	return nil
}

func (b *ProgressBus) drop(ev schemas.Event) {
	n := b.dropped.Add(1)
	b.logger.Debug("Subscriber buffer full; event dropped",
		zap.String("type", string(ev.Type)), zap.Int("step", ev.Step), zap.Int64("dropped_total", n))
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *ProgressBus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe returns a channel of events and a func that removes the
// subscription and closes the channel.
func (b *ProgressBus) Subscribe() (<-chan schemas.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan schemas.Event, b.bufferSize)
	if b.isClosed() {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[id]; !ok {
				// Already closed by Shutdown.
				return
			}
			delete(b.subscribers, id)
			close(ch)
		})
	}
	return ch, unsubscribe
}

func (b *ProgressBus) isClosed() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.isShutdown
}

// Shutdown rejects new publishes, closes every subscriber channel and waits
// for in-flight publishes to return. It is safe to call more than once.
func (b *ProgressBus) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	// Closing unblocks a run-finished publish waiting on a full buffer.
	b.mu.Lock()
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	b.activePublishes.Wait()
}
