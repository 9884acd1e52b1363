package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

func setupProgressBus(t *testing.T, bufferSize int) *ProgressBus {
	t.Helper()
	bus := NewProgressBus(zaptest.NewLogger(t), bufferSize)
	t.Cleanup(bus.Shutdown)
	return bus
}

func TestProgressBus_PublishSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := setupProgressBus(t, 4)

	first, unsubFirst := bus.Subscribe()
	defer unsubFirst()
	second, unsubSecond := bus.Subscribe()
	defer unsubSecond()

	require.NoError(t, bus.Publish(context.Background(), schemas.Event{RunID: "r1", Type: schemas.EventRunStarted}))

	for _, ch := range []<-chan schemas.Event{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, "r1", ev.RunID)
			assert.False(t, ev.Time.IsZero(), "bus stamps the event")
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestProgressBus_NoSubscribersDoesNotBlock(t *testing.T) {
	bus := setupProgressBus(t, 1)
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), schemas.Event{Type: schemas.EventActionStarted, Step: i}))
	}
}

func TestProgressBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := setupProgressBus(t, 1)
	stalled, unsubStalled := bus.Subscribe()
	defer unsubStalled()
	reader, unsubReader := bus.Subscribe()
	defer unsubReader()

	start := time.Now()
	for i := 1; i <= 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), schemas.Event{Type: schemas.EventActionStarted, Step: i}))
		select {
		case ev := <-reader:
			assert.Equal(t, i, ev.Step, "a reading subscriber still gets every event")
		case <-time.After(time.Second):
			t.Fatal("event not delivered to reading subscriber")
		}
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Equal(t, int64(4), bus.Dropped())
	ev := <-stalled
	assert.Equal(t, 1, ev.Step, "the stalled subscriber keeps what fit in its buffer")
}

func TestProgressBus_RunFinishedWaitsForRoomUntilDeadline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := setupProgressBus(t, 1)
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), schemas.Event{Type: schemas.EventActionStarted, Step: 1}))

	t.Run("delivered once the subscriber reads", func(t *testing.T) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			<-events
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, bus.Publish(ctx, schemas.Event{Type: schemas.EventRunFinished, Step: 2}))
		ev := <-events
		assert.Equal(t, schemas.EventRunFinished, ev.Type)
	})

	t.Run("gives up at the deadline", func(t *testing.T) {
		require.NoError(t, bus.Publish(context.Background(), schemas.Event{Type: schemas.EventActionStarted, Step: 3}))
		before := bus.Dropped()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		err := bus.Publish(ctx, schemas.Event{Type: schemas.EventRunFinished, Step: 4})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, before+1, bus.Dropped())
	})
}

func TestProgressBus_ShutdownUnblocksPublisher(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := NewProgressBus(zaptest.NewLogger(t), 1)
	events, _ := bus.Subscribe()
	require.NoError(t, bus.Publish(context.Background(), schemas.Event{Step: 1}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Waits on the full buffer until Shutdown closes it.
		_ = bus.Publish(context.Background(), schemas.Event{Type: schemas.EventRunFinished, Step: 2})
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Shutdown()
	wg.Wait()

	var drained int
	for range events {
		drained++
	}
	assert.GreaterOrEqual(t, drained, 1)
	assert.ErrorIs(t, bus.Publish(context.Background(), schemas.Event{}), ErrBusClosed)
}

func TestProgressBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := setupProgressBus(t, 1)
	events, unsubscribe := bus.Subscribe()
	unsubscribe()
	unsubscribe()

	_, open := <-events
	assert.False(t, open)
	require.NoError(t, bus.Publish(context.Background(), schemas.Event{}))

	bus.Shutdown()
	late, _ := bus.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after shutdown yields a closed channel")
}
