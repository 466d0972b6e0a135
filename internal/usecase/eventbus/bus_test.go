package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isa-warehouse/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Model: "sample", RecordID: "01HX"}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventRecordCreated, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventRecordCreated && e.Model == "sample" {
			got.Add(1)
		}
	})
	bus.Subscribe(domain.EventRecordDeleted, func(_ context.Context, _ domain.Event) {
		t.Error("deleted handler must not receive created events")
	})

	bus.Publish(context.Background(), newEvent(domain.EventRecordCreated))
	bus.Close()
	assert.Equal(t, int32(1), got.Load())
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventRecordCreated))
	bus.Publish(context.Background(), newEvent(domain.EventAccessDenied))
	bus.Close()

	assert.Equal(t, int32(2), got.Load())
}

func TestPublishStampsTimestamp(t *testing.T) {
	bus := newTestBus()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	stamps := make(chan time.Time, 2)
	bus.SubscribeAll(func(_ context.Context, e domain.Event) { stamps <- e.Timestamp })

	bus.Publish(context.Background(), newEvent(domain.EventRecordUpdated))
	preset := newEvent(domain.EventRecordUpdated)
	preset.Timestamp = fixed.Add(-time.Hour)
	bus.Publish(context.Background(), preset)
	bus.Close()
	close(stamps)

	var seen []time.Time
	for ts := range stamps {
		seen = append(seen, ts)
	}
	assert.ElementsMatch(t, []time.Time{fixed, fixed.Add(-time.Hour)}, seen)
}

func TestHandlerContextOutlivesRequest(t *testing.T) {
	bus := newTestBus()

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "req-1"))
	done := make(chan error, 1)
	bus.SubscribeAll(func(hctx context.Context, _ domain.Event) {
		time.Sleep(10 * time.Millisecond)
		if hctx.Value(ctxKey{}) != "req-1" {
			t.Error("handler context lost request values")
		}
		done <- hctx.Err()
	})

	bus.Publish(ctx, newEvent(domain.EventRecordCreated))
	cancel()
	bus.Close()

	assert.NoError(t, <-done)
}

type ctxKey struct{}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var typed, all atomic.Int32
	unsubTyped := bus.Subscribe(domain.EventRecordCreated, func(_ context.Context, _ domain.Event) {
		typed.Add(1)
	})
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		all.Add(1)
	})
	bus.Subscribe(domain.EventRecordCreated, func(_ context.Context, _ domain.Event) {})

	unsubTyped()
	unsubAll()
	unsubAll()

	bus.Publish(context.Background(), newEvent(domain.EventRecordCreated))
	bus.Close()

	assert.Equal(t, int32(0), typed.Load())
	assert.Equal(t, int32(0), all.Load())
	bus.mu.RLock()
	assert.Len(t, bus.typed[domain.EventRecordCreated], 1)
	bus.mu.RUnlock()
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventRecordUpdated, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventRecordUpdated))
		}()
	}
	wg.Wait()
	bus.Close()

	assert.Equal(t, int32(100), got.Load())
}

func TestPanickingHandlerRecovered(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventRecordDeleted, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventRecordDeleted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), newEvent(domain.EventRecordDeleted))
		bus.Close()
	})
	assert.Equal(t, int32(1), got.Load())
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventRecordCreated, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventRecordCreated))
	bus.Close()
	assert.Equal(t, int32(1), got.Load())

	bus.Publish(context.Background(), newEvent(domain.EventRecordCreated))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load(), "no delivery after close")

	bus.Close()
}

func BenchmarkPublish(b *testing.B) {
	bus := New(slog.Default())
	ctx := context.Background()
	event := newEvent(domain.EventRecordCreated)
	bus.Subscribe(domain.EventRecordCreated, func(_ context.Context, _ domain.Event) {})
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {})

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
	bus.Close()
}
