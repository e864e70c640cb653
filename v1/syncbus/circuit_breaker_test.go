package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyBus struct {
	*InMemoryBus
	err   error
	calls int
}

func (f *flakyBus) Publish(ctx context.Context, topic string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return f.InMemoryBus.Publish(ctx, topic)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	cb := NewCircuitBreaker(fb, 2, 50*time.Millisecond)
	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}
	fb.err = failErr
	for i := 0; i < 2; i++ {
		if err := cb.Publish(ctx, "t"); !errors.Is(err, failErr) {
			t.Fatalf("publish %d: expected failErr, got %v", i, err)
		}
	}
	if cb.IsHealthy() {
		t.Fatal("expected open circuit after threshold")
	}
	if err := cb.Publish(ctx, "t"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if fb.calls != 2 {
		t.Fatalf("open circuit must not reach the bus, got %d calls", fb.calls)
	}

	time.Sleep(60 * time.Millisecond)
	fb.err = nil
	if err := cb.Publish(ctx, "t"); err != nil {
		t.Fatalf("probe publish: %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected closed circuit after successful probe")
	}
}

func TestCircuitBreakerPassesSubscriptions(t *testing.T) {
	inner := NewInMemoryBus()
	cb := NewCircuitBreaker(inner, 1, time.Second)
	ctx := context.Background()
	ch, err := cb.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(ctx, "t"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectSignal(t, ch)
	if err := cb.Unsubscribe(ctx, "t", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}
