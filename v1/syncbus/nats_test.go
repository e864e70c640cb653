package syncbus

import (
	"context"
	"os"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	addr := os.Getenv("IDEMLOCK_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATSBus(conn)
}

func TestNATSBusPublishSubscribe(t *testing.T) {
	bus := newNATSBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, UnlockTopic("k"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, UnlockTopic("k")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectSignal(t, ch)
	if m := bus.Metrics(); m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestNATSBusUnsubscribe(t *testing.T) {
	bus := newNATSBus(t)
	ctx := context.Background()
	ch1, _ := bus.Subscribe(ctx, "t")
	ch2, _ := bus.Subscribe(ctx, "t")
	if err := bus.Unsubscribe(ctx, "t", ch1); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch1; ok {
		t.Fatal("expected closed channel")
	}
	if err := bus.Publish(ctx, "t"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectSignal(t, ch2)
	if err := bus.Unsubscribe(ctx, "t", ch2); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.subs) != 0 {
		t.Fatalf("expected no subscriptions, got %d", len(bus.subs))
	}
}
