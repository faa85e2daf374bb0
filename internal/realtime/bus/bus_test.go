package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/realtime"
)

func TestMemoryBusFansOut(t *testing.T) {
	b := NewMemory()
	got := make(chan realtime.Message, 2)
	for i := 0; i < 2; i++ {
		if err := b.StartForwarder(context.Background(), func(m realtime.Message) { got <- m }); err != nil {
			t.Fatalf("StartForwarder: %v", err)
		}
	}
	id := uuid.New()
	if err := b.Publish(context.Background(), realtime.CompletedMessage(id, time.Now())); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		if m := <-got; m.RequestID != id {
			t.Fatalf("forwarder %d: got %+v", i, m)
		}
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis bus tests")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	t.Setenv("NOTIFY_CHANNEL", "test-events-"+uuid.NewString())

	b, err := NewRedisBus(logger.Nop(), rdb)
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan realtime.Message, 1)
	if err := b.StartForwarder(ctx, func(m realtime.Message) { got <- m }); err != nil {
		t.Fatalf("StartForwarder: %v", err)
	}

	id := uuid.New()
	if err := b.Publish(ctx, realtime.CompletedMessage(id, time.Now())); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case m := <-got:
		if m.RequestID != id || m.Event != realtime.EventGenerationCompleted {
			t.Fatalf("got %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for forwarded message")
	}
}
