package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Runs against a real server only when TEST_REDIS_ADDR is set.
func newRedisStreams(t *testing.T, consumer string, lease time.Duration) (*RedisStreams, goredis.UniversalClient) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	stream := "test:generation:" + uuid.NewString()
	t.Cleanup(func() { _ = rdb.Del(context.Background(), stream).Err() })

	q, err := NewRedisStreams(context.Background(), rdb, nil, RedisConfig{
		Stream:            stream,
		Group:             "workers",
		Consumer:          consumer,
		LeaseTimeout:      lease,
		HeartbeatInterval: lease / 2,
		Block:             50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedisStreams: %v", err)
	}
	return q, rdb
}

func TestRedisStreamsPublishReceiveAck(t *testing.T) {
	q, rdb := newRedisStreams(t, "c1", time.Minute)
	ctx := context.Background()
	id := uuid.New()
	if err := q.Publish(ctx, Message{RequestID: id}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, err := q.Receive(ctx)
	if err != nil || d == nil {
		t.Fatalf("Receive: d=%+v err=%v", d, err)
	}
	m, err := Decode(d.Payload)
	if err != nil || m.RequestID != id || d.Attempt != 1 {
		t.Fatalf("delivery: %+v msg=%+v err=%v", d, m, err)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	pending, err := rdb.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil || pending.Count != 0 {
		t.Fatalf("XPending: %+v err=%v", pending, err)
	}
}

func TestRedisStreamsReclaimsFromCrashedConsumer(t *testing.T) {
	crashed, rdb := newRedisStreams(t, "crashed", 100*time.Millisecond)
	ctx := context.Background()
	if err := crashed.Publish(ctx, Message{RequestID: uuid.New()}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if d, err := crashed.Receive(ctx); err != nil || d == nil {
		t.Fatalf("Receive: d=%+v err=%v", d, err)
	}

	cfg := crashed.cfg
	cfg.Consumer = "survivor"
	survivor, err := NewRedisStreams(ctx, rdb, nil, cfg)
	if err != nil {
		t.Fatalf("NewRedisStreams: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	d, err := survivor.Receive(ctx)
	if err != nil || d == nil {
		t.Fatalf("Receive after idle: d=%+v err=%v", d, err)
	}
	if d.Attempt != 2 {
		t.Fatalf("Attempt: got %d, want 2", d.Attempt)
	}
	if err := survivor.Extend(ctx, d); err != nil {
		t.Fatalf("Extend: %v", err)
	}
}

func TestRedisStreamsNackRedeliversAfterReclaimIdle(t *testing.T) {
	q, rdb := newRedisStreams(t, "c1", 100*time.Millisecond)
	ctx := context.Background()
	if err := q.Publish(ctx, Message{RequestID: uuid.New()}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, err := q.Receive(ctx)
	if err != nil || d == nil {
		t.Fatalf("Receive: d=%+v err=%v", d, err)
	}
	// A backoff far longer than the reclaim idle time does not hold the entry back.
	if err := q.Nack(ctx, d, time.Hour); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	pending, err := rdb.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil || pending.Count != 1 {
		t.Fatalf("XPending after Nack: %+v err=%v", pending, err)
	}

	time.Sleep(200 * time.Millisecond)
	again, err := q.Receive(ctx)
	if err != nil || again == nil {
		t.Fatalf("Receive after idle: d=%+v err=%v", again, err)
	}
	if again.ID != d.ID || again.Attempt != 2 {
		t.Fatalf("redelivery: got id=%s attempt=%d, want id=%s attempt=2", again.ID, again.Attempt, d.ID)
	}
}
