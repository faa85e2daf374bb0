package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

const payloadField = "payload"

type RedisConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Entries idle longer than LeaseTimeout+HeartbeatInterval are reclaimed
	// from crashed consumers.
	LeaseTimeout      time.Duration
	HeartbeatInterval time.Duration
	Block             time.Duration
	MaxLen            int64
}

func RedisConfigFromEnv(consumer string) RedisConfig {
	return RedisConfig{
		Stream:            envutil.String("QUEUE_STREAM", "generation:requests"),
		Group:             envutil.String("QUEUE_GROUP", "generation-workers"),
		Consumer:          consumer,
		LeaseTimeout:      envutil.Duration("QUEUE_LEASE_TIMEOUT", 2*time.Minute),
		HeartbeatInterval: envutil.Duration("QUEUE_HEARTBEAT_INTERVAL", 30*time.Second),
		Block:             envutil.Duration("QUEUE_BLOCK", 2*time.Second),
		MaxLen:            int64(envutil.Int("QUEUE_MAX_LEN", 100000)),
	}
}

func (c RedisConfig) reclaimIdle() time.Duration { return c.LeaseTimeout + c.HeartbeatInterval }

// RedisStreams is the multi-process driver: a consumer group over one stream.
// Pending entries stay owned by their consumer until acked or reclaimed.
type RedisStreams struct {
	rdb goredis.UniversalClient
	cfg RedisConfig
	log *logger.Logger
}

func NewRedisStreams(ctx context.Context, rdb goredis.UniversalClient, log *logger.Logger, cfg RedisConfig) (*RedisStreams, error) {
	if rdb == nil {
		return nil, errors.New("redis streams: client required")
	}
	if strings.TrimSpace(cfg.Stream) == "" || strings.TrimSpace(cfg.Group) == "" || strings.TrimSpace(cfg.Consumer) == "" {
		return nil, errors.New("redis streams: stream, group and consumer are required")
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redis streams: create group: %w", err)
	}
	return &RedisStreams{
		rdb: rdb,
		cfg: cfg,
		log: log.With("component", "RedisStreamsQueue", "stream", cfg.Stream, "consumer", cfg.Consumer),
	}, nil
}

func (q *RedisStreams) Publish(ctx context.Context, msg Message) error {
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	args := &goredis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]interface{}{payloadField: string(raw)},
	}
	if q.cfg.MaxLen > 0 {
		args.MaxLen = q.cfg.MaxLen
		args.Approx = true
	}
	if err := q.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis streams: xadd: %w", err)
	}
	return nil
}

// Receive prefers reclaiming abandoned entries over reading new ones, so a
// crashed worker's requests resume before fresh work piles on top.
func (q *RedisStreams) Receive(ctx context.Context) (*Delivery, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.reclaimIdle(),
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis streams: xautoclaim: %w", err)
	}
	if len(msgs) > 0 {
		d := q.toDelivery(msgs[0])
		d.Attempt = q.deliveryCount(ctx, d.ID)
		q.log.Info("Reclaimed idle delivery", "message_id", d.ID, "attempt", d.Attempt)
		return d, nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    q.cfg.Block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redis streams: xreadgroup: %w", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			d := q.toDelivery(s.Messages[0])
			d.Attempt = 1
			return d, nil
		}
	}
	return nil, nil
}

func (q *RedisStreams) toDelivery(m goredis.XMessage) *Delivery {
	var payload []byte
	switch v := m.Values[payloadField].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	}
	return &Delivery{ID: m.ID, Payload: payload}
}

// deliveryCount reads the entry's delivery counter from the pending list.
// On lookup failure the entry is treated as redelivered once.
func (q *RedisStreams) deliveryCount(ctx context.Context, id string) int {
	pending, err := q.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		if err != nil {
			q.log.Warn("XPENDING lookup failed", "message_id", id, "error", err)
		}
		return 2
	}
	return int(pending[0].RetryCount)
}

func (q *RedisStreams) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	if err := q.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("redis streams: xack: %w", err)
	}
	return nil
}

// Nack leaves the entry pending; it is reclaimed after the reclaim idle time.
// Streams have no delayed release, so the requested delay is not honoured:
// redelivery always waits LeaseTimeout+HeartbeatInterval.
func (q *RedisStreams) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	if d == nil {
		return nil
	}
	if idle := q.cfg.reclaimIdle(); delay != idle {
		q.log.Info("Nack left pending; redelivery follows the reclaim idle time, not the backoff",
			"message_id", d.ID,
			"attempt", d.Attempt,
			"requested_delay", delay,
			"reclaim_idle", idle,
		)
	}
	return nil
}

// Extend resets the entry's idle time without bumping its delivery count.
func (q *RedisStreams) Extend(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	ids, err := q.rdb.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  0,
		Messages: []string{d.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis streams: xclaim: %w", err)
	}
	if len(ids) == 0 {
		return errors.New("redis streams: delivery no longer pending")
	}
	return nil
}

// Close leaves the shared client open; its owner closes it.
func (q *RedisStreams) Close() error { return nil }
