package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// RedisConfig tunes the stream, consumer group, and redelivery window.
type RedisConfig struct {
	Stream   string
	Group    string
	Consumer string

	// BatchSize bounds how many messages one Next call returns.
	BatchSize int

	// Block is how long Next waits for new entries before returning an
	// empty batch.
	Block time.Duration

	// MinIdle is how long an unacknowledged (retried or abandoned) entry
	// stays pending before the reclaim pass redelivers it. This is the
	// queue's visibility timeout.
	MinIdle time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Stream == "" {
		c.Stream = "replication:clients"
	}
	if c.Group == "" {
		c.Group = "region-sync"
	}
	if c.Consumer == "" {
		c.Consumer = "sync-worker"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 30 * time.Second
	}
	return c
}

// RedisQueue is a replication queue over one Redis Stream with a consumer
// group. It is both the Producer used by the primary write path and the
// Source read by the sync consumer.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedisQueue ensures the stream and consumer group exist and returns the
// queue. An already-existing group is fine (workers restart).
func NewRedisQueue(client *redis.Client, cfg RedisConfig, logger *slog.Logger) (*RedisQueue, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	err := client.XGroupCreateMkStream(context.Background(), cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("queue: create consumer group: %w", err)
	}

	return &RedisQueue{
		client: client,
		cfg:    cfg,
		logger: logger.With("stream", cfg.Stream, "group", cfg.Group),
	}, nil
}

// Publish appends one message to the stream.
func (q *RedisQueue) Publish(ctx context.Context, payload []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Next returns the next batch: first any pending entries whose visibility
// timeout expired (retried or abandoned by a dead consumer), then new
// entries. An empty batch after the block window is not an error.
func (q *RedisQueue) Next(ctx context.Context) ([]Message, error) {
	reclaimed, err := q.reclaim(ctx)
	if err != nil {
		return nil, err
	}
	if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(q.cfg.BatchSize),
		Block:    q.cfg.Block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: read: %w", err)
	}

	var batch []Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			batch = append(batch, q.wrap(entry))
		}
	}
	return batch, nil
}

func (q *RedisQueue) Close() error { return nil }

// Pending reports how many delivered-but-unacknowledged entries the group
// holds. Housekeeping reads it for backlog visibility.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	pending, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: pending: %w", err)
	}
	return pending.Count, nil
}

func (q *RedisQueue) reclaim(ctx context.Context) ([]Message, error) {
	entries, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.MinIdle,
		Start:    "0-0",
		Count:    int64(q.cfg.BatchSize),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: reclaim: %w", err)
	}

	var batch []Message
	for _, entry := range entries {
		batch = append(batch, q.wrap(entry))
	}
	if len(batch) > 0 {
		q.logger.Info("reclaimed pending replication messages", "count", len(batch))
	}
	return batch, nil
}

func (q *RedisQueue) wrap(entry redis.XMessage) Message {
	payload, _ := entry.Values[payloadField].(string)
	return &redisMessage{id: entry.ID, payload: []byte(payload), q: q}
}

type redisMessage struct {
	id      string
	payload []byte
	q       *RedisQueue
}

func (m *redisMessage) ID() string      { return m.id }
func (m *redisMessage) Payload() []byte { return m.payload }

func (m *redisMessage) Ack(ctx context.Context) error {
	err := m.q.client.XAck(ctx, m.q.cfg.Stream, m.q.cfg.Group, m.id).Err()
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", m.id, err)
	}
	return nil
}

// Retry leaves the entry pending; the reclaim pass redelivers it once
// MinIdle elapses. Re-adding the entry would duplicate it, and pending
// entries are exactly the stream's redelivery mechanism.
func (m *redisMessage) Retry(ctx context.Context) error {
	m.q.logger.Debug("replication message left pending for redelivery",
		"message_id", m.id, "min_idle", m.q.cfg.MinIdle)
	return nil
}
