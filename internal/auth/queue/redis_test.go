package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg RedisConfig) *RedisQueue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisQueue(client, cfg, nil)
	require.NoError(t, err)
	return q
}

func testConfig() RedisConfig {
	return RedisConfig{
		Stream:    "replication:test",
		Group:     "region-sync",
		Consumer:  "worker-1",
		BatchSize: 10,
		Block:     50 * time.Millisecond,
		MinIdle:   time.Millisecond,
	}
}

func TestRedisQueuePublishAndConsume(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte(`{"operation":"delete","client_id":"c1"}`)))
	require.NoError(t, q.Publish(ctx, []byte(`{"operation":"delete","client_id":"c2"}`)))

	batch, err := q.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NotEmpty(t, batch[0].ID())
	require.JSONEq(t, `{"operation":"delete","client_id":"c1"}`, string(batch[0].Payload()))
}

func TestRedisQueueAckRemovesFromPending(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte(`x`)))

	batch, err := q.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)

	require.NoError(t, batch[0].Ack(ctx))

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, pending)
}

func TestRedisQueueRetryLeadsToRedelivery(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, []byte(`payload-1`)))

	batch, err := q.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	first := batch[0]
	require.NoError(t, first.Retry(ctx))

	// Once the visibility timeout passes, the reclaim pass redelivers the
	// same entry.
	time.Sleep(20 * time.Millisecond)

	batch, err = q.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, first.ID(), batch[0].ID())
	require.Equal(t, []byte(`payload-1`), batch[0].Payload())

	require.NoError(t, batch[0].Ack(ctx))
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, pending)
}

func TestNewRedisQueueIdempotentGroupCreation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, err := NewRedisQueue(client, testConfig(), nil)
	require.NoError(t, err)

	// A second worker joining the same group must not fail on BUSYGROUP.
	_, err = NewRedisQueue(client, testConfig(), nil)
	require.NoError(t, err)
}
