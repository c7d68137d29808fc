package sync

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelid/kestrel/internal/auth/domain"
	"github.com/kestrelid/kestrel/internal/auth/queue"
	"github.com/kestrelid/kestrel/internal/auth/resilience"
	"github.com/kestrelid/kestrel/internal/auth/store"
	"github.com/kestrelid/kestrel/internal/auth/store/drivers/sqlite"
	"github.com/kestrelid/kestrel/internal/auth/store/resilient"
	"github.com/stretchr/testify/require"
)

// fakeMessage records ack/retry calls.
type fakeMessage struct {
	id      string
	payload []byte
	acks    atomic.Int32
	retries atomic.Int32
}

func (m *fakeMessage) ID() string      { return m.id }
func (m *fakeMessage) Payload() []byte { return m.payload }

func (m *fakeMessage) Ack(context.Context) error {
	m.acks.Add(1)
	return nil
}

func (m *fakeMessage) Retry(context.Context) error {
	m.retries.Add(1)
	return nil
}

func newFakeMessage(t *testing.T, rm domain.ReplicationMessage) *fakeMessage {
	t.Helper()
	payload, err := domain.EncodeMessage(rm)
	require.NoError(t, err)
	return &fakeMessage{id: "1-0", payload: payload}
}

func threeRegions(failing int) ([]Region, []*memTarget) {
	targets := make([]*memTarget, 3)
	regions := make([]Region, 3)
	codes := []string{"ap-southeast-2", "us-east-1", "eu-west-1"}
	for i, code := range codes {
		targets[i] = newMemTarget()
		if i == failing {
			targets[i].failWith = errors.New("region unreachable")
		}
		regions[i] = Region{Code: code, Target: targets[i]}
	}
	return regions, targets
}

func TestConsumerAcksWhenAllRegionsSucceed(t *testing.T) {
	t.Parallel()

	regions, targets := threeRegions(-1)
	c := NewConsumer(nil, regions, ConsumerConfig{}, nil)

	msg := newFakeMessage(t, createMessage("c1"))
	c.ProcessBatch(context.Background(), []queue.Message{msg})

	require.EqualValues(t, 1, msg.acks.Load())
	require.EqualValues(t, 0, msg.retries.Load())
	for _, target := range targets {
		_, ok := target.snapshot("c1")
		require.True(t, ok)
	}
}

func TestConsumerRetriesOnPartialFailure(t *testing.T) {
	t.Parallel()

	regions, targets := threeRegions(1)
	c := NewConsumer(nil, regions, ConsumerConfig{}, nil)

	msg := newFakeMessage(t, createMessage("c1"))
	c.ProcessBatch(context.Background(), []queue.Message{msg})

	require.EqualValues(t, 0, msg.acks.Load())
	require.EqualValues(t, 1, msg.retries.Load())

	// Healthy regions still applied the message; the failed one did not.
	_, ok := targets[0].snapshot("c1")
	require.True(t, ok)
	_, ok = targets[1].snapshot("c1")
	require.False(t, ok)
	_, ok = targets[2].snapshot("c1")
	require.True(t, ok)
}

func TestConsumerZeroRegionsLeavesMessageAlone(t *testing.T) {
	t.Parallel()

	c := NewConsumer(nil, nil, ConsumerConfig{}, nil)

	msg := newFakeMessage(t, createMessage("c1"))
	c.ProcessBatch(context.Background(), []queue.Message{msg})

	require.EqualValues(t, 0, msg.acks.Load())
	require.EqualValues(t, 0, msg.retries.Load())
}

func TestConsumerBatchMessagesAreIndependent(t *testing.T) {
	t.Parallel()

	regions, _ := threeRegions(-1)
	c := NewConsumer(nil, regions, ConsumerConfig{}, nil)

	bad := &fakeMessage{id: "1-0", payload: []byte("{broken")}
	good := newFakeMessage(t, createMessage("c2"))

	c.ProcessBatch(context.Background(), []queue.Message{bad, good})

	// The poison message is discarded, the valid one processed normally.
	require.EqualValues(t, 1, bad.acks.Load())
	require.EqualValues(t, 0, bad.retries.Load())
	require.EqualValues(t, 1, good.acks.Load())
}

func TestConsumerReplayAfterPartialFailureConverges(t *testing.T) {
	t.Parallel()

	regions, targets := threeRegions(1)
	c := NewConsumer(nil, regions, ConsumerConfig{}, nil)
	ctx := context.Background()

	msg := newFakeMessage(t, createMessage("c1"))
	c.ProcessBatch(ctx, []queue.Message{msg})
	require.EqualValues(t, 1, msg.retries.Load())

	// Region recovers; the queue redelivers the same message.
	targets[1].failWith = nil
	c.ProcessBatch(ctx, []queue.Message{msg})

	require.EqualValues(t, 1, msg.acks.Load())
	for _, target := range targets {
		_, ok := target.snapshot("c1")
		require.True(t, ok)
	}
}

// End to end: an update message against two healthy sqlite-backed regions.
func TestConsumerEndToEndUpdateTwoRegions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	newRegionStore := func(code string) *resilient.ClientStore {
		db, err := sqlite.Open(filepath.Join(t.TempDir(), code+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		require.NoError(t, db.ApplyMigrations())

		s, err := resilient.NewClientStore(code, db, resilient.Config{
			Collection: store.CollectionClients,
			Retry:      resilience.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		}, nil)
		require.NoError(t, err)
		return s
	}

	east := newRegionStore("us-east-1")
	west := newRegionStore("eu-west-1")

	seed := domain.Client{ID: "c1", Name: "Old", Enabled: true}
	_, err := east.Create(ctx, seed)
	require.NoError(t, err)
	_, err = west.Create(ctx, seed)
	require.NoError(t, err)

	c := NewConsumer(nil, []Region{
		{Code: "us-east-1", Target: east},
		{Code: "eu-west-1", Target: west},
	}, ConsumerConfig{}, nil)

	msg := &fakeMessage{id: "1-0", payload: []byte(
		`{"operation":"update","client_id":"c1","updates":{"client_name":"New"},"timestamp":1700000000000}`,
	)}
	c.ProcessBatch(ctx, []queue.Message{msg})

	require.EqualValues(t, 1, msg.acks.Load())
	require.EqualValues(t, 0, msg.retries.Load())

	for _, regionStore := range []*resilient.ClientStore{east, west} {
		got, err := regionStore.Get(ctx, "c1")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "New", got.Name)
	}
}
