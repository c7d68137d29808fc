package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrelid/kestrel/internal/auth/domain"
	"github.com/kestrelid/kestrel/internal/auth/queue"
	"github.com/kestrelid/kestrel/pkg/slogx"
)

// Region pairs a region code with its replication target. Absent regions are
// simply not listed; "not deployed" is not an error.
type Region struct {
	Code   string
	Target Target
}

// RegionApplicationError records one region's failure during fan-out. It is
// aggregated for logging and drives the ack/retry decision; it is never
// returned out of batch processing.
type RegionApplicationError struct {
	Region string
	Err    error
}

func (e *RegionApplicationError) Error() string {
	return fmt.Sprintf("region %s: %v", e.Region, e.Err)
}

func (e *RegionApplicationError) Unwrap() error { return e.Err }

// ConsumerConfig tunes the poll loop.
type ConsumerConfig struct {
	// PollsPerSecond caps how often the consumer asks the queue for a new
	// batch, so an empty or failing queue is not hammered.
	PollsPerSecond float64

	// PollBurst is the limiter burst size.
	PollBurst int
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.PollsPerSecond <= 0 {
		c.PollsPerSecond = 10
	}
	if c.PollBurst <= 0 {
		c.PollBurst = 1
	}
	return c
}

// Consumer drains replication batches from the queue and fans each message
// out to every configured region. A message is acknowledged only when every
// region applied it; any regional failure requests redelivery instead.
type Consumer struct {
	source  queue.Source
	regions []Region
	applier Applier
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewConsumer builds a consumer over a static region mapping. The mapping is
// read-only after construction.
func NewConsumer(source queue.Source, regions []Region, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		source:  source,
		regions: regions,
		limiter: rate.NewLimiter(rate.Limit(cfg.PollsPerSecond), cfg.PollBurst),
		logger:  logger.With("component", "sync-consumer"),
	}
}

// Run polls the queue until ctx is cancelled. Queue errors are logged and
// retried on the next paced poll; they never terminate the loop.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("sync consumer started", "regions", len(c.regions))

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Info("sync consumer stopped")
			return nil
		}

		batch, err := c.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("sync consumer stopped")
				return nil
			}
			c.logger.Error("failed to read replication batch", "error", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		c.ProcessBatch(ctx, batch)
	}
}

// ProcessBatch handles each message independently: one message's failure
// never blocks the rest of the batch, and every message resolves to exactly
// one of ack or retry (or neither, when no regions are configured).
func (c *Consumer) ProcessBatch(ctx context.Context, batch []queue.Message) {
	for _, msg := range batch {
		c.processMessage(ctx, msg)
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg queue.Message) {
	l := c.logger.With("message_id", msg.ID())

	rm, err := domain.DecodeMessage(msg.Payload())
	if err != nil {
		// A malformed payload can never succeed; acknowledging it is the
		// only way to keep it from poisoning the queue forever.
		l.Error("discarding undecodable replication message", "error", err)
		if ackErr := msg.Ack(ctx); ackErr != nil {
			l.Error("failed to ack poison message", "error", ackErr)
		}
		return
	}

	l = l.With("operation", string(rm.Operation), "client_id", rm.ClientID)
	ctx = slogx.WithMessageID(ctx, msg.ID())

	if len(c.regions) == 0 {
		// Nowhere to deliver. Leave the message to the queue's own
		// redelivery policy rather than silently discarding work.
		l.Warn("no regions configured, leaving message for redelivery")
		return
	}

	failures := c.fanOut(ctx, rm)

	if len(failures) == 0 {
		if err := msg.Ack(ctx); err != nil {
			l.Error("failed to ack replication message", "error", err)
		}
		l.Debug("replication message applied to all regions", "regions", len(c.regions))
		return
	}

	for _, f := range failures {
		l.Error("region failed to apply replication message",
			"region", f.Region, "error", f.Err)
	}
	if err := msg.Retry(ctx); err != nil {
		l.Error("failed to request redelivery", "error", err)
	}
	l.Warn("replication message scheduled for redelivery",
		"failed_regions", len(failures), "total_regions", len(c.regions),
		"produced_at", rm.ProducedAt().Format(time.RFC3339))
}

// fanOut dispatches the message to every region concurrently and joins on
// all outcomes. No early cancellation: one region's outage must not mask the
// others' results.
func (c *Consumer) fanOut(ctx context.Context, rm domain.ReplicationMessage) []*RegionApplicationError {
	results := make([]error, len(c.regions))

	var wg sync.WaitGroup
	for i, region := range c.regions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.applier.Apply(ctx, region.Target, rm)
		}()
	}
	wg.Wait()

	var failures []*RegionApplicationError
	for i, err := range results {
		if err != nil {
			failures = append(failures, &RegionApplicationError{
				Region: c.regions[i].Code,
				Err:    err,
			})
		}
	}
	return failures
}
