// Package consumer runs the Kafka poll loop feeding the ingestion
// pipeline. Ordering contract: records within a partition are processed
// sequentially, partitions in parallel, and offsets commit only after
// every record of the batch reached a terminal state and every
// downstream write was acknowledged.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arc-self/ingest-service/internal/pipeline"
	"github.com/arc-self/ingest-service/internal/producer"
	"github.com/arc-self/ingest-service/internal/telemetry"
)

// Config tunes the consume loop.
type Config struct {
	// BatchRetryMax bounds in-place retries of a record that failed with
	// a retryable error before it is dead-lettered.
	BatchRetryMax int

	// RetryBackoff is the pause between in-place retries.
	RetryBackoff time.Duration

	// DrainTimeout bounds how long shutdown waits for the in-flight
	// batch to finish before abandoning it uncommitted.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchRetryMax <= 0 {
		c.BatchRetryMax = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Pipeline drives one raw payload to a terminal state. Implemented by
// pipeline.Runner.
type Pipeline interface {
	Run(ctx context.Context, raw []byte) (pipeline.Result, error)
}

// Consumer owns the poll-process-commit loop. The kgo client must be
// configured with the consumer group, explicit commits disabled, and
// rebalances blocked while polled records are in flight.
type Consumer struct {
	client  *kgo.Client
	runner  Pipeline
	emitter producer.Emitter
	metrics *telemetry.PipelineMetrics
	cfg     Config
	logger  *zap.Logger
}

func New(client *kgo.Client, runner Pipeline, emitter producer.Emitter, metrics *telemetry.PipelineMetrics, cfg Config, logger *zap.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		client:  client,
		runner:  runner,
		emitter: emitter,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run polls until ctx is canceled, then drains the in-flight batch
// within DrainTimeout. It returns nil on a clean drain.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			// Shutdown requested: whatever this poll returned is drained
			// on its own clock so already-claimed records still commit.
			drainCtx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
			derr := c.processFetches(drainCtx, fetches)
			cancel()
			if derr != nil {
				c.logger.Warn("abandoned in-flight batch during shutdown", zap.Error(derr))
			}
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})

		if err := c.processFetches(ctx, fetches); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
	}
}

// processFetches handles one polled batch: partitions in parallel,
// records within a partition in order, then a single commit covering
// everything. The rebalance hold is released whether or not the commit
// happened.
func (c *Consumer) processFetches(ctx context.Context, fetches kgo.Fetches) error {
	defer c.client.AllowRebalance()

	records := fetches.Records()
	if len(records) == 0 {
		return nil
	}
	c.metrics.BatchSize(ctx, len(records))

	g, gctx := errgroup.WithContext(ctx)
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		partition := p
		g.Go(func() error {
			for _, rec := range partition.Records {
				if err := c.processRecord(gctx, rec); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		// Nothing commits; the batch redelivers after the group
		// rebalances or the poll loop resumes.
		return fmt.Errorf("process batch: %w", err)
	}

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

// processRecord drives one record to a terminal state: success, drop
// (handled inside the runner), or dead-letter after retries.
func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.BatchRetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		res, err := c.runner.Run(ctx, rec.Value)
		if err == nil {
			err = c.awaitAcks(ctx, res.Acks)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			// A downstream write failed after the producer gave up.
			// Re-running the record regenerates the output, so this is
			// transient infrastructure failure, not poison input.
			err = &pipeline.RetryableError{Op: "await downstream acks", Err: err}
		}
		lastErr = err

		if !pipeline.Retryable(err) {
			break
		}
		c.logger.Warn("retrying record",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	// Retries exhausted (or the failure was never retryable): the record
	// is poison for this pipeline. Dead-letter it so the partition can
	// advance; DLQ emission failures are the only errors that stall.
	c.logger.Error("dead-lettering record",
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
		zap.Error(lastErr),
	)
	if err := c.emitter.EmitToDLQ(ctx, rec.Value, lastErr.Error()); err != nil {
		return fmt.Errorf("dead-letter record at %s[%d]@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}
	return nil
}

// awaitAcks blocks until every downstream write of the record settled.
func (c *Consumer) awaitAcks(ctx context.Context, acks []*producer.Ack) error {
	for _, ack := range acks {
		if err := ack.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
