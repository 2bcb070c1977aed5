// Package kafkaclient builds the franz-go clients and provisions the
// topics the service depends on.
package kafkaclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"
)

// ConsumerOptions configure the group consumer.
type ConsumerOptions struct {
	Brokers []string
	GroupID string
	Topic   string
}

// NewConsumerClient builds the input-topic consumer. Auto-commit is off
// (the consume loop commits after each fully-processed batch) and
// rebalances are blocked while polled records are in flight, so a
// revoked partition is never processed concurrently by two members.
func NewConsumerClient(opts ConsumerOptions, logger *zap.Logger) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ConsumerGroup(opts.GroupID),
		kgo.ConsumeTopics(opts.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.WithLogger(kzap.New(logger.Named("kafka-consumer"))),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}
	return client, nil
}

// NewProducerClient builds the shared producer for all downstream
// topics. Idempotent production is franz-go's default; the linger gives
// the batcher a small window without adding visible latency.
func NewProducerClient(brokers []string, logger *zap.Logger) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.WithLogger(kzap.New(logger.Named("kafka-producer"))),
	)
	if err != nil {
		return nil, fmt.Errorf("create producer client: %w", err)
	}
	return client, nil
}

// EnsureTopics creates any missing topics with the given partition
// count. Already-existing topics are left untouched, including their
// partitioning.
func EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32, topics ...string) error {
	adm := kadm.NewClient(client)
	resps, err := adm.CreateTopics(ctx, partitions, 1, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, resp := range resps.Sorted() {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}
