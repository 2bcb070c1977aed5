// Package producer emits pipeline output to the downstream Kafka topics:
// enriched events, ingestion warnings, heatmaps, exceptions, person and
// group mirrors, and the dead-letter topic. Every emit returns an *Ack
// settled by the broker acknowledgment so the consumer can gate offset
// commits on delivery.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/arc-self/ingest-service/internal/event"
	"github.com/arc-self/ingest-service/internal/telemetry"
)

// Topics names every downstream destination.
type Topics struct {
	EnrichedEvents    string
	IngestionWarnings string
	Heatmaps          string
	Exceptions        string
	PersonUpdates     string
	GroupUpdates      string
	DLQ               string
}

// Ack is a completion handle for one emitted message. It settles when
// the broker acknowledges the write (or the failure has been classified
// as terminal).
type Ack struct {
	done chan struct{}
	err  error
}

func newAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

// SettledAck returns an already-resolved Ack. Fakes in tests use it to
// acknowledge immediately.
func SettledAck(err error) *Ack {
	a := newAck()
	a.settle(err)
	return a
}

func (a *Ack) settle(err error) {
	a.err = err
	close(a.done)
}

// Wait blocks until the message is acknowledged or ctx expires.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emitter is the surface the pipeline runner and consumer use. The Kafka
// implementation is KafkaProducer; tests substitute a capture fake.
type Emitter interface {
	EmitEnriched(ctx context.Context, ee *event.EnrichedEvent) *Ack
	EmitException(ctx context.Context, ee *event.EnrichedEvent) *Ack
	EmitHeatmap(ctx context.Context, he event.HeatmapEvent) *Ack
	EmitWarning(ctx context.Context, w event.IngestionWarning) *Ack
	EmitPersonUpdate(ctx context.Context, p *event.Person, deleted bool) *Ack
	EmitGroupUpdate(ctx context.Context, g *event.Group) *Ack
	EmitToDLQ(ctx context.Context, raw []byte, reason string) error
}

// personUpdate is the person-mirror record consumed by the analytical
// store.
type personUpdate struct {
	ID           string           `json:"id"`
	TeamID       int64            `json:"team_id"`
	Properties   event.Properties `json:"properties"`
	CreatedAt    string           `json:"created_at"`
	IsIdentified bool             `json:"is_identified"`
	Version      int64            `json:"version"`
	IsDeleted    bool             `json:"is_deleted"`
}

// groupUpdate is the group-mirror record.
type groupUpdate struct {
	TeamID     int64            `json:"team_id"`
	TypeIndex  int              `json:"group_type_index"`
	Key        string           `json:"group_key"`
	Properties event.Properties `json:"group_properties"`
	CreatedAt  string           `json:"created_at"`
	Version    int64            `json:"version"`
}

// dlqRecord wraps a poisoned input payload with its failure reason.
type dlqRecord struct {
	Reason string          `json:"reason"`
	Raw    json.RawMessage `json:"raw"`
}

// kafkaClient is the slice of *kgo.Client the producer uses. Tests
// substitute an in-memory implementation to drive the completion
// callbacks without a broker.
type kafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

// KafkaProducer is the franz-go implementation of Emitter. The client is
// shared; kgo batches and pipelines internally.
type KafkaProducer struct {
	client  kafkaClient
	topics  Topics
	metrics *telemetry.PipelineMetrics
	logger  *zap.Logger
}

// NewKafkaProducer wraps an existing kgo client.
func NewKafkaProducer(client *kgo.Client, topics Topics, metrics *telemetry.PipelineMetrics, logger *zap.Logger) *KafkaProducer {
	return &KafkaProducer{client: client, topics: topics, metrics: metrics, logger: logger}
}

func (p *KafkaProducer) EmitEnriched(ctx context.Context, ee *event.EnrichedEvent) *Ack {
	return p.produceEnriched(ctx, p.topics.EnrichedEvents, ee)
}

// EmitException routes the enriched record to the symbolification topic
// in lieu of the main topic.
func (p *KafkaProducer) EmitException(ctx context.Context, ee *event.EnrichedEvent) *Ack {
	return p.produceEnriched(ctx, p.topics.Exceptions, ee)
}

func (p *KafkaProducer) produceEnriched(ctx context.Context, topic string, ee *event.EnrichedEvent) *Ack {
	value, err := json.Marshal(ee)
	if err != nil {
		return SettledAck(fmt.Errorf("marshal enriched event: %w", err))
	}
	ack := newAck()
	rec := &kgo.Record{Topic: topic, Key: []byte(ee.UUID), Value: value}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		switch {
		case err == nil:
			p.metrics.EventProduced(ctx)
			ack.settle(nil)
		case isOversize(err):
			// Terminal by contract: count the drop, warn the team, and do
			// not retry.
			p.metrics.EventDropped(ctx, ee.Event, "message_size_too_large")
			p.EmitWarning(ctx, event.IngestionWarning{
				TeamID:    ee.TeamID,
				Type:      "message_size_too_large",
				Source:    event.WarningSource,
				Details:   fmt.Sprintf(`{"event_uuid":%q,"event":%q}`, ee.UUID, ee.Event),
				Timestamp: ee.CreatedAt,
			})
			p.logger.Warn("enriched event exceeded broker limits",
				zap.String("event_uuid", ee.UUID),
				zap.Int64("team_id", ee.TeamID),
				zap.Int("bytes", len(value)),
			)
			ack.settle(nil)
		default:
			ack.settle(fmt.Errorf("produce to %s: %w", topic, err))
		}
	})
	return ack
}

func (p *KafkaProducer) EmitHeatmap(ctx context.Context, he event.HeatmapEvent) *Ack {
	return p.produceJSON(ctx, p.topics.Heatmaps, he.UUID, he)
}

// EmitWarning is fire-and-forget: delivery failures are logged, never
// surfaced, so a sick warnings topic cannot stall ingestion.
func (p *KafkaProducer) EmitWarning(ctx context.Context, w event.IngestionWarning) *Ack {
	value, err := json.Marshal(w)
	if err != nil {
		return SettledAck(nil)
	}
	p.metrics.Warning(ctx, w.Type)
	ack := newAck()
	rec := &kgo.Record{Topic: p.topics.IngestionWarnings, Value: value}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("failed to emit ingestion warning",
				zap.String("type", w.Type),
				zap.Int64("team_id", w.TeamID),
				zap.Error(err),
			)
		}
		ack.settle(nil)
	})
	return ack
}

func (p *KafkaProducer) EmitPersonUpdate(ctx context.Context, person *event.Person, deleted bool) *Ack {
	return p.produceJSON(ctx, p.topics.PersonUpdates, person.UUID.String(), personUpdate{
		ID:           person.UUID.String(),
		TeamID:       person.TeamID,
		Properties:   person.Properties,
		CreatedAt:    event.FormatClickHouse(person.CreatedAt),
		IsIdentified: person.IsIdentified,
		Version:      person.Version,
		IsDeleted:    deleted,
	})
}

func (p *KafkaProducer) EmitGroupUpdate(ctx context.Context, g *event.Group) *Ack {
	key := fmt.Sprintf("%d:%d:%s", g.TeamID, g.TypeIndex, g.Key)
	return p.produceJSON(ctx, p.topics.GroupUpdates, key, groupUpdate{
		TeamID:     g.TeamID,
		TypeIndex:  g.TypeIndex,
		Key:        g.Key,
		Properties: g.Properties,
		CreatedAt:  event.FormatClickHouse(g.CreatedAt),
		Version:    g.Version,
	})
}

// EmitToDLQ synchronously dead-letters a raw input payload. Called only
// after batch retries are exhausted, so waiting here is fine.
func (p *KafkaProducer) EmitToDLQ(ctx context.Context, raw []byte, reason string) error {
	value, err := json.Marshal(dlqRecord{Reason: reason, Raw: raw})
	if err != nil {
		// The raw payload is not valid JSON; dead-letter it verbatim.
		value = raw
	}
	rec := &kgo.Record{Topic: p.topics.DLQ, Key: []byte(uuid.NewString()), Value: value}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to DLQ: %w", err)
	}
	p.metrics.DLQRouted(ctx)
	return nil
}

// Close flushes buffered records and releases the client.
func (p *KafkaProducer) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}

func (p *KafkaProducer) produceJSON(ctx context.Context, topic, key string, payload any) *Ack {
	value, err := json.Marshal(payload)
	if err != nil {
		return SettledAck(fmt.Errorf("marshal %s record: %w", topic, err))
	}
	ack := newAck()
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			ack.settle(fmt.Errorf("produce to %s: %w", topic, err))
			return
		}
		ack.settle(nil)
	})
	return ack
}

// isOversize matches both the client-side record cap and the broker's
// message.max.bytes rejection.
func isOversize(err error) bool {
	return errors.Is(err, kerr.MessageTooLarge)
}
