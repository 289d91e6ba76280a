package kafkaclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
)

// Publisher writes committed audit events to a Kafka topic, keyed by visit id so each
// visit's chain lands on one partition in order
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// NewPublisher creates a producer for topic on the given seed brokers
func NewPublisher(brokers []string, topic string, logger *zap.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("no kafka topic configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Ping checks that at least one broker is reachable
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach kafka: %w", err)
	}
	return nil
}

// EnsureTopic creates the topic if it does not exist yet
func (p *Publisher) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(p.client)

	resp, err := adm.CreateTopic(ctx, partitions, replicationFactor, nil, p.topic)
	if err == nil {
		err = resp.Err
	}
	if errors.Is(err, kerr.TopicAlreadyExists) {
		p.logger.Debug("Kafka topic already exists", zap.String("topic", p.topic))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", p.topic, err)
	}

	p.logger.Info("Created kafka topic",
		zap.String("topic", p.topic),
		zap.Int32("partitions", partitions),
		zap.Int16("replication_factor", replicationFactor))
	return nil
}

// Publish produces the events synchronously and returns the first failure
func (p *Publisher) Publish(ctx context.Context, events []ledger.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		r, err := Record(e)
		if err != nil {
			return err
		}
		records = append(records, r)
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce %d audit events: %w", len(records), err)
	}

	p.logger.Debug("Published audit events", zap.String("topic", p.topic), zap.Int("count", len(records)))
	return nil
}

// Close closes the underlying client
func (p *Publisher) Close() {
	p.client.Close()
}

// Record encodes an event as a Kafka record. The topic is left to the client default.
func Record(e ledger.AuditEvent) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit event %s/%d: %w", e.VisitID, e.VisitSeq, err)
	}
	return &kgo.Record{
		Key:       []byte(e.VisitID),
		Value:     value,
		Timestamp: e.Timestamp,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "hash", Value: []byte(e.Hash)},
		},
	}, nil
}
