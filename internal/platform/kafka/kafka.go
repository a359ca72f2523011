// Package kafka publishes outbox events to a Kafka-compatible broker.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"srdwatch/internal/platform/config"
	"srdwatch/internal/srd/models"
)

// Record header names carried on every published event.
const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
)

// Publisher produces each outbox event as one record keyed by its aggregate id,
// so every event for an application lands on the same partition in order.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// New connects a producer to the brokers in cfg.
func New(cfg config.Kafka, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(10*time.Second),
		kgo.RecordDeliveryTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	return &Publisher{client: client, topic: cfg.Topic, logger: logger}, nil
}

// Publish blocks until the broker acknowledges the record.
func (p *Publisher) Publish(ctx context.Context, event models.Event) error {
	record := &kgo.Record{
		Topic:     p.topic,
		Key:       []byte(event.AggregateID.String()),
		Value:     event.Payload,
		Timestamp: event.CreatedAt,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventID, Value: []byte(event.ID.String())},
			{Key: HeaderEventType, Value: []byte(event.Type)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce %s to %s: %w", event.Type, p.topic, err)
	}
	return nil
}

// Ping checks that at least one broker is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// EnsureTopic creates the event topic with broker-default partitions and
// replication. An existing topic is left as is.
func (p *Publisher) EnsureTopic(ctx context.Context) error {
	admin := kadm.NewClient(p.client)
	responses, err := admin.CreateTopics(ctx, -1, -1, nil, p.topic)
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", p.topic, err)
	}
	for _, resp := range responses {
		switch {
		case resp.Err == nil:
			p.logger.InfoContext(ctx, "kafka topic created", "topic", resp.Topic)
		case errors.Is(resp.Err, kerr.TopicAlreadyExists):
			p.logger.DebugContext(ctx, "kafka topic exists", "topic", resp.Topic)
		default:
			return fmt.Errorf("kafka: create topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}

// Close releases the client's broker connections.
func (p *Publisher) Close() {
	p.client.Close()
}
