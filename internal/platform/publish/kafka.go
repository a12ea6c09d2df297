package publish

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaPublisher produces envelopes to a Kafka (or Redpanda) topic, keyed by
// message control id so every message for a control id lands on the same
// partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// NewKafkaPublisher creates a producer client for brokers.
func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("publish: create kafka client: %w", err)
	}

	return &KafkaPublisher{
		client: client,
		topic:  topic,
		logger: logger.With().Str("component", "kafka-publisher").Str("topic", topic).Logger(),
	}, nil
}

// Publish produces env synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, env *Envelope) error {
	rec, err := kafkaRecord(p.topic, env)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("publish: produce to %s: %w", p.topic, err)
	}
	p.logger.Debug().Str("envelope_id", env.ID).Int32("partition", rec.Partition).Int64("offset", rec.Offset).Msg("produced")
	return nil
}

// Close flushes buffered records and closes the client.
func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

func kafkaRecord(topic string, env *Envelope) (*kgo.Record, error) {
	body, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(env.Key()),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "envelope_id", Value: []byte(env.ID)},
			{Key: "message_type", Value: []byte(env.Message.MessageType)},
			{Key: "event_type", Value: []byte(env.Message.EventType)},
		},
		Timestamp: env.ReceivedAt,
	}, nil
}
