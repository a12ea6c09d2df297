package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrNotConfirmed is returned when the broker nacks a published envelope.
var ErrNotConfirmed = errors.New("publish: message not confirmed by broker")

// amqpChannel is the subset of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes envelopes to a durable RabbitMQ queue with
// publisher confirms. Publishes are serialized and each confirmation is
// matched to its message by delivery tag.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	queue    string
	confirms chan amqp.Confirmation
	logger   zerolog.Logger

	mu sync.Mutex
	// nextTag is the delivery tag the broker assigns to the next publish.
	// Confirm mode numbers deliveries from 1.
	nextTag uint64
}

// DialAMQP connects to url, declares queue as durable and enables confirms.
func DialAMQP(url, queue string, logger zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("publish: dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("publish: open amqp channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("publish: declare queue %s: %w", queue, err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("publish: enable confirms: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p := newAMQPPublisher(ch, queue, confirms, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, queue string, confirms chan amqp.Confirmation, logger zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		ch:       ch,
		queue:    queue,
		confirms: confirms,
		nextTag:  1,
		logger:   logger.With().Str("component", "amqp-publisher").Str("queue", queue).Logger(),
	}
}

// Publish sends env to the queue and waits for the broker confirmation.
func (p *AMQPPublisher) Publish(ctx context.Context, env *Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.Key(),
		Timestamp:     env.ReceivedAt,
		Type:          env.Message.MessageType,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish: amqp publish to %s: %w", p.queue, err)
	}
	tag := p.nextTag
	p.nextTag++

	for {
		select {
		case confirmed, ok := <-p.confirms:
			if !ok {
				return fmt.Errorf("publish: amqp confirm channel closed")
			}
			if confirmed.DeliveryTag < tag {
				// Late confirm for a publish whose caller already gave up.
				p.logger.Warn().
					Uint64("delivery_tag", confirmed.DeliveryTag).
					Bool("ack", confirmed.Ack).
					Msg("discarding stale confirm")
				continue
			}
			if !confirmed.Ack {
				p.logger.Warn().Str("envelope_id", env.ID).Uint64("delivery_tag", confirmed.DeliveryTag).Msg("broker nacked message")
				return ErrNotConfirmed
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("publish: awaiting amqp confirm: %w", ctx.Err())
		}
	}
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
