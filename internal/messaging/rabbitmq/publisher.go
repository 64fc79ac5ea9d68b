// Package rabbitmq публикует события storefront в topic exchange RabbitMQ.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging"
)

// Exchanges для RabbitMQ.
const (
	ExchangeEvents     = "storefront.events"
	ExchangeDeadLetter = "storefront.dlq"
)

// Channel покрывает часть *amqp.Channel, которой пользуется Publisher.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher отправляет outbox-сообщения в exchange; routing key равен типу события.
type Publisher struct {
	mu       sync.Mutex
	channel  Channel
	exchange string
	logger   *log.Entry
	now      func() time.Time
}

// NewPublisher объявляет durable topic exchange и возвращает паблишер.
func NewPublisher(channel Channel, exchange string) (*Publisher, error) {
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is required")
	}
	if exchange == "" {
		exchange = ExchangeEvents
	}
	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Publisher{
		channel:  channel,
		exchange: exchange,
		logger:   log.WithFields(log.Fields{"component": "rabbitmq-publisher", "exchange": exchange}),
		now:      time.Now,
	}, nil
}

// Publish отправляет persistent-сообщение с телом messaging.Envelope.
func (p *Publisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	envelope := messaging.NewEnvelope(event, p.now())
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  messaging.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.EventType,
		Timestamp:    envelope.PublishedAt,
		Headers:      amqp.Table{"aggregate_id": event.AggregateID},
		Body:         body,
	}

	// amqp.Channel не допускает параллельных публикаций.
	p.mu.Lock()
	err = p.channel.PublishWithContext(ctx, p.exchange, event.EventType, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		p.logger.WithError(err).WithField("event_type", event.EventType).Error("failed to publish message to rabbitmq")
		return fmt.Errorf("publish to %s: %w", p.exchange, err)
	}

	p.logger.WithFields(log.Fields{
		"event_type": event.EventType,
		"message_id": event.ID,
	}).Debug("message sent to rabbitmq")
	return nil
}

// Close закрывает канал.
func (p *Publisher) Close() error {
	return p.channel.Close()
}

// Connection держит соединение и канал для паблишеров.
type Connection struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial открывает соединение и канал.
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return &Connection{conn: conn, channel: channel}, nil
}

// Channel возвращает открытый канал.
func (c *Connection) Channel() Channel {
	return c.channel
}

// Close закрывает канал и соединение.
func (c *Connection) Close() error {
	_ = c.channel.Close()
	return c.conn.Close()
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
