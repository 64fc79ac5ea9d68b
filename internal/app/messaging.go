package app

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// publishers содержит брокер для outbox и для DLQ. Оба nil, если брокер не настроен.
type publishers struct {
	events  domain.OutboxPublisher
	dlq     domain.OutboxPublisher
	closers []io.Closer
}

// initPublishers подключает Kafka, а при её отсутствии RabbitMQ.
func initPublishers(cfg Config, logger *log.Entry) (*publishers, error) {
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer, err := kafka.NewProducer(brokers, "storefront-"+version.GetVersion())
		if err != nil {
			return nil, err
		}
		logger.WithField("brokers", brokers).Info("kafka producer initialized")
		return &publishers{
			events:  kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
			dlq:     kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue),
			closers: []io.Closer{producer},
		}, nil
	}

	if cfg.AMQPURL != "" {
		conn, err := rabbitmq.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		events, err := rabbitmq.NewPublisher(conn.Channel(), rabbitmq.ExchangeEvents)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		dlq, err := rabbitmq.NewPublisher(conn.Channel(), rabbitmq.ExchangeDeadLetter)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		logger.Info("rabbitmq publisher initialized")
		return &publishers{events: events, dlq: dlq, closers: []io.Closer{conn}}, nil
	}

	logger.Warn("no message broker configured: outbox worker is disabled")
	return &publishers{}, nil
}

func (p *publishers) Close() error {
	var errs []error
	for _, closer := range p.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	return errors.Join(errs...)
}
