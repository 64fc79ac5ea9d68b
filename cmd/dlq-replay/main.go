// Команда dlq-replay перечитывает DLQ-топик и возвращает исходные события
// заказов в основной топик. По умолчанию работает в режиме dry-run.
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
)

const (
	clientID           = "storefront-dlq-replay"
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

var errNotDeadLetter = errors.New("message is not a dead letter")

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
	eventTypes  []string
	orderIDs    []string
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return a.consumer.ConsumePartition(topic, partition, offset)
}

func (a saramaConsumerAdapter) Close() error {
	return a.consumer.Close()
}

// replayDeps держит подключения к Kafka. producer пустой в режиме dry-run.
type replayDeps struct {
	offsets  offsetClient
	consumer partitionConsumerSource
	producer sarama.SyncProducer
}

func (d replayDeps) Close() {
	if d.producer != nil {
		_ = d.producer.Close()
	}
	if d.consumer != nil {
		_ = d.consumer.Close()
	}
	if d.offsets != nil {
		_ = d.offsets.Close()
	}
}

var newReplayDependencies = func(cfg config) (replayDeps, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = clientID
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return replayDeps{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayDeps{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := replayDeps{offsets: client, consumer: saramaConsumerAdapter{consumer: consumer}}
	if !cfg.execute {
		return deps, nil
	}

	deps.producer, err = sarama.NewSyncProducer(cfg.brokers, kafka.NewSaramaConfig(clientID))
	if err != nil {
		deps.Close()
		return replayDeps{}, fmt.Errorf("create kafka producer: %w", err)
	}
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig() (config, error) {
	var cfg config
	var brokers, eventTypes, orderIDs string
	flag.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (fallback: KAFKA_BROKERS)")
	flag.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to read")
	flag.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "topic to publish replayed events to")
	flag.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max DLQ messages to scan across partitions")
	flag.BoolVar(&cfg.execute, "execute", false, "publish replayed events; without it only logs candidates")
	flag.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest messages of each partition")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this long without messages")
	flag.StringVar(&eventTypes, "event-type", "", "replay only these event types (comma-separated)")
	flag.StringVar(&orderIDs, "order-id", "", "replay only events of these orders (comma-separated)")
	flag.Parse()

	cfg.brokers = splitList(cmp.Or(strings.TrimSpace(brokers), os.Getenv("KAFKA_BROKERS")))
	cfg.eventTypes = splitList(eventTypes)
	cfg.orderIDs = splitList(orderIDs)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, errors.New("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.targetTopic == "":
		return config{}, errors.New("target-topic is required")
	case cfg.sourceTopic == cfg.targetTopic:
		return config{}, errors.New("source-topic and target-topic must differ")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var items []string
	for _, chunk := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(chunk); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func run(ctx context.Context, cfg config) error {
	deps, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	r := &replayer{
		cfg:      cfg,
		offsets:  deps.offsets,
		consumer: deps.consumer,
		logger: log.WithFields(log.Fields{
			"source_topic": cfg.sourceTopic,
			"target_topic": cfg.targetTopic,
			"execute":      cfg.execute,
		}),
	}
	if deps.producer != nil {
		r.publisher = kafka.NewOutboxPublisher(kafka.NewProducerFrom(deps.producer), cfg.targetTopic)
	}

	stats, err := r.Run(ctx)
	r.logger.WithFields(log.Fields{
		"scanned":  stats.scanned,
		"replayed": stats.replayed,
		"filtered": stats.filtered,
		"skipped":  stats.skipped,
	}).Info("dlq replay finished")
	return err
}

type replayStats struct {
	scanned  int
	replayed int
	filtered int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.filtered += other.filtered
	s.skipped += other.skipped
}

// replayer читает партиции DLQ по очереди, пока не исчерпан общий лимит.
type replayer struct {
	cfg       config
	offsets   offsetClient
	consumer  partitionConsumerSource
	publisher domain.OutboxPublisher
	logger    *log.Entry
}

func (r *replayer) Run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.offsets == nil || r.consumer == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.publisher == nil {
		return total, errors.New("publisher is required in execute mode")
	}

	partitions, err := r.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.cfg.limit - total.scanned
		if budget <= 0 {
			break
		}
		stats, err := r.drainPartition(ctx, partition, budget)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// window возвращает диапазон [start, end) офсетов для чтения.
func (r *replayer) window(partition int32, budget int) (int64, int64, error) {
	oldest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	end, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if r.cfg.fromNewest {
		return max(end-int64(budget), oldest), end, nil
	}
	return oldest, end, nil
}

func (r *replayer) drainPartition(ctx context.Context, partition int32, budget int) (replayStats, error) {
	var stats replayStats

	start, end, err := r.window(partition, budget)
	if err != nil || start >= end {
		return stats, err
	}

	pc, err := r.consumer.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	errs := pc.Errors()
	for stats.scanned < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.scanned++
			if err := r.replay(ctx, msg, &stats); err != nil {
				return stats, err
			}
			if msg.Offset+1 >= end {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// replay обрабатывает одно сообщение DLQ. Ошибку возвращает только отказ публикации.
func (r *replayer) replay(ctx context.Context, msg *sarama.ConsumerMessage, stats *replayStats) error {
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	original, err := decodeDeadLetter(msg.Value)
	if err != nil {
		stats.skipped++
		entry.WithError(err).Warn("skip unsupported dlq message")
		return nil
	}
	if !r.selected(original) {
		stats.filtered++
		return nil
	}

	entry = entry.WithFields(log.Fields{
		"outbox_id":  original.ID,
		"order_id":   original.AggregateID,
		"event_type": original.EventType,
	})
	if !r.cfg.execute {
		stats.replayed++
		entry.Info("dlq replay candidate")
		return nil
	}
	if err := r.publisher.Publish(ctx, original); err != nil {
		return fmt.Errorf("replay %s: %w", original.ID, err)
	}
	stats.replayed++
	entry.Debug("event replayed")
	return nil
}

// selected применяет фильтры -event-type и -order-id. Пустой фильтр пропускает всё.
func (r *replayer) selected(msg domain.OutboxMessage) bool {
	if len(r.cfg.eventTypes) > 0 && !slices.Contains(r.cfg.eventTypes, msg.EventType) {
		return false
	}
	return len(r.cfg.orderIDs) == 0 || slices.Contains(r.cfg.orderIDs, msg.AggregateID)
}

// decodeDeadLetter достаёт исходное событие из DLQ-конверта. ID события
// сохраняется, чтобы потребители могли отбросить повтор.
func decodeDeadLetter(value []byte) (domain.OutboxMessage, error) {
	envelope, err := messaging.DecodeEnvelope(value)
	if err != nil {
		return domain.OutboxMessage{}, err
	}

	var letter outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &letter); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("%w: %v", errNotDeadLetter, err)
	}
	if len(letter.Payload) == 0 {
		return domain.OutboxMessage{}, fmt.Errorf("%w: original payload is empty", errNotDeadLetter)
	}

	original := letter.Message()
	original.ID = cmp.Or(original.ID, envelope.ID)
	original.AggregateType = cmp.Or(original.AggregateType, envelope.AggregateType)
	original.AggregateID = cmp.Or(original.AggregateID, envelope.AggregateID)
	original.EventType = cmp.Or(original.EventType, envelope.EventType)
	return original, nil
}

func fail(format string, args ...any) {
	log.Errorf(format, args...)
	os.Exit(1)
}
