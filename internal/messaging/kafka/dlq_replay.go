package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultReplayLimit       = 100
	DefaultReplayIdleTimeout = 2 * time.Second
)

// ReplayConfig задаёт параметры переотправки сообщений из DLQ.
type ReplayConfig struct {
	SourceTopic string
	TargetTopic string
	Limit       int
	Execute     bool // false dry-run, только логирование кандидатов
	FromNewest  bool
	IdleTimeout time.Duration
}

// Validate проверяет параметры и подставляет значения по умолчанию.
func (c *ReplayConfig) Validate() error {
	if strings.TrimSpace(c.SourceTopic) == "" {
		c.SourceTopic = TopicDeadLetterQueue
	}
	if strings.TrimSpace(c.TargetTopic) == "" {
		c.TargetTopic = TopicOrderEvents
	}
	if c.Limit == 0 {
		c.Limit = DefaultReplayLimit
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultReplayIdleTimeout
	}
	if c.Limit < 0 {
		return errors.New("limit must be > 0")
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

// ReplayStats итог прогона.
type ReplayStats struct {
	Processed int
	Replayed  int
	Skipped   int
}

// OffsetClient часть sarama.Client, нужная для чтения границ партиций.
type OffsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

// PartitionConsumer часть sarama.PartitionConsumer.
type PartitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

// PartitionConsumerSource открывает чтение партиции.
type PartitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error)
	Close() error
}

// ReplayProducer часть sarama.SyncProducer.
type ReplayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

// ReplayDependencies подключения к Kafka для replay.
type ReplayDependencies struct {
	Client   OffsetClient
	Consumer PartitionConsumerSource
	Producer ReplayProducer // nil в dry-run
}

// Close закрывает все подключения.
func (d ReplayDependencies) Close() {
	if d.Producer != nil {
		_ = d.Producer.Close()
	}
	if d.Consumer != nil {
		_ = d.Consumer.Close()
	}
	if d.Client != nil {
		_ = d.Client.Close()
	}
}

// DialReplay подключается к брокерам; producer создаётся только в режиме execute.
func DialReplay(brokers []string, execute bool) (ReplayDependencies, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, consumerConfig)
	if err != nil {
		return ReplayDependencies{}, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return ReplayDependencies{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := ReplayDependencies{Client: client, Consumer: saramaConsumerAdapter{consumer: rawConsumer}}
	if !execute {
		return deps, nil
	}

	producer, err := sarama.NewSyncProducer(brokers, NewSyncProducerConfig("shopctl"))
	if err != nil {
		deps.Close()
		return ReplayDependencies{}, fmt.Errorf("create kafka producer: %w", err)
	}
	deps.Producer = producer
	return deps, nil
}

// Replay читает DLQ и переотправляет исходные outbox-события в целевой topic.
// Битые сообщения пропускаются, смещения consumer group не используются.
func Replay(ctx context.Context, cfg ReplayConfig, deps ReplayDependencies, logger *log.Entry) (ReplayStats, error) {
	var total ReplayStats
	if err := cfg.Validate(); err != nil {
		return total, err
	}
	if deps.Client == nil || deps.Consumer == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if cfg.Execute && deps.Producer == nil {
		return total, errors.New("producer is required in execute mode")
	}
	if logger == nil {
		logger = log.WithField("component", "dlq-replay")
	}

	logger.WithFields(log.Fields{
		"source_topic": cfg.SourceTopic,
		"target_topic": cfg.TargetTopic,
		"limit":        cfg.Limit,
		"execute":      cfg.Execute,
		"from_newest":  cfg.FromNewest,
	}).Info("starting dlq replay")

	partitions, err := deps.Client.Partitions(cfg.SourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.SourceTopic, err)
	}
	if len(partitions) == 0 {
		logger.WithField("topic", cfg.SourceTopic).Warn("source topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.Processed >= cfg.Limit {
			break
		}

		stats, err := replayPartition(ctx, cfg, deps, logger, partition, cfg.Limit-total.Processed)
		total.Processed += stats.Processed
		total.Replayed += stats.Replayed
		total.Skipped += stats.Skipped
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if cfg.Execute {
		mode = "execute"
	}
	logger.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.Processed,
		"replayed":  total.Replayed,
		"skipped":   total.Skipped,
	}).Info("dlq replay finished")

	return total, nil
}

func replayPartition(
	ctx context.Context,
	cfg ReplayConfig,
	deps ReplayDependencies,
	logger *log.Entry,
	partition int32,
	limit int,
) (ReplayStats, error) {
	var stats ReplayStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := deps.Client.GetOffset(cfg.SourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := deps.Client.GetOffset(cfg.SourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.FromNewest {
		startOffset = max(newest-int64(limit), oldest)
	}

	pc, err := deps.Consumer.ConsumePartition(cfg.SourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idleTimer := time.NewTimer(cfg.IdleTimeout)
	defer idleTimer.Stop()

	for stats.Processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-pc.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.IdleTimeout)

			if msg.Offset >= newest {
				return stats, nil
			}
			stats.Processed++

			replay, err := ExtractReplayMessage(msg.Value, cfg.TargetTopic)
			if err != nil {
				stats.Skipped++
				logger.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("skip unsupported dlq message")
			} else if cfg.Execute {
				if _, _, err := deps.Producer.SendMessage(replay); err != nil {
					stats.Processed--
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
				stats.Replayed++
			} else {
				logger.WithFields(log.Fields{
					"partition":    msg.Partition,
					"offset":       msg.Offset,
					"target_topic": replay.Topic,
				}).Info("dlq replay candidate")
				stats.Replayed++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

// ExtractReplayMessage восстанавливает исходный outbox-конверт из DLQ-сообщения.
func ExtractReplayMessage(value []byte, targetTopic string) (*sarama.ProducerMessage, error) {
	var envelope OutboxEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return nil, fmt.Errorf("decode dlq envelope: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return nil, errors.New("dlq envelope has empty payload")
	}

	var record DLQRecord
	if err := json.Unmarshal(envelope.Payload, &record); err != nil {
		return nil, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(record.Payload) == 0 {
		return nil, errors.New("outbox dlq payload does not contain original event payload")
	}

	eventType := firstNonEmpty(record.EventType, envelope.EventType)
	replay := OutboxEnvelope{
		ID:            firstNonEmpty(record.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(record.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(record.AggregateID, envelope.AggregateID),
		EventType:     eventType,
		RoutingKey:    RoutingKey(eventType),
		Payload:       record.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return nil, fmt.Errorf("encode replay envelope: %w", err)
	}

	return &sarama.ProducerMessage{
		Topic:     targetTopic,
		Key:       sarama.StringEncoder(replay.Key()),
		Value:     sarama.ByteEncoder(encoded),
		Headers:   []sarama.RecordHeader{{Key: []byte(HeaderEventType), Value: []byte(replay.RoutingKey)}},
		Timestamp: replay.PublishedAt,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
