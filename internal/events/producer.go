package events

import (
	"encoding/json"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/config"
)

// Producer publishes execution outcomes and violation events to Kafka.
// Publishing is best-effort: a broker failure is logged, never propagated
// into the execution path.
type Producer struct {
	producer sarama.SyncProducer
	topics   config.TopicsConfig
	logger   *zap.Logger
}

// NewProducer creates the outcome producer.
func NewProducer(cfg config.KafkaConfig, logger *zap.Logger) (*Producer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, err
	}

	return &Producer{
		producer: producer,
		topics:   cfg.Topics,
		logger:   logger,
	}, nil
}

// Close shuts down the underlying producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}

// PublishExecution emits one trigger execution outcome.
func (p *Producer) PublishExecution(record *billing.ExecutionRecord) {
	p.publish(p.topics.ExecutionOutcomes, record.TriggerID, record)
}

// PublishViolation emits one violation lifecycle event.
func (p *Producer) PublishViolation(v *billing.Violation) {
	p.publish(p.topics.ViolationEvents, v.ThresholdID, v)
}

func (p *Producer) publish(topic, key string, payload interface{}) {
	if topic == "" {
		return
	}

	value, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to encode event", zap.String("topic", topic), zap.Error(err))
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}

	p.logger.Debug("Event published",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
}
