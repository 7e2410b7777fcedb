package events

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/config"
	"github.com/mase-health/autobilling-engine/internal/threshold"
)

// FactSink receives facts decoded from event messages.
type FactSink interface {
	OnFact(fact billing.Fact)
}

// ObservationSink receives compliance metric observations.
type ObservationSink interface {
	Observe(ctx context.Context, obs threshold.Observation) error
}

// Consumer reads billing events from Kafka and feeds the trigger dispatcher
// and the threshold monitor. Each input topic maps to one fact category.
type Consumer struct {
	group    sarama.ConsumerGroup
	topics   []string
	byTopic  map[string]billing.TriggerType
	facts    FactSink
	monitor  ObservationSink
	logger   *zap.Logger
	wg       sync.WaitGroup
	cancelFn context.CancelFunc
}

// NewConsumer creates the event consumer.
func NewConsumer(cfg config.KafkaConfig, facts FactSink, monitor ObservationSink, logger *zap.Logger) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, err
	}

	byTopic := map[string]billing.TriggerType{
		cfg.Topics.EpisodeEvents:       billing.TriggerEpisodeCompletion,
		cfg.Topics.VisitEvents:         billing.TriggerVisitCount,
		cfg.Topics.AuthorizationEvents: billing.TriggerAuthorizationExpiry,
	}
	delete(byTopic, "")

	topics := make([]string, 0, len(byTopic))
	for topic := range byTopic {
		topics = append(topics, topic)
	}

	return &Consumer{
		group:   group,
		topics:  topics,
		byTopic: byTopic,
		facts:   facts,
		monitor: monitor,
		logger:  logger,
	}, nil
}

// Start launches the consume loop.
func (c *Consumer) Start(ctx context.Context) {
	consumeCtx, cancel := context.WithCancel(ctx)
	c.cancelFn = cancel

	c.logger.Info("Starting event consumer", zap.Strings("topics", c.topics))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.group.Consume(consumeCtx, c.topics, c); err != nil {
				c.logger.Error("Consumer group error", zap.Error(err))
			}
			if consumeCtx.Err() != nil {
				return
			}
		}
	}()
}

// Stop terminates consumption and closes the group.
func (c *Consumer) Stop() error {
	if c.cancelFn != nil {
		c.cancelFn()
	}
	c.wg.Wait()
	err := c.group.Close()
	c.logger.Info("Event consumer stopped")
	return err
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		c.handleMessage(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	category, ok := c.byTopic[msg.Topic]
	if !ok {
		return
	}
	if !gjson.ValidBytes(msg.Value) {
		c.logger.Warn("Discarding malformed event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
		)
		return
	}

	fact := DecodeFact(msg.Value, category)
	c.facts.OnFact(fact)

	// Messages can carry a compliance metric alongside the fact; those also
	// feed the threshold monitor.
	if obs, ok := DecodeObservation(msg.Value, fact); ok && c.monitor != nil {
		if err := c.monitor.Observe(ctx, obs); err != nil {
			c.logger.Error("Observation processing failed",
				zap.String("subject_id", obs.SubjectID),
				zap.Error(err),
			)
		}
	}
}

// DecodeFact builds a fact from an event payload. The fields object carries
// the trigger-visible attributes; subjectId and timestamp are envelope
// fields.
func DecodeFact(payload []byte, category billing.TriggerType) billing.Fact {
	fact := billing.Fact{
		Category:  category,
		SubjectID: gjson.GetBytes(payload, "subjectId").String(),
		Fields:    make(map[string]interface{}),
		Timestamp: time.Now(),
	}

	if ts := gjson.GetBytes(payload, "timestamp"); ts.Exists() {
		if parsed, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			fact.Timestamp = parsed
		}
	}

	gjson.GetBytes(payload, "fields").ForEach(func(key, value gjson.Result) bool {
		fact.Fields[key.String()] = value.Value()
		return true
	})
	fact.Fields["subjectId"] = fact.SubjectID

	return fact
}

// DecodeObservation extracts an embedded compliance observation, if present.
func DecodeObservation(payload []byte, fact billing.Fact) (threshold.Observation, bool) {
	node := gjson.GetBytes(payload, "observation")
	if !node.Exists() {
		return threshold.Observation{}, false
	}

	obs := threshold.Observation{
		Category:      node.Get("category").String(),
		SubjectID:     fact.SubjectID,
		MetricValue:   node.Get("metricValue").Float(),
		InsuranceType: node.Get("insuranceType").String(),
		ServiceType:   node.Get("serviceType").String(),
		Context:       fact.Fields,
		ObservedAt:    fact.Timestamp,
	}
	for _, doc := range node.Get("documents").Array() {
		obs.Documents = append(obs.Documents, doc.String())
	}
	return obs, obs.Category != ""
}
