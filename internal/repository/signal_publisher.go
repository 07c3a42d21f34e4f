package repository

import (
	"context"
	"fmt"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
	pkgkafka "PolySignals/pkg/kafka"
)

// KafkaSignalPublisher publishes released signals to one topic per tier,
// keyed by market so a market's signals stay ordered.
type KafkaSignalPublisher struct {
	producer *pkgkafka.Producer
	prefix   string
}

var _ domrepo.SignalPublisher = (*KafkaSignalPublisher)(nil)

func NewKafkaSignalPublisher(producer *pkgkafka.Producer, topicPrefix string) *KafkaSignalPublisher {
	if topicPrefix == "" {
		topicPrefix = "signals"
	}
	return &KafkaSignalPublisher{producer: producer, prefix: topicPrefix}
}

// Topic returns the topic a tier's deliveries go to.
func (p *KafkaSignalPublisher) Topic(tier models.Tier) string {
	return fmt.Sprintf("%s.%s", p.prefix, tier)
}

// Publish sends the tier-shaped view. The call returns once the brokers
// acknowledge the write.
func (p *KafkaSignalPublisher) Publish(ctx context.Context, sig models.Signal, tier models.Tier) error {
	if !tier.Valid() {
		return models.Errorf(models.KindIntegrityViolation, "publisher.publish", "unknown tier %q", tier)
	}
	headers := map[string]string{
		pkgkafka.TraceHeader: sig.ID,
		"tier":               string(tier),
	}
	if sig.Supersedes != "" {
		headers["supersedes"] = sig.Supersedes
	}
	err := p.producer.PublishBatch(ctx, p.Topic(tier), []pkgkafka.Message{{
		Key:     []byte(sig.MarketID),
		Value:   sig.ViewFor(tier),
		Headers: headers,
	}})
	if err != nil {
		return models.NewError(models.KindTransientIO, "publisher.publish", sig.MarketID, err)
	}
	return nil
}

func (p *KafkaSignalPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
