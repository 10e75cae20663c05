package producer

import (
	"context"
	"encoding/json"
	"fmt"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// Producer represents a Kafka producer bound to one topic.
type Producer struct {
	Client   *wbfkafka.Producer
	strategy retry.Strategy
	topic    string
}

// New creates a new Producer.
// - brokers: Kafka broker addresses
// - topic: topic the events are written to
// - s: retry strategy
func New(brokers []string, topic string, s retry.Strategy) *Producer {
	return &Producer{
		Client:   wbfkafka.NewProducer(brokers, topic),
		strategy: s,
		topic:    topic,
	}
}

// Produce serializes v to JSON and sends it with key, retrying per the strategy.
func (p *Producer) Produce(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err = p.Client.SendWithRetry(ctx, p.strategy, []byte(key), data); err != nil {
		return fmt.Errorf("failed to send event to %s: %w", p.topic, err)
	}

	return nil
}

// PublishTaskCreated announces a new task. The task ID is the message key.
func (p *Producer) PublishTaskCreated(ctx context.Context, task model.Task) error {
	return p.Produce(ctx, task.ID, model.NewTaskCreated(task))
}

// PublishArtifact announces a published artifact. The artifact prefix is the
// message key, so republishing the same scene lands on the same partition.
func (p *Producer) PublishArtifact(ctx context.Context, ref model.ArtifactRef) error {
	return p.Produce(ctx, ref.Prefix, ref)
}
