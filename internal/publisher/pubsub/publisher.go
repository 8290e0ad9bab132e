// Package pubsub implements a Google Cloud Pub/Sub event publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Publisher fans events out to Pub/Sub topics. Logical topic names are
// resolved to fully qualified topic names through the provided mapping.
type Publisher struct {
	client *pubsub.Client
	topics map[string]string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Publisher. topics maps logical names (as used by the
// engine) to fully qualified Pub/Sub topic names.
func New(client *pubsub.Client, topics map[string]string) *Publisher {
	return &Publisher{
		client:     client,
		topics:     topics,
		publishers: make(map[string]*pubsub.Publisher),
	}
}

// Publish marshals the payload to JSON and publishes it to the topic,
// waiting for the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	publisher, err := p.publisherFor(topic)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) publisherFor(topic string) (*pubsub.Publisher, error) {
	full, ok := p.topics[topic]
	if !ok {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pub, ok := p.publishers[full]; ok {
		return pub, nil
	}
	pub := p.client.Publisher(full)
	p.publishers[full] = pub
	return pub, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
