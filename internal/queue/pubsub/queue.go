// Package pubsub adapts Google Cloud Pub/Sub to the task queue
// interface: Enqueue publishes to the task topic, a background receiver
// feeds a channel that Dequeue drains.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/harvest"
)

// Queue is a Pub/Sub backed task queue.
type Queue struct {
	client       *pubsub.Client
	topicName    string
	subscription string
	ch           chan harvest.Task
	logger       *zap.Logger
}

// NewQueue wires the queue to an existing Pub/Sub client. topicName is
// the fully qualified topic for Enqueue; subscription is the
// subscription ID the receiver pulls tasks from.
func NewQueue(client *pubsub.Client, topicName, subscription string, depth int, logger *zap.Logger) *Queue {
	if depth <= 0 {
		depth = 64
	}
	return &Queue{
		client:       client,
		topicName:    topicName,
		subscription: subscription,
		ch:           make(chan harvest.Task, depth),
		logger:       logger,
	}
}

// Start launches the background receiver. It returns once the receiver
// goroutine is running; the receiver stops when the context finishes.
func (q *Queue) Start(ctx context.Context) {
	sub := q.client.Subscriber(q.subscription)
	go func() {
		err := sub.Receive(ctx, func(mctx context.Context, msg *pubsub.Message) {
			var task harvest.Task
			if err := json.Unmarshal(msg.Data, &task); err != nil {
				// A malformed task will never parse; ack so it is not
				// redelivered forever.
				q.logger.Error("drop unparseable task message", zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.ch <- task:
				msg.Ack()
			case <-mctx.Done():
				msg.Nack()
			}
		})
		if err != nil && ctx.Err() == nil {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}

// Enqueue publishes the task to the task topic and waits for the server
// acknowledgement.
func (q *Queue) Enqueue(ctx context.Context, task harvest.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	publisher := q.client.Publisher(q.topicName)
	result := publisher.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Dequeue pops the next received task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.Task, error) {
	select {
	case <-ctx.Done():
		return harvest.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-q.ch:
		return task, nil
	}
}
