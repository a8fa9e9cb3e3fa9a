package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus implements Bus on Google Cloud Pub/Sub. All logical channels
// share one topic; the channel name travels as a message attribute and a
// per-instance subscription fans messages back out to registered handlers.
// The per-instance subscription auto-expires so crashed instances do not
// leak subscriptions.
//
// Redis is the default bus; this adapter exists for deployments that already
// run on Pub/Sub and do not want a Redis just for fan-out.
type PubSubBus struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	mu      sync.RWMutex
	nextID  int
	entries map[string][]pubsubEntry // channel -> handlers
	closed  bool
}

type pubsubEntry struct {
	id      int
	handler func([]byte)
}

// NewPubSubBus connects to Pub/Sub, creating the topic and the instance's
// subscription when missing. instanceID must be unique per process.
func NewPubSubBus(projectID, topicID, instanceID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}

	subID := topicID + "-" + instanceID
	sub := client.Subscription(subID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sub.Exists: %w", err)
	}
	if !exists {
		sub, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:            topic,
			AckDeadline:      10 * time.Second,
			ExpirationPolicy: 24 * time.Hour,
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateSubscription: %w", err)
		}
	}

	recvCtx, recvCancel := context.WithCancel(context.Background())
	b := &PubSubBus{
		client:  client,
		topic:   topic,
		sub:     sub,
		cancel:  recvCancel,
		entries: make(map[string][]pubsubEntry),
	}

	go func() {
		err := sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			b.dispatch(msg.Attributes["channel"], msg.Data)
		})
		if err != nil && recvCtx.Err() == nil {
			slog.Warn("Pub/Sub receive loop exited", "error", err)
		}
	}()

	slog.Info("Pub/Sub bus connected", "topic", topicID, "subscription", subID)
	return b, nil
}

func (b *PubSubBus) dispatch(channel string, data []byte) {
	b.mu.RLock()
	entries := b.entries[channel]
	b.mu.RUnlock()
	for _, e := range entries {
		e.handler(data)
	}
}

// Publish implements Bus.Publish.
func (b *PubSubBus) Publish(ctx context.Context, channel string, message []byte) error {
	res := b.topic.Publish(ctx, &pubsub.Message{
		Data:       message,
		Attributes: map[string]string{"channel": channel},
	})
	_, err := res.Get(ctx)
	return err
}

// Subscribe implements Bus.Subscribe. The Pub/Sub subscription already
// receives every message; Subscribe only registers the local dispatch.
func (b *PubSubBus) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("pubsub bus is closed")
	}

	b.nextID++
	id := b.nextID
	b.entries[channel] = append(b.entries[channel], pubsubEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		for i, e := range b.entries[channel] {
			if e.id == id {
				b.entries[channel] = append(b.entries[channel][:i], b.entries[channel][i+1:]...)
				break
			}
		}
	}, nil
}

// Close implements Bus.Close.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.entries = nil
	b.mu.Unlock()

	b.cancel()
	b.topic.Stop()
	return b.client.Close()
}
