package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis Pub/Sub via go-redis v9. Each Subscribe
// call holds its own PubSub connection with a receive goroutine; messages
// published while disconnected are lost, which the contract allows.
type RedisBus struct {
	rdb *redis.Client

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(addr, password string, db int) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis bus connected", "addr", addr, "db", db)
	return &RedisBus{rdb: rdb}, nil
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, channel string, message []byte) error {
	return b.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("redis bus is closed")
	}
	b.mu.Unlock()

	sub := b.rdb.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed so the caller never misses
	// messages published after Subscribe returns.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// Close implements Bus.Close.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = nil
	return b.rdb.Close()
}
