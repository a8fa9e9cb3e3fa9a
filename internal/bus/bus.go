// Package bus carries stored events between instances. The contract is a
// minimal named-channel pub/sub: at-least-once delivery after subscription,
// no ordering promise. The hub dedups by (stream, seq) and reorders on the
// receiving side, so any adapter that can publish bytes to a named channel
// qualifies.
package bus

import "context"

// Bus is the cross-instance pub/sub contract.
type Bus interface {
	// Publish sends a message to a named channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a handler for messages on a channel and returns
	// an unsubscribe function. The handler may be called concurrently.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)

	// Close releases all subscriptions and the underlying transport.
	Close() error
}
