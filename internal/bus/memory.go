package bus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus implements Bus inside one process. Tests wire several hubs to a
// shared MemoryBus to exercise the cross-instance path without Redis.
// Delivery is asynchronous (one goroutine per message) so ordering between
// messages is deliberately not guaranteed, matching the real adapters.
type MemoryBus struct {
	mu      sync.RWMutex
	nextID  int
	entries map[string][]pubsubEntry
	wg      sync.WaitGroup
	closed  bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{entries: make(map[string][]pubsubEntry)}
}

// Publish implements Bus.Publish.
func (b *MemoryBus) Publish(_ context.Context, channel string, message []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("memory bus is closed")
	}
	entries := make([]pubsubEntry, len(b.entries[channel]))
	copy(entries, b.entries[channel])
	b.mu.RUnlock()

	msg := make([]byte, len(message))
	copy(msg, message)

	for _, e := range entries {
		h := e.handler
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			h(msg)
		}()
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *MemoryBus) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("memory bus is closed")
	}

	b.nextID++
	id := b.nextID
	b.entries[channel] = append(b.entries[channel], pubsubEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.entries[channel] {
			if e.id == id {
				b.entries[channel] = append(b.entries[channel][:i], b.entries[channel][i+1:]...)
				break
			}
		}
	}, nil
}

// Close implements Bus.Close. Waits for in-flight deliveries.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.entries = make(map[string][]pubsubEntry)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
