package events

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus used by tests and single-process runs.
// Consumed streams share one FIFO channel; every published event is also
// recorded per type so assertions can inspect it.
type MemoryBus struct {
	mu       sync.Mutex
	queue    chan *Envelope
	consumed map[EventType]bool
	recorded map[EventType][]*Envelope
}

// NewMemoryBus creates a bus consuming the given event types.
func NewMemoryBus(consumeTypes ...EventType) *MemoryBus {
	b := &MemoryBus{
		queue:    make(chan *Envelope, 1024),
		consumed: make(map[EventType]bool, len(consumeTypes)),
		recorded: make(map[EventType][]*Envelope),
	}
	for _, t := range consumeTypes {
		b.consumed[t] = true
	}
	return b
}

// Publish records the event and, when its type is consumed, queues it.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	env, err := Wrap(evt)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.recorded[env.Type] = append(b.recorded[env.Type], env)
	routed := b.consumed[env.Type]
	b.mu.Unlock()

	if routed {
		select {
		case b.queue <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Consume returns the next queued event, or nil, nil on timeout.
func (b *MemoryBus) Consume(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	select {
	case env := <-b.queue:
		return env, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recorded returns the envelopes published for a type, in order.
func (b *MemoryBus) Recorded(t EventType) []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Envelope, len(b.recorded[t]))
	copy(out, b.recorded[t])
	return out
}

// RecordedCount returns how many events of a type were published.
func (b *MemoryBus) RecordedCount(t EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.recorded[t])
}
