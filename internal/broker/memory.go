package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

var memorySystem = semconv.MessagingSystemKey.String("memory")

// MemoryBus is an in-process bus with at-least-once semantics. A delivery
// that is neither acked nor nacked within the lease is redelivered, which
// is how a consumer crash looks from the outside. Any number of Subscribe
// calls compete for messages.
type MemoryBus struct {
	lease         time.Duration
	maxDeliveries int
	queue         chan *memoryEntry

	mu        sync.Mutex
	dead      []Message
	published int
	closed    bool

	// PublishHook, when set, runs before a message is accepted. A non-nil
	// error is returned from Publish and the message is dropped.
	PublishHook func(ctx context.Context, msg Message) error
}

type memoryEntry struct {
	msg        Message
	deliveries int
}

// NewMemoryBus redelivers unsettled messages after lease. maxDeliveries of
// zero never dead-letters on redelivery.
func NewMemoryBus(lease time.Duration, maxDeliveries int) *MemoryBus {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &MemoryBus{
		lease:         lease,
		maxDeliveries: maxDeliveries,
		queue:         make(chan *memoryEntry, 1024),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	started := time.Now()
	ctx, span := startPublish(ctx, memorySystem, "memory", &msg)

	if b.PublishHook != nil {
		if err := b.PublishHook(ctx, msg); err != nil {
			return finishPublish(ctx, span, started, err)
		}
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return finishPublish(ctx, span, started, ErrNotReady)
	}

	select {
	case b.queue <- &memoryEntry{msg: msg}:
		b.mu.Lock()
		b.published++
		b.mu.Unlock()
		return finishPublish(ctx, span, started, nil)
	case <-ctx.Done():
		return finishPublish(ctx, span, started, ctx.Err())
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.queue:
			go b.deliver(ctx, e, h)
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, e *memoryEntry, h Handler) {
	b.mu.Lock()
	e.deliveries++
	attempt := e.deliveries
	b.mu.Unlock()
	msg := e.msg
	msg.Headers = cloneHeaders(e.msg.Headers)

	// 0 open, 1 settled or expired
	var state atomic.Int32
	timer := time.AfterFunc(b.lease, func() {
		if state.CompareAndSwap(0, 1) {
			b.redeliver(e)
		}
	})

	d := NewDelivery(msg, attempt,
		func() error {
			if !state.CompareAndSwap(0, 1) {
				return ErrAlreadySettled
			}
			timer.Stop()
			return nil
		},
		func(requeue bool) error {
			if !state.CompareAndSwap(0, 1) {
				return ErrAlreadySettled
			}
			timer.Stop()
			if requeue {
				b.redeliver(e)
			} else {
				b.deadLetter(e.msg)
			}
			return nil
		},
	)

	spanCtx, span := startConsume(ctx, memorySystem, "memory", msg)
	defer span.End()
	span.SetAttributes(attribute.Int("messaging.delivery.attempt", attempt))
	h(spanCtx, d)
}

func (b *MemoryBus) redeliver(e *memoryEntry) {
	b.mu.Lock()
	exhausted := b.maxDeliveries > 0 && e.deliveries >= b.maxDeliveries
	closed := b.closed
	b.mu.Unlock()
	if exhausted {
		b.deadLetter(e.msg)
		return
	}
	if closed {
		return
	}
	b.queue <- e
}

func (b *MemoryBus) deadLetter(msg Message) {
	b.mu.Lock()
	b.dead = append(b.dead, msg)
	b.mu.Unlock()
}

// DeadLetters returns the messages rejected without requeue or out of
// deliveries, oldest first.
func (b *MemoryBus) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.dead...)
}

// Published counts accepted messages.
func (b *MemoryBus) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
