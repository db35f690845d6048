package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/streadway/amqp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Subscribe consumes the checkout queue with manual acknowledgement. Each
// delivery is handled on its own goroutine, bounded by the channel prefetch.
func (b *AMQPBus) Subscribe(ctx context.Context, h Handler) error {
	b.consumers.Add(1)
	defer b.consumers.Done()

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open consumer channel: %v", ErrNotReady, err)
	}
	defer ch.Close()

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	tag := "order-consumer-" + uuid.NewString()
	msgs, err := ch.Consume(b.queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.queue, err)
	}
	logging.Info(ctx, "listening for checkout notifications", zap.String("queue", b.queue))

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("%w: delivery channel closed", ErrNotReady)
			}
			inflight.Add(1)
			go func(d amqp.Delivery) {
				defer inflight.Done()
				b.dispatch(ctx, d, h)
			}(d)
		}
	}
}

func (b *AMQPBus) dispatch(ctx context.Context, d amqp.Delivery, h Handler) {
	carrier := amqpHeaders(d.Headers)
	msg := Message{
		ID:      d.MessageId,
		Kind:    d.Type,
		Body:    d.Body,
		Headers: carrier.strings(),
	}
	if msg.Kind == "" {
		msg.Kind = carrier.Get(headerKind)
	}

	spanCtx, span := startConsume(ctx, semconv.MessagingSystemRabbitmq, b.queue, msg)
	defer span.End()

	delivery := NewDelivery(msg, deliveryCount(d.Headers)+1,
		func() error { return d.Ack(false) },
		func(requeue bool) error { return d.Nack(false, requeue) },
	)
	h(spanCtx, delivery)
}

// deliveryCount reads the quorum queue's count of earlier deliveries.
func deliveryCount(headers amqp.Table) int {
	switch v := headers["x-delivery-count"].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
