package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/streadway/amqp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// amqpPublisher is the publishing half of *amqp.Channel.
type amqpPublisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPBus publishes to a topic exchange in confirm mode and consumes from a
// quorum queue whose rejected messages go to "<queue>.dlq".
type AMQPBus struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	pub       amqpPublisher
	exchange  string
	queue     string
	prefetch  int
	consumers sync.WaitGroup

	// writeSlot serializes channel writes so delivery tags follow publish
	// order. It is a channel so waiting for it honours ctx.
	writeSlot chan struct{}
	nextTag   uint64

	mu      sync.Mutex
	pending map[uint64]chan bool
	closed  bool

	done     chan error
	doneOnce sync.Once
}

func newAMQPBus(pub amqpPublisher, exchange, queue string) *AMQPBus {
	return &AMQPBus{
		pub:       pub,
		exchange:  exchange,
		queue:     queue,
		prefetch:  16,
		writeSlot: make(chan struct{}, 1),
		pending:   make(map[uint64]chan bool),
		done:      make(chan error, 1),
	}
}

func DialAMQP(url, exchange, queue string, maxDeliveries int) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	b := newAMQPBus(channel, exchange, queue)
	b.conn, b.channel = conn, channel
	if err := b.declareTopology(maxDeliveries); err != nil {
		b.Close()
		return nil, err
	}
	if err := channel.Confirm(false); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	go b.trackConfirms(channel.NotifyPublish(make(chan amqp.Confirmation, 64)))
	go b.watchConnection(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return b, nil
}

func (b *AMQPBus) declareTopology(maxDeliveries int) error {
	dlx := b.exchange + ".dlx"
	dlq := b.queue + ".dlq"

	if err := b.channel.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	if err := b.channel.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}
	if _, err := b.channel.QueueDeclare(dlq, true, false, false, false, amqp.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := b.channel.QueueBind(dlq, "", dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}

	args := amqp.Table{
		"x-queue-type":           "quorum",
		"x-dead-letter-exchange": dlx,
	}
	if maxDeliveries > 0 {
		args["x-delivery-limit"] = int32(maxDeliveries)
	}
	if _, err := b.channel.QueueDeclare(b.queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.queue, err)
	}
	if err := b.channel.QueueBind(b.queue, "#", b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", b.queue, err)
	}
	return nil
}

// trackConfirms hands each broker confirm to the publisher waiting on that
// delivery tag. Confirms for publishes that already gave up are dropped.
func (b *AMQPBus) trackConfirms(confirms <-chan amqp.Confirmation) {
	for c := range confirms {
		b.mu.Lock()
		if done, ok := b.pending[c.DeliveryTag]; ok {
			done <- c.Ack
			delete(b.pending, c.DeliveryTag)
		}
		b.mu.Unlock()
	}
	b.markClosed()
}

// watchConnection reports an unexpected connection loss on Done. A close
// initiated by Close delivers nothing and ends the watch quietly.
func (b *AMQPBus) watchConnection(closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	b.markClosed()
	if ok && amqpErr != nil {
		b.signal(fmt.Errorf("%w: %s (code %d)", ErrConnectionLost, amqpErr.Reason, amqpErr.Code))
		return
	}
	b.signal(nil)
}

// markClosed fails every waiting publisher and refuses new ones.
func (b *AMQPBus) markClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tag, done := range b.pending {
		close(done)
		delete(b.pending, tag)
	}
	b.closed = true
}

func (b *AMQPBus) signal(err error) {
	b.doneOnce.Do(func() {
		if err != nil {
			b.done <- err
		}
		close(b.done)
	})
}

// Done yields ErrConnectionLost once the broker connection drops, and is
// closed without a value after Close.
func (b *AMQPBus) Done() <-chan error { return b.done }

// Publish waits for the broker's confirm. The channel write itself runs on
// its own goroutine, so a write blocked by broker flow control still gives
// way to ctx; such a write may land later, and its confirm is dropped.
func (b *AMQPBus) Publish(ctx context.Context, msg Message) error {
	started := time.Now()
	ctx, span := startPublish(ctx, semconv.MessagingSystemRabbitmq, b.exchange, &msg)

	headers := make(amqp.Table, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[headerKind] = msg.Kind

	select {
	case b.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return finishPublish(ctx, span, started, ctx.Err())
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.writeSlot
		return finishPublish(ctx, span, started, ErrNotReady)
	}
	b.nextTag++
	tag := b.nextTag
	done := make(chan bool, 1)
	b.pending[tag] = done
	b.mu.Unlock()

	written := make(chan error, 1)
	go func() {
		err := b.pub.Publish(b.exchange, msg.Kind, false, false, amqp.Publishing{
			Headers:      headers,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Kind,
			Timestamp:    time.Now().UTC(),
			Body:         msg.Body,
		})
		if err != nil {
			// the channel numbers confirms for successful writes only
			b.nextTag--
		}
		<-b.writeSlot
		written <- err
	}()

	var err error
	select {
	case err = <-written:
		if err != nil {
			err = fmt.Errorf("failed to publish message: %w", err)
			break
		}
		select {
		case ack, ok := <-done:
			switch {
			case !ok:
				err = fmt.Errorf("%w: channel closed before confirm", ErrNotReady)
			case !ack:
				err = errors.New("broker rejected message")
			}
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		b.forget(tag, done)
		return finishPublish(ctx, span, started, err)
	}
	logging.Debug(ctx, "publish confirmed", zap.String("exchange", b.exchange), zap.String("message_id", msg.ID))
	return finishPublish(ctx, span, started, nil)
}

// forget drops the waiter for tag unless the tag has since been handed to
// another publish.
func (b *AMQPBus) forget(tag uint64, done chan bool) {
	b.mu.Lock()
	if b.pending[tag] == done {
		delete(b.pending, tag)
	}
	b.mu.Unlock()
}

func (b *AMQPBus) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *AMQPBus) Close() error {
	b.consumers.Wait()
	var errs []error
	if b.channel != nil {
		errs = append(errs, b.channel.Close())
	}
	if b.conn != nil {
		errs = append(errs, b.conn.Close())
	}
	b.signal(nil)
	return errors.Join(errs...)
}
