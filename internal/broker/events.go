package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrPublishTimeout = errors.New("publish not confirmed in time")
	ErrNotReady       = errors.New("bus not ready")
	ErrAlreadySettled = errors.New("delivery already settled")
	ErrConnectionLost = errors.New("bus connection lost")
)

// Message is what travels on the bus. ID is the notification's correlation
// id and doubles as the broker-side deduplication id where one exists. Key
// groups related messages (the cart owner) for ordering and partitioning.
type Message struct {
	ID      string
	Kind    string
	Key     string
	Body    []byte
	Headers map[string]string
}

// Delivery is one receipt of a Message. Exactly one of Ack or Nack takes
// effect; later calls return ErrAlreadySettled.
type Delivery struct {
	Message
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int

	settled atomic.Bool
	ack     func() error
	nack    func(requeue bool) error
}

func NewDelivery(msg Message, attempt int, ack func() error, nack func(requeue bool) error) *Delivery {
	if attempt < 1 {
		attempt = 1
	}
	return &Delivery{Message: msg, Attempt: attempt, ack: ack, nack: nack}
}

func (d *Delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.ack()
}

// Nack returns the message to the bus. With requeue false the bus routes it
// to its dead-letter path.
func (d *Delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.nack(requeue)
}

func (d *Delivery) Settled() bool { return d.settled.Load() }

// Handler must settle every delivery it is given.
type Handler func(ctx context.Context, d *Delivery)

type Publisher interface {
	// Publish returns nil only once the bus has durably accepted msg.
	Publish(ctx context.Context, msg Message) error
}

type Subscriber interface {
	// Subscribe blocks, dispatching deliveries to h until ctx is done.
	Subscribe(ctx context.Context, h Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Monitor is implemented by buses that hold a long-lived connection. Done
// yields an error when that connection is lost.
type Monitor interface {
	Done() <-chan error
}

// Watch blocks until ctx is done or bus reports a lost connection. Buses
// without a connection to lose never fail.
func Watch(ctx context.Context, bus Bus) error {
	m, ok := bus.(Monitor)
	if !ok {
		<-ctx.Done()
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-m.Done():
		if !ok || err == nil {
			<-ctx.Done()
			return nil
		}
		return fmt.Errorf("broker: %w", err)
	}
}
