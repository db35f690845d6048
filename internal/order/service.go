package order

import (
	"context"
	"fmt"
	"time"

	"github.com/ogozo/service-checkout/internal/broker"
	"github.com/ogozo/service-checkout/internal/events"
	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/ogozo/service-checkout/internal/metrics"
	"github.com/ogozo/service-checkout/internal/retry"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomePlaced      Outcome = "placed"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeExhausted   Outcome = "exhausted"
	// OutcomeInterrupted means the consumer was stopping while persistence
	// was still in progress.
	OutcomeInterrupted Outcome = "interrupted"
)

// Consumer places one order per checkout correlation id, however often the
// notification is delivered.
type Consumer struct {
	store         Store
	policy        retry.Policy
	maxDeliveries int
	now           func() time.Time
}

// NewConsumer retries store writes under policy. Once a delivery has been
// attempted maxDeliveries times a persistence failure sends it to the
// dead-letter path instead of back to the queue; zero leaves that to the
// bus.
func NewConsumer(store Store, policy retry.Policy, maxDeliveries int) *Consumer {
	return &Consumer{store: store, policy: policy, maxDeliveries: maxDeliveries, now: time.Now}
}

// Process decodes, validates and persists one notification. Claiming the
// correlation id and inserting the order happen in one store transaction,
// so a failure or crash between the two leaves nothing claimed and a
// redelivery starts over.
func (c *Consumer) Process(ctx context.Context, kind events.Kind, body []byte) (Outcome, error) {
	n, err := events.Decode(kind, body)
	if err != nil {
		return OutcomeInvalid, fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}
	checkout, ok := n.(events.Checkout)
	if !ok {
		return OutcomeInvalid, fmt.Errorf("%w: unexpected kind %s", ErrInvalidNotification, n.Kind())
	}
	if err := checkout.Validate(); err != nil {
		return OutcomeInvalid, fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}

	id := checkout.CorrelationID()
	ctx = logging.WithCorrelationID(ctx, id)
	o := FromCheckout(checkout, c.now())

	var inserted bool
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = c.store.InsertIfAbsent(ctx, id, o)
		return err
	}, func(a retry.Attempt) {
		metrics.PersistenceRetries.Inc()
		logging.Warn(ctx, "order persistence failed, retrying",
			zap.Int("attempt", a.Number),
			zap.Duration("retry_in", a.Next),
			zap.Error(a.Err),
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeInterrupted, fmt.Errorf("order persistence interrupted: %w", err)
		}
		return OutcomeExhausted, fmt.Errorf("%w: %w", ErrPersistenceExhausted, err)
	}
	if !inserted {
		return OutcomeDuplicate, nil
	}
	logging.Info(ctx, "order placed",
		zap.String("order_id", o.ID),
		zap.String("owner_id", o.OwnerID),
		zap.String("total", o.Total.StringFixed(2)),
	)
	return OutcomePlaced, nil
}

// HandleDelivery settles d according to the processing outcome: placed and
// duplicate deliveries are acked and invalid ones dead-lettered. Exhausted
// ones are requeued until the delivery budget runs out; interrupted ones are
// always requeued.
func (c *Consumer) HandleDelivery(ctx context.Context, d *broker.Delivery) {
	kind := events.Kind(d.Kind)
	if kind == "" {
		kind = events.KindCheckout
	}
	outcome, err := c.Process(ctx, kind, d.Body)
	metrics.NotificationsConsumed.WithLabelValues(string(outcome)).Inc()

	fields := []zap.Field{
		zap.String("message_id", d.ID),
		zap.Int("attempt", d.Attempt),
		zap.String("outcome", string(outcome)),
	}
	ctx = logging.WithCorrelationID(ctx, d.ID)

	var settleErr error
	switch outcome {
	case OutcomePlaced:
		settleErr = d.Ack()
	case OutcomeDuplicate:
		logging.Info(ctx, "duplicate checkout notification acknowledged", fields...)
		settleErr = d.Ack()
	case OutcomeInvalid:
		logging.Error(ctx, "rejecting invalid checkout notification", err, fields...)
		settleErr = d.Nack(false)
	case OutcomeExhausted:
		requeue := c.maxDeliveries <= 0 || d.Attempt < c.maxDeliveries
		logging.Error(ctx, "order persistence exhausted", err, append(fields, zap.Bool("requeue", requeue))...)
		settleErr = d.Nack(requeue)
	case OutcomeInterrupted:
		logging.Info(ctx, "consumer stopping, requeueing checkout notification", append(fields, zap.Error(err))...)
		settleErr = d.Nack(true)
	}
	if settleErr != nil {
		logging.Error(ctx, "failed to settle delivery", settleErr, fields...)
	}
}
