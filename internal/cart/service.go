package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ogozo/service-checkout/internal/broker"
	"github.com/ogozo/service-checkout/internal/events"
	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/ogozo/service-checkout/internal/metrics"
	"go.uber.org/zap"
)

const deleteTimeout = 5 * time.Second

// Coordinator turns a cart into a checkout notification. It never waits for
// the resulting order.
type Coordinator struct {
	store          Store
	publisher      broker.Publisher
	publishTimeout time.Duration
	now            func() time.Time
}

func NewCoordinator(store Store, publisher broker.Publisher, publishTimeout time.Duration) *Coordinator {
	return &Coordinator{
		store:          store,
		publisher:      publisher,
		publishTimeout: publishTimeout,
		now:            time.Now,
	}
}

// Checkout publishes the owner's cart and returns the notification's
// correlation id. The cart is deleted only after the bus has accepted the
// notification.
//
// The notification is recorded as pending before it is published. When an
// earlier attempt for the same items failed to publish, Checkout republishes
// that pending notification instead of minting a new correlation id, so a
// message that reached the broker despite the failure and its retry
// collapse into one order.
func (c *Coordinator) Checkout(ctx context.Context, ownerID string) (string, error) {
	cart, err := c.store.GetByOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.CheckoutRequests.WithLabelValues("not_found").Inc()
			return "", err
		}
		metrics.CheckoutRequests.WithLabelValues("error").Inc()
		return "", fmt.Errorf("load cart: %w", err)
	}
	if len(cart.Items) == 0 {
		metrics.CheckoutRequests.WithLabelValues("empty").Inc()
		return "", ErrEmptyCart
	}

	n, body, err := c.prepare(ctx, cart)
	if err != nil {
		metrics.CheckoutRequests.WithLabelValues("error").Inc()
		return "", err
	}
	ctx = logging.WithCorrelationID(ctx, n.CorrelationID())

	pctx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	err = c.publisher.Publish(pctx, broker.Message{
		ID:   n.CorrelationID(),
		Kind: string(n.Kind()),
		Key:  ownerID,
		Body: body,
	})
	cancel()
	if err != nil {
		metrics.CheckoutRequests.WithLabelValues("publish_failed").Inc()
		logging.Error(ctx, "checkout publish failed, cart kept", err, zap.String("owner_id", ownerID))
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	metrics.CheckoutRequests.WithLabelValues("accepted").Inc()
	logging.Info(ctx, "checkout notification published",
		zap.String("owner_id", ownerID),
		zap.String("total", n.Total.StringFixed(2)),
		zap.Int("items", len(n.Items)),
	)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()
	existed, err := c.store.DeleteByOwner(dctx, ownerID)
	switch {
	case err != nil:
		logging.Error(ctx, "cart delete after checkout failed, left for cleanup", err, zap.String("owner_id", ownerID))
	case !existed:
		logging.Warn(ctx, "cart already gone after checkout", zap.String("owner_id", ownerID))
	}
	return n.CorrelationID(), nil
}

// prepare resumes the pending checkout when it matches the cart's items,
// otherwise records a fresh one.
func (c *Coordinator) prepare(ctx context.Context, cart Cart) (events.Checkout, []byte, error) {
	items := cart.lineItems()

	raw, err := c.store.GetPending(ctx, cart.OwnerID)
	switch {
	case err == nil:
		if pending, ok := c.resumable(ctx, raw, cart.OwnerID, items); ok {
			logging.Info(ctx, "resuming pending checkout",
				zap.String("owner_id", cart.OwnerID),
				zap.String("correlation_id", pending.CorrelationID()),
			)
			return pending, raw, nil
		}
	case errors.Is(err, ErrNotFound):
	default:
		return events.Checkout{}, nil, fmt.Errorf("load pending checkout: %w", err)
	}

	n := events.NewCheckout(events.NewEnvelope(c.now()), cart.OwnerID, items)
	body, err := events.Encode(n)
	if err != nil {
		return events.Checkout{}, nil, err
	}
	if err := c.store.SavePending(ctx, cart.OwnerID, body); err != nil {
		return events.Checkout{}, nil, fmt.Errorf("record pending checkout: %w", err)
	}
	return n, body, nil
}

func (c *Coordinator) resumable(ctx context.Context, raw []byte, ownerID string, items []events.LineItem) (events.Checkout, bool) {
	decoded, err := events.Decode(events.KindCheckout, raw)
	if err != nil {
		logging.Warn(ctx, "discarding unreadable pending checkout", zap.String("owner_id", ownerID), zap.Error(err))
		return events.Checkout{}, false
	}
	pending := decoded.(events.Checkout)
	if pending.OwnerID != ownerID || !events.SameItems(pending.Items, items) {
		return events.Checkout{}, false
	}
	return pending, true
}
