package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Checkout is published once a cart has been handed over for ordering.
type Checkout struct {
	Envelope
	OwnerID string
	Total   decimal.Decimal
	Items   []LineItem
}

// NewCheckout snapshots items so later cart edits cannot leak into an
// in-flight notification.
func NewCheckout(env Envelope, ownerID string, items []LineItem) Checkout {
	snapshot := make([]LineItem, len(items))
	copy(snapshot, items)
	return Checkout{
		Envelope: env,
		OwnerID:  ownerID,
		Total:    SumItems(snapshot),
		Items:    snapshot,
	}
}

func (Checkout) Kind() Kind { return KindCheckout }

func SumItems(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// Validate rejects payloads that can never become an order.
func (c Checkout) Validate() error {
	if c.CorrelationID() == "" {
		return fmt.Errorf("%w: missing correlation id", ErrMalformed)
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		return fmt.Errorf("%w: missing owner id", ErrMalformed)
	}
	if len(c.Items) == 0 {
		return fmt.Errorf("%w: no line items", ErrMalformed)
	}
	for i, it := range c.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return fmt.Errorf("%w: item %d has no product id", ErrMalformed, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity %d", ErrMalformed, i, it.Quantity)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d negative unit price", ErrMalformed, i)
		}
	}
	if sum := SumItems(c.Items); !sum.Equal(c.Total) {
		return fmt.Errorf("%w: total %s does not match items %s", ErrMalformed, c.Total, sum)
	}
	return nil
}

// SameItems compares two line-item lists position by position.
func SameItems(a, b []LineItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ProductID != b[i].ProductID || a[i].Quantity != b[i].Quantity || !a[i].UnitPrice.Equal(b[i].UnitPrice) {
			return false
		}
	}
	return true
}

type lineItemWire struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type checkoutWire struct {
	CorrelationID string          `json:"correlationId"`
	CreatedAt     time.Time       `json:"createdAt"`
	OwnerID       string          `json:"ownerId"`
	Total         decimal.Decimal `json:"total"`
	Items         []lineItemWire  `json:"items"`
}

func (c Checkout) MarshalJSON() ([]byte, error) {
	w := checkoutWire{
		CorrelationID: c.CorrelationID(),
		CreatedAt:     c.CreatedAt().UTC(),
		OwnerID:       c.OwnerID,
		Total:         c.Total,
		Items:         make([]lineItemWire, len(c.Items)),
	}
	for i, it := range c.Items {
		w.Items[i] = lineItemWire{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return json.Marshal(w)
}

func (c *Checkout) UnmarshalJSON(data []byte) error {
	var w checkoutWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env, err := RestoreEnvelope(w.CorrelationID, w.CreatedAt)
	if err != nil {
		return err
	}
	items := make([]LineItem, len(w.Items))
	for i, it := range w.Items {
		items[i] = LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	*c = Checkout{Envelope: env, OwnerID: w.OwnerID, Total: w.Total, Items: items}
	return nil
}
