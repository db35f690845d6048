package cart

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ogozo/service-checkout/internal/events"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("cart not found")
	ErrEmptyCart     = errors.New("cart has no items")
	ErrPublishFailed = errors.New("checkout notification not published")
	ErrInvalidItem   = errors.New("invalid cart item")
)

type Item struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type Cart struct {
	OwnerID   string    `json:"ownerId"`
	Items     []Item    `json:"items"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c Cart) Total() decimal.Decimal {
	return events.SumItems(c.lineItems())
}

func (c Cart) lineItems() []events.LineItem {
	items := make([]events.LineItem, len(c.Items))
	for i, it := range c.Items {
		items[i] = events.LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return items
}

func (c Cart) validate() error {
	for i, it := range c.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return fmt.Errorf("%w: item %d has no product id", ErrInvalidItem, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidItem, i)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d price is negative", ErrInvalidItem, i)
		}
	}
	return nil
}
