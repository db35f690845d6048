package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ogozo/service-checkout/internal/events"
	"github.com/shopspring/decimal"
)

const StatusPlaced = "Placed"

// sortableTime is fixed width so timestamps stored as text sort
// chronologically.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

var (
	ErrNotFound             = errors.New("order not found")
	ErrInvalidNotification  = errors.New("invalid checkout notification")
	ErrPersistenceExhausted = errors.New("order persistence retries exhausted")
)

type Item struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type Order struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	OwnerID       string          `json:"ownerId"`
	Items         []Item          `json:"items"`
	Total         decimal.Decimal `json:"total"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// FromCheckout builds the order a checkout notification asks for.
func FromCheckout(n events.Checkout, now time.Time) Order {
	items := make([]Item, len(n.Items))
	for i, it := range n.Items {
		items[i] = Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return Order{
		ID:            uuid.NewString(),
		CorrelationID: n.CorrelationID(),
		OwnerID:       n.OwnerID,
		Items:         items,
		Total:         n.Total,
		Status:        StatusPlaced,
		CreatedAt:     now.UTC(),
	}
}

// rowScanner is the subset of pgx.Rows and *sql.Rows the stores read with.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// collectOrders folds joined order/item rows, ordered by order, into orders.
// Each row carries id, correlation id, owner, total, status, created at,
// then product id, quantity and unit price. parseTime converts the
// created-at column the way the backing store returns it.
func collectOrders(rows rowScanner, parseTime func(any) (time.Time, error)) ([]Order, error) {
	var out []Order
	for rows.Next() {
		var (
			o         Order
			total     string
			createdAt any
			it        Item
			price     string
		)
		if err := rows.Scan(&o.ID, &o.CorrelationID, &o.OwnerID, &total, &o.Status, &createdAt,
			&it.ProductID, &it.Quantity, &price); err != nil {
			return nil, err
		}
		var err error
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ID != o.ID {
			if o.Total, err = decimal.NewFromString(total); err != nil {
				return nil, err
			}
			if o.CreatedAt, err = parseTime(createdAt); err != nil {
				return nil, err
			}
			out = append(out, o)
		}
		last := &out[len(out)-1]
		last.Items = append(last.Items, it)
	}
	return out, rows.Err()
}
