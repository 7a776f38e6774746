package orders

import (
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheusmosca/storefront-core/services/inventory"
	"github.com/shopspring/decimal"
)

// Status representa os possíveis status de um pedido
type Status string

const (
	StatusPlaced         Status = "placed"
	StatusPacking        Status = "packing"
	StatusShipped        Status = "shipped"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// rank is the position of a status along the delivery path. Cancelled sits outside it.
var rank = map[Status]int{
	StatusPlaced:         1,
	StatusPacking:        2,
	StatusShipped:        3,
	StatusOutForDelivery: 4,
	StatusDelivered:      5,
}

func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok || s == StatusCancelled
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransitionTo reports whether an order may move from s to next. Moves are forward
// only (skipping steps is allowed) and Cancelled is reachable from any non-terminal state.
func (s Status) CanTransitionTo(next Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, next)
	}
	if s.Terminal() {
		return fmt.Errorf("%w: order is already %s", ErrInvalidTransition, s)
	}
	if next == StatusCancelled || rank[next] > rank[s] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
}

// PaymentMethod define como o pedido é liquidado
type PaymentMethod string

const (
	// PaymentMethodCOD settles on delivery; stock is decremented at placement.
	PaymentMethodCOD PaymentMethod = "cod"
	// PaymentMethodStripe settles through the hosted gateway; stock is decremented on confirmation.
	PaymentMethodStripe PaymentMethod = "stripe"
)

// Item é uma linha do pedido
type Item struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Size      string          `json:"size"`
}

func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func itemsSubtotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

type Address struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Street    string `json:"street"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zipcode   string `json:"zipcode"`
	Country   string `json:"country"`
	Phone     string `json:"phone"`
}

func (a Address) validate() error {
	required := []struct{ name, value string }{
		{"first_name", a.FirstName},
		{"street", a.Street},
		{"city", a.City},
		{"country", a.Country},
		{"phone", a.Phone},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%w: address %s is required", ErrInvalidInput, field.name)
		}
	}
	if a.Email != "" {
		if _, err := mail.ParseAddress(a.Email); err != nil {
			return fmt.Errorf("%w: address email is malformed", ErrInvalidInput)
		}
	}
	return nil
}

// EventType classifica uma entrada da timeline
type EventType string

const (
	EventTypeEvent        EventType = "event"
	EventTypeStatusChange EventType = "status_change"
	EventTypeNote         EventType = "note"
)

// TimelineEvent is one append-only line of an order's history.
type TimelineEvent struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	Text           string    `json:"text"`
	PreviousStatus Status    `json:"previous_status,omitempty"`
	NewStatus      Status    `json:"new_status,omitempty"`
	AddedBy        string    `json:"added_by"`
	Timestamp      time.Time `json:"timestamp"`
}

func newEvent(kind EventType, text, addedBy string) TimelineEvent {
	return TimelineEvent{
		ID:        uuid.New().String(),
		Type:      kind,
		Text:      text,
		AddedBy:   addedBy,
		Timestamp: time.Now().UTC(),
	}
}

func newStatusChange(previous, next Status, addedBy string) TimelineEvent {
	e := newEvent(EventTypeStatusChange, fmt.Sprintf("Status changed from %s to %s", previous, next), addedBy)
	e.PreviousStatus = previous
	e.NewStatus = next
	return e
}

// Order representa um pedido no sistema
type Order struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Items            []Item          `json:"items"`
	Amount           decimal.Decimal `json:"amount"`
	Address          Address         `json:"address"`
	Status           Status          `json:"status"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	Payment          bool            `json:"payment"`
	PaymentSessionID string          `json:"payment_session_id,omitempty"`
	Timeline         []TimelineEvent `json:"timeline"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewOrder cria uma nova instância de Order
func NewOrder(userID string, items []Item, amount decimal.Decimal, address Address, method PaymentMethod) *Order {
	now := time.Now().UTC()
	placed := newEvent(EventTypeEvent, "Order placed", userID)
	placed.Timestamp = now
	return &Order{
		ID:            uuid.New().String(),
		UserID:        userID,
		Items:         items,
		Amount:        amount,
		Address:       address,
		Status:        StatusPlaced,
		PaymentMethod: method,
		Timeline:      []TimelineEvent{placed},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SortedTimeline returns the timeline ordered by timestamp; the stored order is append order.
func (o *Order) SortedTimeline() []TimelineEvent {
	events := slices.Clone(o.Timeline)
	slices.SortStableFunc(events, func(a, b TimelineEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return events
}

// StockItems agrega as linhas do pedido por produto para o ledger
func (o *Order) StockItems() []inventory.StockItem {
	out := make([]inventory.StockItem, 0, len(o.Items))
	for _, item := range o.Items {
		out = append(out, inventory.StockItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}

// PlaceOrderRequest is the input of both placement paths.
type PlaceOrderRequest struct {
	UserID  string          `json:"-"`
	Items   []Item          `json:"items" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
	Address Address         `json:"address"`
}

func (r PlaceOrderRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrInvalidInput)
	}
	for _, item := range r.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item without product id", ErrInvalidInput)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: quantity for product %s must be at least 1", ErrInvalidInput, item.ProductID)
		}
		if item.Price.IsNegative() {
			return fmt.Errorf("%w: price for product %s cannot be negative", ErrInvalidInput, item.ProductID)
		}
	}
	subtotal := itemsSubtotal(r.Items)
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if r.Amount.LessThan(subtotal) {
		return fmt.Errorf("%w: amount %s is below the items subtotal %s", ErrInvalidInput, r.Amount, subtotal)
	}
	return r.Address.validate()
}
