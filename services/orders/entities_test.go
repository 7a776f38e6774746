package orders

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		wantErr  error
	}{
		{from: StatusPlaced, to: StatusPacking},
		{from: StatusPlaced, to: StatusShipped},
		{from: StatusShipped, to: StatusOutForDelivery},
		{from: StatusOutForDelivery, to: StatusDelivered},
		{from: StatusPacking, to: StatusCancelled},
		{from: StatusShipped, to: StatusPlaced, wantErr: ErrInvalidTransition},
		{from: StatusDelivered, to: StatusCancelled, wantErr: ErrInvalidTransition},
		{from: StatusCancelled, to: StatusPlaced, wantErr: ErrInvalidTransition},
		{from: StatusPlaced, to: "lost", wantErr: ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := tt.from.CanTransitionTo(tt.to)

			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewOrder(t *testing.T) {
	// Arrange
	items := []Item{{ProductID: "p1", Name: "Shirt", Price: decimal.NewFromInt(10), Quantity: 2, Size: "M"}}

	// Act
	order := NewOrder("user-1", items, decimal.NewFromInt(25), validAddress(), PaymentMethodCOD)

	// Assert
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, StatusPlaced, order.Status)
	assert.False(t, order.Payment)
	require.Len(t, order.Timeline, 1)
	assert.Equal(t, EventTypeEvent, order.Timeline[0].Type)
	assert.WithinDuration(t, time.Now(), order.CreatedAt, time.Second)
}

func TestOrder_SortedTimelineUsesTimestamps(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	order := &Order{Timeline: []TimelineEvent{
		{ID: "c", Timestamp: base.Add(2 * time.Minute)},
		{ID: "a", Timestamp: base},
		{ID: "b", Timestamp: base.Add(time.Minute)},
	}}

	sorted := order.SortedTimeline()

	assert.Equal(t, "a", sorted[0].ID)
	assert.Equal(t, "b", sorted[1].ID)
	assert.Equal(t, "c", sorted[2].ID)
	assert.Equal(t, "c", order.Timeline[0].ID)
}

func TestPlaceOrderRequest_Validate(t *testing.T) {
	valid := placeRequest("user-1", item("p1", 1))

	tests := []struct {
		name   string
		mutate func(*PlaceOrderRequest)
	}{
		{name: "no user", mutate: func(r *PlaceOrderRequest) { r.UserID = "" }},
		{name: "no items", mutate: func(r *PlaceOrderRequest) { r.Items = nil }},
		{name: "zero quantity", mutate: func(r *PlaceOrderRequest) { r.Items = []Item{item("p1", 0)} }},
		{name: "amount below subtotal", mutate: func(r *PlaceOrderRequest) { r.Amount = decimal.NewFromInt(1) }},
		{name: "missing street", mutate: func(r *PlaceOrderRequest) { r.Address.Street = " " }},
		{name: "bad email", mutate: func(r *PlaceOrderRequest) { r.Address.Email = "nope" }},
	}
	require.NoError(t, valid.validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			r.Items = append([]Item(nil), valid.Items...)
			tt.mutate(&r)

			assert.ErrorIs(t, r.validate(), ErrInvalidInput)
		})
	}
}
