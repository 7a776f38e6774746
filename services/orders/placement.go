package orders

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/matheusmosca/storefront-core/services/gateway"
	"github.com/matheusmosca/storefront-core/services/inventory"
	"github.com/matheusmosca/storefront-core/services/notification"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const systemActor = "system"

// PlaceOrder cria um pedido pago na entrega e baixa o estoque na hora.
// If the decrement fails the order is deleted, so a failed placement leaves no order and
// no stock change behind.
func (uc *OrderUseCase) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.place_order")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.Int("items", len(req.Items)),
		attribute.String("payment_method", string(PaymentMethodCOD)),
	)

	if err := req.validate(); err != nil {
		return nil, err
	}

	order := NewOrder(req.UserID, req.Items, req.Amount, req.Address, PaymentMethodCOD)
	span.SetAttributes(attribute.String("order_id", order.ID))
	if err := uc.repository.Create(ctx, order); err != nil {
		span.RecordError(err)
		return nil, err
	}
	log.WithFields(log.Fields{"order_id": order.ID, "user_id": order.UserID}).Info("➡️ [PLACE ORDER] order created")

	if _, err := uc.ledger.DecrementForOrder(ctx, order.ID, order.StockItems()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stock decrement failed")
		uc.abandon(ctx, order, err)
		return nil, err
	}

	uc.placedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", string(PaymentMethodCOD))))
	uc.carts.Reset(ctx, order.UserID)
	uc.notifier.Dispatch(ctx, notification.Message{
		Template:  notification.TemplateOrderPlaced,
		Recipient: recipientOf(order),
		Data: map[string]any{
			"order_id":       order.ID,
			"amount":         order.Amount.StringFixed(2),
			"payment_method": order.PaymentMethod,
			"items":          order.Items,
		},
	})

	log.WithField("order_id", order.ID).Info("✅ [PLACE ORDER] order placed")
	return order, nil
}

// abandon desfaz um pedido cujo decremento falhou
func (uc *OrderUseCase) abandon(ctx context.Context, order *Order, cause error) {
	if !errors.Is(cause, inventory.ErrInsufficientStock) && !errors.Is(cause, inventory.ErrInvalidInput) {
		// Storage failures can leave part of the batch recorded for this order.
		if err := uc.ledger.ReleaseForOrder(ctx, order.ID, systemActor); err != nil {
			log.WithError(err).WithField("order_id", order.ID).Error("❌ [COMPENSATE] failed to release stock, manual reconciliation required")
		}
	}
	if _, err := uc.repository.DeleteUnpaid(ctx, order.ID); err != nil {
		log.WithError(err).WithField("order_id", order.ID).Error("❌ [COMPENSATE] failed to delete abandoned order")
		return
	}
	log.WithError(cause).WithField("order_id", order.ID).Warn("♻️ [COMPENSATE] order deleted after failed placement")
}

func (uc *OrderUseCase) verifyURL(orderID string, success bool) string {
	q := url.Values{}
	q.Set("success", fmt.Sprint(success))
	q.Set("orderId", orderID)
	return uc.frontendURL + "/verify?" + q.Encode()
}

// CreateDeferredPaymentOrder cria um pedido pago pelo gateway hospedado. Stock is only
// checked here; it is decremented when the gateway confirms the payment.
func (uc *OrderUseCase) CreateDeferredPaymentOrder(ctx context.Context, req PlaceOrderRequest) (*Order, *gateway.Session, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.create_deferred_payment_order")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.Int("items", len(req.Items)),
		attribute.String("payment_method", string(PaymentMethodStripe)),
	)

	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	order := NewOrder(req.UserID, req.Items, req.Amount, req.Address, PaymentMethodStripe)
	if err := uc.ledger.CheckAvailability(ctx, order.StockItems()); err != nil {
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("order_id", order.ID))
	if err := uc.repository.Create(ctx, order); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	lines := make([]gateway.LineItem, len(order.Items))
	for i, item := range order.Items {
		lines[i] = gateway.LineItem{Name: item.Name, UnitPrice: item.Price, Quantity: item.Quantity}
	}
	if fee := order.Amount.Sub(itemsSubtotal(order.Items)); fee.IsPositive() {
		lines = append(lines, gateway.LineItem{Name: "Delivery", UnitPrice: fee, Quantity: 1})
	}

	session, err := uc.payments.CreateSession(ctx, gateway.SessionRequest{
		OrderID:    order.ID,
		Items:      lines,
		SuccessURL: uc.verifyURL(order.ID, true),
		CancelURL:  uc.verifyURL(order.ID, false),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment session failed")
		log.WithError(err).WithField("order_id", order.ID).Error("❌ [PAYMENT] failed to create gateway session")
		if _, delErr := uc.repository.DeleteUnpaid(ctx, order.ID); delErr != nil {
			log.WithError(delErr).WithField("order_id", order.ID).Error("❌ [COMPENSATE] failed to delete order without session")
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	if err := uc.repository.SetPaymentSession(ctx, order.ID, session.ID); err != nil {
		log.WithError(err).WithField("order_id", order.ID).Warn("⚠️ [PAYMENT] failed to store session id")
	}
	order.PaymentSessionID = session.ID

	uc.placedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", string(PaymentMethodStripe))))
	log.WithFields(log.Fields{"order_id": order.ID, "session_id": session.ID}).Info("💳 [PAYMENT] awaiting gateway confirmation")
	return order, session, nil
}
