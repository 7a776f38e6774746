package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheusmosca/storefront-core/services/inventory"
	"github.com/matheusmosca/storefront-core/services/notification"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome é o resultado de um callback de pagamento
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyApplied   Outcome = "already_applied"
	OutcomeOrderDeleted     Outcome = "order_deleted"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeStockUnavailable Outcome = "stock_unavailable"
)

// paymentClaimTTL bounds how long a crashed confirmation blocks its retries.
const paymentClaimTTL = 2 * time.Minute

// ConfirmPayment processa o resultado do gateway para um pedido. Safe under at-least-once
// delivery: the stock decrement is idempotent per order and payment flips only once.
func (uc *OrderUseCase) ConfirmPayment(ctx context.Context, orderID string, success bool) (Outcome, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.confirm_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.Bool("success", success),
	)

	if strings.TrimSpace(orderID) == "" {
		return "", fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	var (
		outcome Outcome
		err     error
	)
	if success {
		outcome, err = uc.applyPayment(ctx, orderID)
	} else {
		outcome, err = uc.discardPayment(ctx, orderID)
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	uc.callbackCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.Bool("success", success),
	))
	return outcome, nil
}

func (uc *OrderUseCase) applyPayment(ctx context.Context, orderID string) (Outcome, error) {
	order, err := uc.repository.Get(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		log.WithField("order_id", orderID).Warn("ℹ️ [PAYMENT] success callback for unknown order")
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if order.Payment {
		log.WithField("order_id", orderID).Info("ℹ️ [IDEMPOTENCY] duplicate payment callback")
		return OutcomeAlreadyApplied, nil
	}
	if order.PaymentMethod != PaymentMethodStripe {
		log.WithField("order_id", orderID).Warn("ℹ️ [PAYMENT] success callback for order not paid through the gateway")
		return OutcomeIgnored, nil
	}
	if order.Status == StatusCancelled {
		log.WithField("order_id", orderID).Warn("ℹ️ [PAYMENT] success callback for cancelled order")
		return OutcomeIgnored, nil
	}

	// Only one delivery per order may run the decrement; a concurrent duplicate would
	// otherwise see its twin's decrement as a stock shortage.
	claimed, err := uc.repository.ClaimPayment(ctx, orderID, paymentClaimTTL)
	if err != nil {
		return "", err
	}
	if !claimed {
		return uc.unclaimedOutcome(ctx, orderID)
	}

	outcome, err := uc.settlePayment(ctx, order)
	if err != nil || outcome != OutcomeApplied {
		if relErr := uc.repository.ReleasePaymentClaim(ctx, orderID); relErr != nil {
			log.WithError(relErr).WithField("order_id", orderID).Warn("⚠️ [PAYMENT] failed to release payment claim")
		}
	}
	return outcome, err
}

// unclaimedOutcome resolve um callback que perdeu a reserva para outra entrega
func (uc *OrderUseCase) unclaimedOutcome(ctx context.Context, orderID string) (Outcome, error) {
	order, err := uc.repository.Get(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if order.Status == StatusCancelled && !order.Payment {
		return OutcomeIgnored, nil
	}
	// Paid, or another delivery is confirming it right now. That delivery answers the
	// gateway itself, including with an error that makes the gateway retry.
	log.WithField("order_id", orderID).Info("ℹ️ [IDEMPOTENCY] payment confirmation already in progress")
	return OutcomeAlreadyApplied, nil
}

func (uc *OrderUseCase) settlePayment(ctx context.Context, order *Order) (Outcome, error) {
	orderID := order.ID

	// Stock first: payment=true must never exist without the full decrement.
	if _, err := uc.ledger.DecrementForOrder(ctx, orderID, order.StockItems()); err != nil {
		if errors.Is(err, inventory.ErrInsufficientStock) {
			return uc.cancelForStock(ctx, order, err)
		}
		return "", fmt.Errorf("failed to decrement stock for order %s: %w", orderID, err)
	}

	paid, err := uc.repository.MarkPaid(ctx, orderID, newEvent(EventTypeEvent, "Payment confirmed by gateway", systemActor))
	switch {
	case errors.Is(err, ErrAlreadyPaid):
		log.WithField("order_id", orderID).Info("ℹ️ [IDEMPOTENCY] concurrent payment callback already applied")
		return OutcomeAlreadyApplied, nil
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrInvalidTransition):
		// A failure callback deleted the order, or staff cancelled it, while we were decrementing.
		if relErr := uc.ledger.ReleaseForOrder(ctx, orderID, systemActor); relErr != nil {
			log.WithError(relErr).WithField("order_id", orderID).Error("❌ [COMPENSATE] failed to release stock of abandoned order")
			return "", relErr
		}
		if errors.Is(err, ErrInvalidTransition) {
			log.WithField("order_id", orderID).Warn("↩️ [COMPENSATE] order cancelled during confirmation, stock released")
			return OutcomeIgnored, nil
		}
		log.WithField("order_id", orderID).Warn("↩️ [COMPENSATE] order deleted during confirmation, stock released")
		return OutcomeOrderDeleted, nil
	case err != nil:
		// The decrement is recorded under this order id, so a retried callback resumes here.
		return "", fmt.Errorf("failed to mark order %s as paid: %w", orderID, err)
	}

	uc.carts.Reset(ctx, paid.UserID)
	uc.notifier.Dispatch(ctx, notification.Message{
		Template:  notification.TemplatePaymentConfirmed,
		Recipient: recipientOf(paid),
		Data: map[string]any{
			"order_id": paid.ID,
			"amount":   paid.Amount.StringFixed(2),
		},
	})
	log.WithField("order_id", orderID).Info("✅ [PAYMENT] payment confirmed")
	return OutcomeApplied, nil
}

// cancelForStock cancela um pedido pago cujo estoque acabou depois da sessão ser criada
func (uc *OrderUseCase) cancelForStock(ctx context.Context, order *Order, cause error) (Outcome, error) {
	updated, err := uc.repository.CancelUnpaid(ctx, order.ID, newStatusChange(order.Status, StatusCancelled, systemActor))
	switch {
	case errors.Is(err, ErrAlreadyPaid):
		log.WithField("order_id", order.ID).Info("ℹ️ [IDEMPOTENCY] order paid by another callback, not cancelling")
		return OutcomeAlreadyApplied, nil
	case errors.Is(err, ErrOrderNotFound):
		return OutcomeIgnored, nil
	case err != nil:
		return "", err
	}

	log.WithError(cause).WithField("order_id", order.ID).Error("❌ [PAYMENT] payment received but stock is no longer available, refund required")
	note := newEvent(EventTypeNote, fmt.Sprintf("Payment received but stock unavailable (%v); refund required", cause), systemActor)
	if _, err := uc.repository.AppendTimeline(ctx, order.ID, note); err != nil {
		log.WithError(err).WithField("order_id", order.ID).Warn("⚠️ [PAYMENT] failed to append refund note")
	}
	uc.notifyStatus(ctx, updated, order.Status)
	return OutcomeStockUnavailable, nil
}

func (uc *OrderUseCase) discardPayment(ctx context.Context, orderID string) (Outcome, error) {
	order, err := uc.repository.Get(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if order.Payment || order.PaymentMethod != PaymentMethodStripe {
		log.WithField("order_id", orderID).Info("ℹ️ [PAYMENT] failure callback ignored")
		return OutcomeIgnored, nil
	}

	deleted, err := uc.repository.DeleteUnpaid(ctx, orderID)
	if err != nil {
		return "", err
	}
	if !deleted {
		log.WithField("order_id", orderID).Info("ℹ️ [PAYMENT] failure callback ignored")
		return OutcomeIgnored, nil
	}
	// Normally a no-op; covers a success callback that decremented but never marked paid.
	if err := uc.ledger.ReleaseForOrder(ctx, orderID, systemActor); err != nil {
		log.WithError(err).WithField("order_id", orderID).Error("❌ [COMPENSATE] failed to release stock of deleted order")
	}
	log.WithField("order_id", orderID).Info("♻️ [PAYMENT] unpaid order deleted after failed payment")
	return OutcomeOrderDeleted, nil
}
