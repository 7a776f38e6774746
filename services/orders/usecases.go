package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheusmosca/storefront-core/services/gateway"
	"github.com/matheusmosca/storefront-core/services/inventory"
	"github.com/matheusmosca/storefront-core/services/notification"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const maxNoteLength = 2000

// StockLedger é o colaborador de estoque usado pelos fluxos de pedido
type StockLedger interface {
	CheckAvailability(ctx context.Context, items []inventory.StockItem) error
	DecrementForOrder(ctx context.Context, orderID string, items []inventory.StockItem) (*inventory.BatchResult, error)
	ReleaseForOrder(ctx context.Context, orderID, actorID string) error
}

// CartResetter empties a user's cart after an order; best effort.
type CartResetter interface {
	Reset(ctx context.Context, userID string)
}

type PaymentGateway interface {
	CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, msg notification.Message)
}

// OrderUseCase contém a lógica de negócio dos pedidos
type OrderUseCase struct {
	repository  Repository
	ledger      StockLedger
	carts       CartResetter
	payments    PaymentGateway
	notifier    Notifier
	frontendURL string
	tracer      trace.Tracer

	placedCounter     metric.Int64Counter
	transitionCounter metric.Int64Counter
	callbackCounter   metric.Int64Counter
}

// NewOrderUseCase cria uma nova instância de OrderUseCase
func NewOrderUseCase(
	repository Repository,
	ledger StockLedger,
	carts CartResetter,
	payments PaymentGateway,
	notifier Notifier,
	frontendURL string,
) *OrderUseCase {
	meter := otel.Meter("storefront/orders")
	placed, _ := meter.Int64Counter("orders.placed",
		metric.WithDescription("Orders created, by payment method"))
	transitions, _ := meter.Int64Counter("orders.status.transitions",
		metric.WithDescription("Order status changes applied"))
	callbacks, _ := meter.Int64Counter("orders.payment.callbacks",
		metric.WithDescription("Payment gateway callbacks, by outcome"))

	return &OrderUseCase{
		repository:        repository,
		ledger:            ledger,
		carts:             carts,
		payments:          payments,
		notifier:          notifier,
		frontendURL:       strings.TrimRight(frontendURL, "/"),
		tracer:            otel.Tracer("orders-usecase"),
		placedCounter:     placed,
		transitionCounter: transitions,
		callbackCounter:   callbacks,
	}
}

func recipientOf(o *Order) string {
	if o.Address.Email != "" {
		return o.Address.Email
	}
	return o.UserID
}

func (uc *OrderUseCase) notifyStatus(ctx context.Context, o *Order, previous Status) {
	uc.notifier.Dispatch(ctx, notification.Message{
		Template:  notification.TemplateOrderStatusUpdate,
		Recipient: recipientOf(o),
		Data: map[string]any{
			"order_id":        o.ID,
			"previous_status": previous,
			"status":          o.Status,
		},
	})
}

// GetOrder busca um pedido pelo ID
func (uc *OrderUseCase) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	return uc.repository.Get(ctx, orderID)
}

// ListUserOrders lista os pedidos do usuário
func (uc *OrderUseCase) ListUserOrders(ctx context.Context, userID string) ([]Order, error) {
	return uc.repository.ListByUser(ctx, userID)
}

// TransitionStatus move o pedido para newStatus. Returns changed=false, and writes
// nothing, when the order is already at newStatus.
func (uc *OrderUseCase) TransitionStatus(ctx context.Context, orderID string, newStatus Status, actorID string) (*Order, bool, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.transition_status")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.String("new_status", string(newStatus)),
	)

	if !newStatus.Valid() {
		return nil, false, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, newStatus)
	}
	order, err := uc.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if order.Status == newStatus {
		return order, false, nil
	}
	if err := order.Status.CanTransitionTo(newStatus); err != nil {
		return nil, false, err
	}

	previous := order.Status
	updated, err := uc.repository.UpdateStatus(ctx, orderID, newStatus, newStatusChange(previous, newStatus, actorID))
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	uc.transitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(newStatus))))
	log.WithFields(log.Fields{
		"order_id": orderID,
		"from":     previous,
		"to":       newStatus,
		"actor_id": actorID,
	}).Info("🚚 [STATUS] order status changed")
	uc.notifyStatus(ctx, updated, previous)
	return updated, true, nil
}

// BulkSkip explains why an order of a bulk request was not modified.
type BulkSkip struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type BulkResult struct {
	ModifiedCount int        `json:"modified_count"`
	Modified      []string   `json:"modified"`
	Skipped       []BulkSkip `json:"skipped"`
}

// BulkTransitionStatus aplica newStatus a vários pedidos. Each order's previous status is
// read before any write so every timeline entry records where that order came from.
func (uc *OrderUseCase) BulkTransitionStatus(ctx context.Context, orderIDs []string, newStatus Status, actorID string) (*BulkResult, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.bulk_transition_status")
	defer span.End()
	span.SetAttributes(
		attribute.Int("orders", len(orderIDs)),
		attribute.String("new_status", string(newStatus)),
	)

	if len(orderIDs) == 0 {
		return nil, fmt.Errorf("%w: no order ids", ErrInvalidInput)
	}
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, newStatus)
	}

	ids := make([]string, 0, len(orderIDs))
	seen := make(map[string]bool, len(orderIDs))
	for _, id := range orderIDs {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: empty order id", ErrInvalidInput)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	previous, err := uc.repository.GetStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := &BulkResult{Modified: []string{}, Skipped: []BulkSkip{}}
	candidates := make([]string, 0, len(ids))
	for _, id := range ids {
		current, ok := previous[id]
		switch {
		case !ok:
			result.Skipped = append(result.Skipped, BulkSkip{OrderID: id, Reason: "not_found"})
		case current == newStatus:
			result.Skipped = append(result.Skipped, BulkSkip{OrderID: id, Reason: "unchanged"})
		case current.CanTransitionTo(newStatus) != nil:
			result.Skipped = append(result.Skipped, BulkSkip{OrderID: id, Reason: "invalid_transition"})
		default:
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return result, nil
	}

	updated, err := uc.repository.BulkUpdateStatus(ctx, candidates, newStatus)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	written := make(map[string]bool, len(updated))
	for _, id := range updated {
		written[id] = true
	}
	for _, id := range candidates {
		if !written[id] {
			result.Skipped = append(result.Skipped, BulkSkip{OrderID: id, Reason: "changed_concurrently"})
		}
	}

	for _, id := range updated {
		order, err := uc.repository.AppendTimeline(ctx, id, newStatusChange(previous[id], newStatus, actorID))
		if err != nil {
			log.WithError(err).WithField("order_id", id).Error("❌ [STATUS] failed to append bulk timeline entry")
		} else {
			uc.notifyStatus(ctx, order, previous[id])
		}
		result.Modified = append(result.Modified, id)
	}
	result.ModifiedCount = len(result.Modified)
	uc.transitionCounter.Add(ctx, int64(result.ModifiedCount), metric.WithAttributes(attribute.String("status", string(newStatus))))

	log.WithFields(log.Fields{
		"requested": len(ids),
		"modified":  result.ModifiedCount,
		"status":    newStatus,
		"actor_id":  actorID,
	}).Info("🚚 [STATUS] bulk status update")
	return result, nil
}

// MarkCodPaid registra o recebimento de um pedido pago na entrega
func (uc *OrderUseCase) MarkCodPaid(ctx context.Context, orderID, actorID string) (*Order, error) {
	order, err := uc.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentMethod != PaymentMethodCOD {
		return nil, fmt.Errorf("%w: order is not cash on delivery", ErrInvalidInput)
	}
	if order.Payment {
		return nil, ErrAlreadyPaid
	}
	if order.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: order is cancelled", ErrInvalidTransition)
	}

	updated, err := uc.repository.MarkPaid(ctx, orderID, newEvent(EventTypeEvent, "Cash on delivery payment received", actorID))
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"order_id": orderID, "actor_id": actorID}).Info("💵 [PAYMENT] cash on delivery marked as paid")
	return updated, nil
}

// AddNote anexa uma nota à timeline do pedido
func (uc *OrderUseCase) AddNote(ctx context.Context, orderID, text, actorID string) (*TimelineEvent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: note text is required", ErrInvalidInput)
	}
	if len(text) > maxNoteLength {
		return nil, fmt.Errorf("%w: note is longer than %d characters", ErrInvalidInput, maxNoteLength)
	}
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	event := newEvent(EventTypeNote, text, actorID)
	if _, err := uc.repository.AppendTimeline(ctx, orderID, event); err != nil {
		return nil, err
	}
	return &event, nil
}
