package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matheusmosca/storefront-core/services/notification"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Notifier é o colaborador de notificação usado para alertas de estoque baixo
type Notifier interface {
	Dispatch(ctx context.Context, msg notification.Message)
}

// Ledger é o ponto único de mutação de estoque; toda mudança passa por aqui
type Ledger struct {
	repository Repository
	tracer     trace.Tracer

	notifier          Notifier
	lowStockRecipient string

	decrementCounter    metric.Int64Counter
	compensationCounter metric.Int64Counter
	rejectionCounter    metric.Int64Counter
}

type LedgerOption func(*Ledger)

// WithLowStockAlerts envia um alerta quando um decremento deixa o estoque no limite ou abaixo
func WithLowStockAlerts(notifier Notifier, recipient string) LedgerOption {
	return func(l *Ledger) {
		l.notifier = notifier
		l.lowStockRecipient = recipient
	}
}

// NewLedger cria uma nova instância de Ledger
func NewLedger(repository Repository, opts ...LedgerOption) *Ledger {
	meter := otel.Meter("storefront/inventory")
	decrements, _ := meter.Int64Counter("inventory.stock.decrements",
		metric.WithDescription("Order items decremented from stock"))
	compensations, _ := meter.Int64Counter("inventory.stock.compensations",
		metric.WithDescription("Decrements undone because a batch failed"))
	rejections, _ := meter.Int64Counter("inventory.stock.rejections",
		metric.WithDescription("Batches rejected for insufficient stock"))

	l := &Ledger{
		repository:          repository,
		tracer:              otel.Tracer("inventory-ledger"),
		decrementCounter:    decrements,
		compensationCounter: compensations,
		rejectionCounter:    rejections,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func validateItems(items []StockItem) ([]StockItem, error) {
	if len(items) == 0 {
		return nil, invalidf("no items")
	}
	for _, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return nil, invalidf("item without product id")
		}
		if item.Quantity < 1 {
			return nil, invalidf("quantity for product %s must be at least 1", item.ProductID)
		}
	}
	return mergeItems(items), nil
}

func productIDs(items []StockItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	return ids
}

// inspect valida existência e calcula faltas contra um snapshot, sem mutação
func (l *Ledger) inspect(ctx context.Context, items []StockItem, requireActive bool) (map[string]*Product, error) {
	products, err := l.repository.GetProducts(ctx, productIDs(items))
	if err != nil {
		return nil, err
	}

	var shortfalls []Shortfall
	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: %w: %s", ErrInvalidInput, ErrProductNotFound, item.ProductID)
		}
		if requireActive && !p.IsActive {
			return nil, fmt.Errorf("%w: %w: %s", ErrInvalidInput, ErrProductInactive, item.ProductID)
		}
		if p.Stock < item.Quantity {
			shortfalls = append(shortfalls, Shortfall{ProductID: item.ProductID, Requested: item.Quantity, Available: p.Stock})
		}
	}
	if len(shortfalls) > 0 {
		return products, &InsufficientStockError{Shortfalls: shortfalls}
	}
	return products, nil
}

// CheckAvailability é a verificação somente-leitura usada antes de criar pedidos
func (l *Ledger) CheckAvailability(ctx context.Context, items []StockItem) error {
	merged, err := validateItems(items)
	if err != nil {
		return err
	}
	_, err = l.inspect(ctx, merged, true)
	return err
}

type appliedItem struct {
	item  StockItem
	level StockLevel
}

// DecrementForOrder diminui o estoque de todos os itens de um pedido, tudo-ou-nada.
// Itens já registrados para o pedido são pulados, o que torna a chamada idempotente.
func (l *Ledger) DecrementForOrder(ctx context.Context, orderID string, items []StockItem) (*BatchResult, error) {
	ctx, span := l.tracer.Start(ctx, "inventory.decrement_for_order")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.Int("items", len(items)),
	)

	if strings.TrimSpace(orderID) == "" {
		return nil, invalidf("order id is required")
	}
	merged, err := validateItems(items)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{OrderID: orderID}

	existing, err := l.repository.ListOrderEntries(ctx, orderID, ActionOrderPlaced)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	done := make(map[string]bool, len(existing))
	for _, e := range existing {
		done[e.ProductID] = true
	}
	pending := make([]StockItem, 0, len(merged))
	for _, item := range merged {
		if done[item.ProductID] {
			result.Skipped = append(result.Skipped, item.ProductID)
			continue
		}
		pending = append(pending, item)
	}
	if len(pending) == 0 {
		log.WithField("order_id", orderID).Info("ℹ️ [IDEMPOTENCY] stock already decremented for order")
		return result, nil
	}

	products, err := l.inspect(ctx, pending, false)
	if err != nil {
		l.recordRejection(ctx, span, orderID, err)
		return nil, err
	}

	applied := make([]appliedItem, 0, len(pending))
	for _, item := range pending {
		level, err := l.repository.ApplyDelta(ctx, item.ProductID, -item.Quantity)
		if err == nil {
			applied = append(applied, appliedItem{item: item, level: level})
			continue
		}

		l.compensate(ctx, orderID, applied)
		switch {
		case errors.Is(err, ErrInsufficientStock):
			err = &InsufficientStockError{Shortfalls: []Shortfall{{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: level.Previous,
			}}}
		case errors.Is(err, ErrProductNotFound):
			err = fmt.Errorf("%w: %w: %s", ErrInvalidInput, ErrProductNotFound, item.ProductID)
		default:
			err = fmt.Errorf("failed to decrease stock for %s: %w", item.ProductID, err)
		}
		l.recordRejection(ctx, span, orderID, err)
		return nil, err
	}

	// Só agora a trilha de auditoria é gravada: um lote compensado não deixa entradas
	for i, a := range applied {
		entry := NewHistoryEntry(a.item.ProductID, a.level.Previous, a.level.New, ActionOrderPlaced, "", orderID,
			fmt.Sprintf("Order %s placed", orderID))
		err := l.repository.AppendHistory(ctx, entry)
		if errors.Is(err, ErrDuplicateEntry) {
			// A concurrent delivery for the same order won the unique index; undo ours.
			l.compensate(ctx, orderID, applied[i:i+1])
			result.Skipped = append(result.Skipped, a.item.ProductID)
			continue
		}
		if err != nil {
			l.compensate(ctx, orderID, applied[i:])
			span.RecordError(err)
			span.SetStatus(codes.Error, "history append failed")
			return nil, fmt.Errorf("failed to record stock history for order %s: %w", orderID, err)
		}
		result.Applied = append(result.Applied, *entry)
		l.decrementCounter.Add(ctx, int64(a.item.Quantity))

		if p := products[a.item.ProductID]; p != nil {
			p.Stock = a.level.New
			l.alertIfLow(ctx, *p)
		}
	}

	log.WithFields(log.Fields{
		"order_id": orderID,
		"applied":  len(result.Applied),
		"skipped":  len(result.Skipped),
	}).Info("✅ [DECREASE] stock decremented for order")
	return result, nil
}

// compensate devolve ao estoque os decrementos já aplicados, na ordem inversa
func (l *Ledger) compensate(ctx context.Context, orderID string, applied []appliedItem) {
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		if _, err := l.repository.ApplyDelta(ctx, a.item.ProductID, a.item.Quantity); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"order_id":   orderID,
				"product_id": a.item.ProductID,
				"quantity":   a.item.Quantity,
			}).Error("❌ [COMPENSATE] failed to restore stock, manual reconciliation required")
			continue
		}
		l.compensationCounter.Add(ctx, 1)
		log.WithFields(log.Fields{
			"order_id":   orderID,
			"product_id": a.item.ProductID,
		}).Warn("↩️ [COMPENSATE] stock restored")
	}
}

func (l *Ledger) recordRejection(ctx context.Context, span trace.Span, orderID string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "decrement rejected")
	if errors.Is(err, ErrInsufficientStock) {
		l.rejectionCounter.Add(ctx, 1)
	}
	log.WithError(err).WithField("order_id", orderID).Warn("❌ [DECREASE] batch rejected")
}

func (l *Ledger) alertIfLow(ctx context.Context, p Product) {
	if l.notifier == nil || !p.IsLowStock() {
		return
	}
	l.notifier.Dispatch(ctx, notification.Message{
		Template:  notification.TemplateLowStockAlert,
		Recipient: l.lowStockRecipient,
		Data: map[string]any{
			"product_id": p.ID,
			"name":       p.Name,
			"stock":      p.Stock,
			"threshold":  p.LowStockThreshold,
		},
	})
}

// ReleaseForOrder devolve ao estoque tudo que foi decrementado para o pedido.
// Idempotente: cada produto é liberado no máximo uma vez.
func (l *Ledger) ReleaseForOrder(ctx context.Context, orderID, actorID string) error {
	placed, err := l.repository.ListOrderEntries(ctx, orderID, ActionOrderPlaced)
	if err != nil {
		return fmt.Errorf("failed to list order entries: %w", err)
	}
	released, err := l.repository.ListOrderEntries(ctx, orderID, ActionSystemUpdate)
	if err != nil {
		return fmt.Errorf("failed to list release entries: %w", err)
	}
	done := make(map[string]bool, len(released))
	for _, e := range released {
		done[e.ProductID] = true
	}

	for _, e := range placed {
		if done[e.ProductID] {
			continue
		}
		_, _, err := l.repository.ApplyChange(ctx, Change{
			ProductID: e.ProductID,
			Delta:     -e.Change,
			Action:    ActionSystemUpdate,
			ActorID:   actorID,
			OrderID:   orderID,
			Note:      fmt.Sprintf("Stock released for order %s", orderID),
		})
		if errors.Is(err, ErrDuplicateEntry) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to release stock for %s: %w", e.ProductID, err)
		}
	}
	return nil
}

// AdjustStock define o estoque absoluto de um produto (edição manual do admin)
func (l *Ledger) AdjustStock(ctx context.Context, productID string, newStock int, actorID, note string) (*Product, *HistoryEntry, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, nil, invalidf("product id is required")
	}
	if newStock < 0 {
		return nil, nil, invalidf("stock cannot be negative")
	}
	if note == "" {
		note = "Manual stock update"
	}
	return l.apply(ctx, Change{
		ProductID: productID,
		Absolute:  &newStock,
		Action:    ActionManualUpdate,
		ActorID:   actorID,
		Note:      note,
	})
}

// AdjustStockBy aplica uma variação relativa com a ação informada
func (l *Ledger) AdjustStockBy(ctx context.Context, productID string, delta int, action Action, actorID, orderID, note string) (*Product, *HistoryEntry, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, nil, invalidf("product id is required")
	}
	if !action.Valid() {
		return nil, nil, invalidf("unknown action %q", action)
	}
	if delta == 0 {
		return nil, nil, invalidf("delta cannot be zero")
	}
	return l.apply(ctx, Change{
		ProductID: productID,
		Delta:     delta,
		Action:    action,
		ActorID:   actorID,
		OrderID:   orderID,
		Note:      note,
	})
}

// SetActive ativa ou desativa um produto, com a mudança registrada no histórico
func (l *Ledger) SetActive(ctx context.Context, productID string, active bool, actorID string) (*Product, *HistoryEntry, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, nil, invalidf("product id is required")
	}
	note := "Product deactivated"
	if active {
		note = "Product activated"
	}
	return l.apply(ctx, Change{
		ProductID: productID,
		Active:    &active,
		Action:    ActionStatusChange,
		ActorID:   actorID,
		Note:      note,
	})
}

func (l *Ledger) apply(ctx context.Context, change Change) (*Product, *HistoryEntry, error) {
	ctx, span := l.tracer.Start(ctx, "inventory.apply_change")
	defer span.End()
	span.SetAttributes(
		attribute.String("product_id", change.ProductID),
		attribute.String("action", string(change.Action)),
	)

	product, entry, err := l.repository.ApplyChange(ctx, change)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	if entry != nil {
		log.WithFields(log.Fields{
			"product_id": change.ProductID,
			"action":     change.Action,
			"change":     entry.Change,
			"actor_id":   change.ActorID,
		}).Info("📦 stock change recorded")
		if entry.Change < 0 {
			l.alertIfLow(ctx, *product)
		}
	}
	return product, entry, nil
}

// GetProduct busca o estado de estoque de um produto
func (l *Ledger) GetProduct(ctx context.Context, productID string) (*Product, error) {
	return l.repository.GetProduct(ctx, productID)
}

// GetHistory retorna uma página do histórico de inventário, mais recentes primeiro
func (l *Ledger) GetHistory(ctx context.Context, filter HistoryFilter) (*HistoryPage, error) {
	if filter.Action != "" && !filter.Action.Valid() {
		return nil, invalidf("unknown action %q", filter.Action)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, invalidf("date range end is before its start")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultHistoryLimit
	}
	filter.Limit = min(filter.Limit, maxHistoryLimit)

	entries, total, err := l.repository.ListHistory(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return &HistoryPage{Entries: entries, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}
