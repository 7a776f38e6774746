package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action identifica a origem de uma movimentação de estoque
type Action string

const (
	ActionManualUpdate Action = "manual_update"
	ActionOrderPlaced  Action = "order_placed"
	ActionSystemUpdate Action = "system_update"
	ActionStatusChange Action = "status_change"
)

func (a Action) Valid() bool {
	switch a {
	case ActionManualUpdate, ActionOrderPlaced, ActionSystemUpdate, ActionStatusChange:
		return true
	}
	return false
}

// Product is the slice of a catalog product the ledger owns: stock and activation.
type Product struct {
	ID                string          `json:"id" db:"id"`
	Name              string          `json:"name" db:"name"`
	Price             decimal.Decimal `json:"price" db:"price"`
	Stock             int             `json:"stock" db:"stock"`
	IsActive          bool            `json:"is_active" db:"is_active"`
	LowStockThreshold int             `json:"low_stock_threshold" db:"low_stock_threshold"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// IsLowStock reports whether the stock level is at or below the alert threshold.
func (p Product) IsLowStock() bool {
	return p.Stock <= p.LowStockThreshold
}

// HistoryEntry is one immutable line of the inventory audit log.
type HistoryEntry struct {
	ID            string    `json:"id" db:"id"`
	ProductID     string    `json:"product_id" db:"product_id"`
	PreviousStock int       `json:"previous_stock" db:"previous_stock"`
	NewStock      int       `json:"new_stock" db:"new_stock"`
	Change        int       `json:"change" db:"change"`
	Action        Action    `json:"action" db:"action"`
	ActorID       string    `json:"actor_id,omitempty" db:"actor_id"`
	OrderID       string    `json:"order_id,omitempty" db:"order_id"`
	Note          string    `json:"note" db:"note"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// NewHistoryEntry cria uma entrada de auditoria; change é sempre derivado dos níveis
func NewHistoryEntry(productID string, previous, next int, action Action, actorID, orderID, note string) *HistoryEntry {
	return &HistoryEntry{
		ID:            uuid.New().String(),
		ProductID:     productID,
		PreviousStock: previous,
		NewStock:      next,
		Change:        next - previous,
		Action:        action,
		ActorID:       actorID,
		OrderID:       orderID,
		Note:          note,
		CreatedAt:     time.Now().UTC(),
	}
}

// StockItem is a product and the number of units an order needs.
type StockItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// StockLevel is the stock of a product before and after a single mutation.
type StockLevel struct {
	Previous int
	New      int
}

// Change describes one single-row mutation routed through the ledger entry point.
// Exactly one of Delta or Absolute applies; Active toggles activation.
type Change struct {
	ProductID string
	Delta     int
	Absolute  *int
	Active    *bool
	Action    Action
	ActorID   string
	OrderID   string
	Note      string
}

// BatchResult describes what DecrementForOrder did for one order.
type BatchResult struct {
	OrderID string         `json:"order_id"`
	Applied []HistoryEntry `json:"applied"`
	Skipped []string       `json:"skipped,omitempty"`
}

// AlreadyApplied is true when every item had been decremented by an earlier call.
func (r *BatchResult) AlreadyApplied() bool {
	return len(r.Applied) == 0 && len(r.Skipped) > 0
}

// HistoryFilter selects audit entries; zero values mean "any".
type HistoryFilter struct {
	ProductID string
	Action    Action
	From      time.Time
	To        time.Time
	Page      int
	Limit     int
}

func (f HistoryFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// HistoryPage is one page of audit entries, newest first.
type HistoryPage struct {
	Entries []HistoryEntry `json:"entries"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	Limit   int            `json:"limit"`
}

// mergeItems soma quantidades por produto, preservando a ordem da primeira ocorrência
func mergeItems(items []StockItem) []StockItem {
	index := make(map[string]int, len(items))
	merged := make([]StockItem, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}
