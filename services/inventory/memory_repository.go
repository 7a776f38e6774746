package inventory

import (
	"context"
	"slices"
	"sync"
	"time"
)

type orderEntryKey struct {
	orderID   string
	productID string
	action    Action
}

// MemoryRepository implements Repository in process memory. The mutex stands in for the
// row-level atomicity a database gives each statement; it is never held across calls.
type MemoryRepository struct {
	mu          sync.Mutex
	products    map[string]*Product
	history     []HistoryEntry
	orderIndex  map[orderEntryKey]struct{}
	appendHooks []func(*HistoryEntry) error
}

// NewMemoryRepository creates an empty in-memory inventory store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		products:   make(map[string]*Product),
		orderIndex: make(map[orderEntryKey]struct{}),
	}
}

// PutProduct inserts or replaces a product without writing history (catalog seeding).
func (m *MemoryRepository) PutProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	m.products[p.ID] = &p
}

func (m *MemoryRepository) GetProduct(_ context.Context, productID string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) GetProducts(_ context.Context, productIDs []string) (map[string]*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := m.products[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *MemoryRepository) ApplyDelta(_ context.Context, productID string, delta int) (StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return StockLevel{}, ErrProductNotFound
	}
	if p.Stock+delta < 0 {
		return StockLevel{Previous: p.Stock, New: p.Stock}, ErrInsufficientStock
	}
	level := StockLevel{Previous: p.Stock, New: p.Stock + delta}
	p.Stock = level.New
	p.UpdatedAt = time.Now().UTC()
	return level, nil
}

func (m *MemoryRepository) ApplyChange(_ context.Context, change Change) (*Product, *HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[change.ProductID]
	if !ok {
		return nil, nil, ErrProductNotFound
	}

	previous := p.Stock
	next, active, changed, err := resolveChange(p, change)
	if err != nil {
		cp := *p
		return &cp, nil, err
	}
	if !changed {
		cp := *p
		return &cp, nil, nil
	}

	entry := NewHistoryEntry(change.ProductID, previous, next, change.Action, change.ActorID, change.OrderID, change.Note)
	if err := m.appendLocked(entry); err != nil {
		return nil, nil, err
	}
	p.Stock = next
	p.IsActive = active
	p.UpdatedAt = entry.CreatedAt
	cp := *p
	return &cp, entry, nil
}

func (m *MemoryRepository) AppendHistory(_ context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entry)
}

func (m *MemoryRepository) appendLocked(entry *HistoryEntry) error {
	for _, hook := range m.appendHooks {
		if err := hook(entry); err != nil {
			return err
		}
	}
	if entry.OrderID != "" {
		key := orderEntryKey{orderID: entry.OrderID, productID: entry.ProductID, action: entry.Action}
		if _, exists := m.orderIndex[key]; exists {
			return ErrDuplicateEntry
		}
		m.orderIndex[key] = struct{}{}
	}
	m.history = append(m.history, *entry)
	return nil
}

func (m *MemoryRepository) ListOrderEntries(_ context.Context, orderID string, action Action) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for _, e := range m.history {
		if e.OrderID == orderID && e.Action == action {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRepository) ListHistory(_ context.Context, filter HistoryFilter) ([]HistoryEntry, int, error) {
	m.mu.Lock()
	var matched []HistoryEntry
	for _, e := range m.history {
		if filter.ProductID != "" && e.ProductID != filter.ProductID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.CreatedAt.After(filter.To) {
			continue
		}
		matched = append(matched, e)
	}
	m.mu.Unlock()

	slices.SortStableFunc(matched, func(a, b HistoryEntry) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	total := len(matched)
	start := min(filter.Offset(), total)
	end := min(start+filter.Limit, total)
	return matched[start:end], total, nil
}

// History returns a copy of the whole audit log in append order.
func (m *MemoryRepository) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// OnAppend registers a hook run before every history append; a non-nil error aborts
// the append. Used to inject storage failures.
func (m *MemoryRepository) OnAppend(hook func(*HistoryEntry) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendHooks = append(m.appendHooks, hook)
}
