package orders

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryRepository implements Repository in process memory. Each method is one atomic
// step, matching the single-statement writes of the Postgres repository.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]*Order
	claims map[string]time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders: make(map[string]*Order),
		claims: make(map[string]time.Time),
	}
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Items = slices.Clone(o.Items)
	cp.Timeline = slices.Clone(o.Timeline)
	return &cp
}

func (m *MemoryRepository) Create(_ context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryRepository) DeleteUnpaid(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Payment {
		return false, nil
	}
	delete(m.orders, orderID)
	delete(m.claims, orderID)
	return true, nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, orderID string, status Status, event TimelineEvent) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o.Status = status
	o.Timeline = append(o.Timeline, event)
	o.UpdatedAt = time.Now().UTC()
	return cloneOrder(o), nil
}

func (m *MemoryRepository) GetStatuses(_ context.Context, orderIDs []string) (map[string]Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(orderIDs))
	for _, id := range orderIDs {
		if o, ok := m.orders[id]; ok {
			out[id] = o.Status
		}
	}
	return out, nil
}

func (m *MemoryRepository) BulkUpdateStatus(_ context.Context, orderIDs []string, status Status) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated []string
	for _, id := range orderIDs {
		o, ok := m.orders[id]
		if !ok || o.Status == status || o.Status.Terminal() {
			continue
		}
		o.Status = status
		o.UpdatedAt = time.Now().UTC()
		updated = append(updated, id)
	}
	return updated, nil
}

func (m *MemoryRepository) MarkPaid(_ context.Context, orderID string, event TimelineEvent) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Payment {
		return nil, ErrAlreadyPaid
	}
	if o.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Status)
	}
	o.Payment = true
	o.Timeline = append(o.Timeline, event)
	o.UpdatedAt = time.Now().UTC()
	delete(m.claims, orderID)
	return cloneOrder(o), nil
}

func (m *MemoryRepository) ClaimPayment(_ context.Context, orderID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Payment || o.Status == StatusCancelled {
		return false, nil
	}
	now := time.Now()
	if until, held := m.claims[orderID]; held && until.After(now) {
		return false, nil
	}
	m.claims[orderID] = now.Add(ttl)
	return true, nil
}

func (m *MemoryRepository) ReleasePaymentClaim(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, orderID)
	return nil
}

func (m *MemoryRepository) CancelUnpaid(_ context.Context, orderID string, event TimelineEvent) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Payment {
		return nil, ErrAlreadyPaid
	}
	o.Status = StatusCancelled
	o.Timeline = append(o.Timeline, event)
	o.UpdatedAt = time.Now().UTC()
	delete(m.claims, orderID)
	return cloneOrder(o), nil
}

func (m *MemoryRepository) AppendTimeline(_ context.Context, orderID string, event TimelineEvent) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o.Timeline = append(o.Timeline, event)
	o.UpdatedAt = time.Now().UTC()
	return cloneOrder(o), nil
}

func (m *MemoryRepository) SetPaymentSession(_ context.Context, orderID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.PaymentSessionID = sessionID
	return nil
}

func (m *MemoryRepository) ListByUser(_ context.Context, userID string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Order{}
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, *cloneOrder(o))
		}
	}
	slices.SortFunc(out, func(a, b Order) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}
