//go:build integration

package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matheusmosca/storefront-core/services/cart"
	"github.com/matheusmosca/storefront-core/services/inventory"
	"github.com/matheusmosca/storefront-core/services/storage/storagetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepository_Lifecycle(t *testing.T) {
	repo := NewPostgresRepository(storagetest.StartPostgres(t))
	ctx := context.Background()
	order := NewOrder("user-1", []Item{item("p1", 2)}, decimal.RequireFromString("25.50"), validAddress(), PaymentMethodCOD)

	require.NoError(t, repo.Create(ctx, order))

	got, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, order.Amount.Equal(got.Amount))
	assert.Equal(t, order.Address, got.Address)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].Price.Equal(decimal.NewFromInt(10)))
	assert.Len(t, got.Timeline, 1)

	updated, err := repo.UpdateStatus(ctx, order.ID, StatusPacking, newStatusChange(StatusPlaced, StatusPacking, "admin-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPacking, updated.Status)
	assert.Len(t, updated.Timeline, 2)

	paid, err := repo.MarkPaid(ctx, order.ID, newEvent(EventTypeEvent, "paid", "admin-1"))
	require.NoError(t, err)
	assert.True(t, paid.Payment)
	_, err = repo.MarkPaid(ctx, order.ID, newEvent(EventTypeEvent, "paid", "admin-1"))
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	deleted, err := repo.DeleteUnpaid(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = repo.MarkPaid(ctx, "missing", newEvent(EventTypeEvent, "paid", "admin-1"))
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPostgresRepository_BulkUpdateStatus(t *testing.T) {
	repo := NewPostgresRepository(storagetest.StartPostgres(t))
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		o := NewOrder("user-1", []Item{item("p1", 1)}, decimal.NewFromInt(15), validAddress(), PaymentMethodCOD)
		switch i {
		case 0:
			o.Status = StatusShipped
		case 1:
			o.Status = StatusDelivered
		}
		require.NoError(t, repo.Create(ctx, o))
		ids = append(ids, o.ID)
	}

	statuses, err := repo.GetStatuses(ctx, append(ids, "missing"))
	require.NoError(t, err)
	assert.Len(t, statuses, 4)
	assert.Equal(t, StatusShipped, statuses[ids[0]])

	updated, err := repo.BulkUpdateStatus(ctx, ids, StatusShipped)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[2:], updated)
	statuses, err = repo.GetStatuses(ctx, ids[1:2])
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, statuses[ids[1]])

	list, err := repo.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestPostgresRepository_PaymentClaimAndCancel(t *testing.T) {
	repo := NewPostgresRepository(storagetest.StartPostgres(t))
	ctx := context.Background()
	paid := NewOrder("user-1", []Item{item("p1", 1)}, decimal.NewFromInt(15), validAddress(), PaymentMethodStripe)
	unpaid := NewOrder("user-1", []Item{item("p1", 1)}, decimal.NewFromInt(15), validAddress(), PaymentMethodStripe)
	require.NoError(t, repo.Create(ctx, paid))
	require.NoError(t, repo.Create(ctx, unpaid))

	claimed, err := repo.ClaimPayment(ctx, paid.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = repo.ClaimPayment(ctx, paid.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NoError(t, repo.ReleasePaymentClaim(ctx, paid.ID))
	claimed, err = repo.ClaimPayment(ctx, paid.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	_, err = repo.MarkPaid(ctx, paid.ID, newEvent(EventTypeEvent, "paid", systemActor))
	require.NoError(t, err)
	_, err = repo.CancelUnpaid(ctx, paid.ID, newStatusChange(StatusPlaced, StatusCancelled, systemActor))
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	got, err := repo.Get(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPlaced, got.Status)

	cancelled, err := repo.CancelUnpaid(ctx, unpaid.ID, newStatusChange(StatusPlaced, StatusCancelled, systemActor))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	_, err = repo.MarkPaid(ctx, unpaid.ID, newEvent(EventTypeEvent, "paid", systemActor))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	claimed, err = repo.ClaimPayment(ctx, unpaid.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func seedProduct(t *testing.T, pool *pgxpool.Pool, id string, stock int) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO products (id, name, price, stock, is_active) VALUES ($1, $2, 10, $3, true)`,
		id, "Product "+id, stock)
	require.NoError(t, err)
}

func TestPostgres_DeferredPaymentFlow(t *testing.T) {
	pool := storagetest.StartPostgres(t)
	seedProduct(t, pool, "p1", 100)
	stock := inventory.NewPostgresRepository(pool)
	gw := new(MockGateway)
	notifier := new(MockNotifier)
	notifier.On("Dispatch", mock.Anything, mock.Anything).Return()
	carts := cart.NewSynchronizer(cart.NewPostgresStore(pool), cart.NewMemoryMirror())
	uc := NewOrderUseCase(NewPostgresRepository(pool), inventory.NewLedger(stock), carts, gw, notifier, "https://shop.example")
	f := &fixture{uc: uc, gateway: gw, notifier: notifier}
	ctx := context.Background()
	order := placeDeferred(t, f, item("p1", 3))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := uc.ConfirmPayment(ctx, order.ID, true)
			assert.NoError(t, err)
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeApplied])
	assert.Equal(t, 9, outcomes[OutcomeAlreadyApplied])
	p, err := stock.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 97, p.Stock)
	entries, err := stock.ListOrderEntries(ctx, order.ID, inventory.ActionOrderPlaced)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
