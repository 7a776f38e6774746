package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository define a interface para operações de banco de dados de pedidos
type Repository interface {
	// Create cria um novo pedido no banco de dados
	Create(ctx context.Context, order *Order) error

	// Get busca um pedido pelo ID
	Get(ctx context.Context, orderID string) (*Order, error)

	// DeleteUnpaid remove o pedido somente se payment=false; reporta se removeu
	DeleteUnpaid(ctx context.Context, orderID string) (bool, error)

	// UpdateStatus grava o status e anexa o evento numa única escrita (last-write-wins)
	UpdateStatus(ctx context.Context, orderID string, status Status, event TimelineEvent) (*Order, error)

	// GetStatuses lê o status atual de vários pedidos; IDs ausentes ficam fora do mapa
	GetStatuses(ctx context.Context, orderIDs []string) (map[string]Status, error)

	// BulkUpdateStatus grava o status nos pedidos que ainda não o têm e não estão em estado
	// terminal; retorna os IDs alterados
	BulkUpdateStatus(ctx context.Context, orderIDs []string, status Status) ([]string, error)

	// MarkPaid faz payment=true somente se ainda for false e o pedido não estiver cancelado.
	// ErrAlreadyPaid, ErrInvalidTransition ou ErrOrderNotFound explicam a recusa.
	MarkPaid(ctx context.Context, orderID string, event TimelineEvent) (*Order, error)

	// ClaimPayment reserva a confirmação de pagamento do pedido por ttl. Retorna false se o
	// pedido não existe, já foi pago, está cancelado ou outra confirmação detém a reserva.
	ClaimPayment(ctx context.Context, orderID string, ttl time.Duration) (bool, error)

	// ReleasePaymentClaim libera a reserva de um pedido ainda não pago
	ReleasePaymentClaim(ctx context.Context, orderID string) error

	// CancelUnpaid cancela o pedido somente se payment=false; ErrAlreadyPaid caso contrário
	CancelUnpaid(ctx context.Context, orderID string, event TimelineEvent) (*Order, error)

	// AppendTimeline anexa um evento sem tocar status ou pagamento
	AppendTimeline(ctx context.Context, orderID string, event TimelineEvent) (*Order, error)

	// SetPaymentSession guarda a referência da sessão do gateway
	SetPaymentSession(ctx context.Context, orderID, sessionID string) error

	// ListByUser lista os pedidos de um usuário, mais recentes primeiro
	ListByUser(ctx context.Context, userID string) ([]Order, error)
}

// PostgresRepository implementa Repository usando PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository cria uma nova instância de PostgresRepository
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const orderColumns = `id, user_id, items, amount::text, address, status, payment_method, payment,
	COALESCE(payment_session_id, ''), timeline, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                        Order
		items, address, timeline []byte
		amount                   string
	)
	err := row.Scan(&o.ID, &o.UserID, &items, &amount, &address, &o.Status, &o.PaymentMethod, &o.Payment,
		&o.PaymentSessionID, &timeline, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("failed to decode items: %w", err)
	}
	if err := json.Unmarshal(address, &o.Address); err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	if err := json.Unmarshal(timeline, &o.Timeline); err != nil {
		return nil, fmt.Errorf("failed to decode timeline: %w", err)
	}
	return &o, nil
}

func eventJSON(event TimelineEvent) ([]byte, error) {
	return json.Marshal([]TimelineEvent{event})
}

// Create cria um novo pedido no banco de dados
func (r *PostgresRepository) Create(ctx context.Context, order *Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return err
	}
	address, err := json.Marshal(order.Address)
	if err != nil {
		return err
	}
	timeline, err := json.Marshal(order.Timeline)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO orders (id, user_id, items, amount, address, status, payment_method, payment, timeline, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11)
	`, order.ID, order.UserID, items, order.Amount.String(), address, order.Status, order.PaymentMethod,
		order.Payment, timeline, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// Get busca um pedido pelo ID
func (r *PostgresRepository) Get(ctx context.Context, orderID string) (*Order, error) {
	return scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
}

func (r *PostgresRepository) DeleteUnpaid(ctx context.Context, orderID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM orders WHERE id = $1 AND payment = false`, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to delete order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, orderID string, status Status, event TimelineEvent) (*Order, error) {
	raw, err := eventJSON(event)
	if err != nil {
		return nil, err
	}
	return scanOrder(r.db.QueryRow(ctx, `
		UPDATE orders
		SET status = $2, timeline = timeline || $3::jsonb, updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderColumns,
		orderID, status, raw))
}

func (r *PostgresRepository) GetStatuses(ctx context.Context, orderIDs []string) (map[string]Status, error) {
	rows, err := r.db.Query(ctx, `SELECT id, status FROM orders WHERE id = ANY($1)`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to read statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Status, len(orderIDs))
	for rows.Next() {
		var id string
		var status Status
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, rows.Err()
}

func (r *PostgresRepository) BulkUpdateStatus(ctx context.Context, orderIDs []string, status Status) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE orders
		SET status = $2, updated_at = NOW()
		WHERE id = ANY($1) AND status <> $2 AND status <> ALL($3)
		RETURNING id`,
		orderIDs, status, []string{string(StatusDelivered), string(StatusCancelled)})
	if err != nil {
		return nil, fmt.Errorf("failed to update statuses: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *PostgresRepository) MarkPaid(ctx context.Context, orderID string, event TimelineEvent) (*Order, error) {
	raw, err := eventJSON(event)
	if err != nil {
		return nil, err
	}
	order, err := scanOrder(r.db.QueryRow(ctx, `
		UPDATE orders
		SET payment = true, timeline = timeline || $2::jsonb, payment_claimed_until = NULL, updated_at = NOW()
		WHERE id = $1 AND payment = false AND status <> 'cancelled'
		RETURNING `+orderColumns,
		orderID, raw))
	if !errors.Is(err, ErrOrderNotFound) {
		return order, err
	}
	return nil, r.guardMiss(ctx, orderID)
}

// guardMiss explica por que uma escrita condicionada a payment=false não encontrou linha
func (r *PostgresRepository) guardMiss(ctx context.Context, orderID string) error {
	var (
		paid   bool
		status Status
	)
	err := r.db.QueryRow(ctx, `SELECT payment, status FROM orders WHERE id = $1`, orderID).Scan(&paid, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if paid {
		return ErrAlreadyPaid
	}
	return fmt.Errorf("%w: order is %s", ErrInvalidTransition, status)
}

func (r *PostgresRepository) ClaimPayment(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET payment_claimed_until = NOW() + make_interval(secs => $2)
		WHERE id = $1 AND payment = false AND status <> 'cancelled'
			AND (payment_claimed_until IS NULL OR payment_claimed_until < NOW())`,
		orderID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to claim payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ReleasePaymentClaim(ctx context.Context, orderID string) error {
	_, err := r.db.Exec(ctx, `UPDATE orders SET payment_claimed_until = NULL WHERE id = $1 AND payment = false`, orderID)
	if err != nil {
		return fmt.Errorf("failed to release payment claim: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CancelUnpaid(ctx context.Context, orderID string, event TimelineEvent) (*Order, error) {
	raw, err := eventJSON(event)
	if err != nil {
		return nil, err
	}
	order, err := scanOrder(r.db.QueryRow(ctx, `
		UPDATE orders
		SET status = 'cancelled', timeline = timeline || $2::jsonb, payment_claimed_until = NULL, updated_at = NOW()
		WHERE id = $1 AND payment = false
		RETURNING `+orderColumns,
		orderID, raw))
	if !errors.Is(err, ErrOrderNotFound) {
		return order, err
	}
	return nil, r.guardMiss(ctx, orderID)
}

func (r *PostgresRepository) AppendTimeline(ctx context.Context, orderID string, event TimelineEvent) (*Order, error) {
	raw, err := eventJSON(event)
	if err != nil {
		return nil, err
	}
	return scanOrder(r.db.QueryRow(ctx, `
		UPDATE orders
		SET timeline = timeline || $2::jsonb, updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderColumns,
		orderID, raw))
}

func (r *PostgresRepository) SetPaymentSession(ctx context.Context, orderID, sessionID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE orders SET payment_session_id = $2, updated_at = NOW() WHERE id = $1`, orderID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to store payment session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.db.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	out := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
