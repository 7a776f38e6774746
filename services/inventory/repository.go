package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository define a interface para operações de banco de dados de inventário
type Repository interface {
	// GetProduct busca um produto pelo ID
	GetProduct(ctx context.Context, productID string) (*Product, error)

	// GetProducts busca vários produtos; IDs ausentes simplesmente não aparecem no mapa
	GetProducts(ctx context.Context, productIDs []string) (map[string]*Product, error)

	// ApplyDelta soma delta ao estoque numa única atualização condicional (stock + delta >= 0).
	// Em caso de estoque insuficiente retorna ErrInsufficientStock com o nível atual.
	ApplyDelta(ctx context.Context, productID string, delta int) (StockLevel, error)

	// ApplyChange aplica a mudança e grava exatamente uma entrada de histórico, atomicamente.
	// Retorna entrada nil quando a mudança não altera nada.
	ApplyChange(ctx context.Context, change Change) (*Product, *HistoryEntry, error)

	// AppendHistory grava uma entrada; entradas com order_id são únicas por (order, produto, ação)
	AppendHistory(ctx context.Context, entry *HistoryEntry) error

	// ListOrderEntries lista as entradas de uma ação para um pedido
	ListOrderEntries(ctx context.Context, orderID string, action Action) ([]HistoryEntry, error)

	// ListHistory retorna uma página do histórico e o total de entradas do filtro
	ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, int, error)
}

const uniqueViolation = "23505"

// PostgresRepository implementa Repository usando PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository cria uma nova instância de PostgresRepository
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const productColumns = `id, name, price::text, stock, is_active, low_stock_threshold, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	var price string
	if err := row.Scan(&p.ID, &p.Name, &price, &p.Stock, &p.IsActive, &p.LowStockThreshold, &p.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid price for product %s: %w", p.ID, err)
	}
	p.Price = parsed
	return &p, nil
}

func (r *PostgresRepository) GetProduct(ctx context.Context, productID string) (*Product, error) {
	product, err := scanProduct(r.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return product, nil
}

func (r *PostgresRepository) GetProducts(ctx context.Context, productIDs []string) (map[string]*Product, error) {
	rows, err := r.db.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}
	defer rows.Close()

	products := make(map[string]*Product, len(productIDs))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products[p.ID] = p
	}
	return products, rows.Err()
}

func (r *PostgresRepository) ApplyDelta(ctx context.Context, productID string, delta int) (StockLevel, error) {
	// A condição no WHERE é o compare-and-swap: não existe leitura separada da escrita
	var newStock int
	err := r.db.QueryRow(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1 AND stock + $2 >= 0
		RETURNING stock
	`, productID, delta).Scan(&newStock)
	if err == nil {
		return StockLevel{Previous: newStock - delta, New: newStock}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return StockLevel{}, fmt.Errorf("failed to apply stock delta: %w", err)
	}

	var current int
	err = r.db.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return StockLevel{}, ErrProductNotFound
	}
	if err != nil {
		return StockLevel{}, fmt.Errorf("failed to read stock after rejected delta: %w", err)
	}
	return StockLevel{Previous: current, New: current}, ErrInsufficientStock
}

func (r *PostgresRepository) ApplyChange(ctx context.Context, change Change) (*Product, *HistoryEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock pessimista na linha do produto até o commit
	product, err := scanProduct(tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, change.ProductID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrProductNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get product with lock: %w", err)
	}

	previous := product.Stock
	next, active, changed, err := resolveChange(product, change)
	if err != nil {
		return product, nil, err
	}
	if !changed {
		return product, nil, nil
	}

	err = tx.QueryRow(ctx, `
		UPDATE products
		SET stock = $2, is_active = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, change.ProductID, next, active).Scan(&product.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update product: %w", err)
	}
	product.Stock = next
	product.IsActive = active

	entry := NewHistoryEntry(change.ProductID, previous, next, change.Action, change.ActorID, change.OrderID, change.Note)
	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit stock change: %w", err)
	}
	return product, entry, nil
}

// resolveChange computa o novo estado do produto; usado pelos dois repositórios
func resolveChange(product *Product, change Change) (stock int, active bool, changed bool, err error) {
	stock = product.Stock
	active = product.IsActive
	switch {
	case change.Absolute != nil:
		stock = *change.Absolute
	case change.Delta != 0:
		stock = product.Stock + change.Delta
	}
	if stock < 0 {
		return product.Stock, product.IsActive, false, &InsufficientStockError{Shortfalls: []Shortfall{{
			ProductID: product.ID,
			Requested: -change.Delta,
			Available: product.Stock,
		}}}
	}
	if change.Active != nil {
		active = *change.Active
	}
	changed = stock != product.Stock || active != product.IsActive
	return stock, active, changed, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertHistory(ctx context.Context, db execer, entry *HistoryEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO inventory_history
			(id, product_id, previous_stock, new_stock, change, action, actor_id, order_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
	`, entry.ID, entry.ProductID, entry.PreviousStock, entry.NewStock, entry.Change,
		string(entry.Action), entry.ActorID, entry.OrderID, entry.Note, entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	return insertHistory(ctx, r.db, entry)
}

const historyColumns = `id, product_id, previous_stock, new_stock, change, action,
	COALESCE(actor_id, ''), COALESCE(order_id, ''), note, created_at`

func scanHistory(rows pgx.Rows) ([]HistoryEntry, error) {
	defer rows.Close()
	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var action string
		if err := rows.Scan(&e.ID, &e.ProductID, &e.PreviousStock, &e.NewStock, &e.Change, &action,
			&e.ActorID, &e.OrderID, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.Action = Action(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) ListOrderEntries(ctx context.Context, orderID string, action Action) ([]HistoryEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+historyColumns+`
		FROM inventory_history
		WHERE order_id = $1 AND action = $2
		ORDER BY created_at
	`, orderID, string(action))
	if err != nil {
		return nil, fmt.Errorf("failed to list order entries: %w", err)
	}
	return scanHistory(rows)
}

func (r *PostgresRepository) ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_history `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count history: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset())
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM inventory_history
		%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, historyColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list history: %w", err)
	}
	entries, err := scanHistory(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
