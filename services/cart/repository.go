package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Store é o armazenamento canônico do carrinho
type Store interface {
	// Get retorna ErrCartNotFound quando o usuário ainda não tem carrinho
	Get(ctx context.Context, userID string) (*Cart, error)

	// Create grava o primeiro carrinho do usuário; ErrCartExists se outro chegou antes
	Create(ctx context.Context, userID string, items Items) (*Cart, error)

	// Update substitui os itens se a versão ainda for expectedVersion; senão ErrVersionConflict
	Update(ctx context.Context, userID string, items Items, expectedVersion int64) (*Cart, error)
}

// Mirror is the denormalized read cache kept on the user record.
type Mirror interface {
	// Get reports found=false when the user has no mirror at all.
	Get(ctx context.Context, userID string) (items Items, found bool, err error)
	Set(ctx context.Context, userID string, items Items) error
}

// PostgresStore implementa Store usando PostgreSQL
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore cria uma nova instância de PostgresStore
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Cart, error) {
	var raw []byte
	c := &Cart{UserID: userID}
	err := s.db.QueryRow(ctx,
		`SELECT items, version, updated_at FROM carts WHERE user_id = $1`, userID,
	).Scan(&raw, &c.Version, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	if err := json.Unmarshal(raw, &c.Items); err != nil {
		return nil, fmt.Errorf("failed to decode cart items: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Create(ctx context.Context, userID string, items Items) (*Cart, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cart items: %w", err)
	}
	c := &Cart{UserID: userID, Items: items.Clone()}
	err = s.db.QueryRow(ctx, `
		INSERT INTO carts (user_id, items, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (user_id) DO NOTHING
		RETURNING version, updated_at`,
		userID, raw,
	).Scan(&c.Version, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCartExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Update(ctx context.Context, userID string, items Items, expectedVersion int64) (*Cart, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cart items: %w", err)
	}
	c := &Cart{UserID: userID, Items: items.Clone()}
	err = s.db.QueryRow(ctx, `
		UPDATE carts
		SET items = $2, version = version + 1, updated_at = NOW()
		WHERE user_id = $1 AND version = $3
		RETURNING version, updated_at`,
		userID, raw, expectedVersion,
	).Scan(&c.Version, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update cart: %w", err)
	}
	return c, nil
}

// RedisMirror keeps the cart copy under the user's record key in Redis.
type RedisMirror struct {
	client  *redis.Client
	baseTTL time.Duration
}

// NewRedisMirror cria o espelho do carrinho no Redis
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client, baseTTL: 24 * time.Hour}
}

func mirrorKey(userID string) string {
	return fmt.Sprintf("user:%s:cartData", userID)
}

func (r *RedisMirror) Get(ctx context.Context, userID string) (Items, bool, error) {
	data, err := r.client.Get(ctx, mirrorKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	var items Items
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false, fmt.Errorf("unmarshal cart mirror failed: %w", err)
	}
	return items, true, nil
}

func (r *RedisMirror) Set(ctx context.Context, userID string, items Items) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal cart mirror failed: %w", err)
	}
	jitter := time.Duration(rand.Intn(60)) * time.Minute
	if err := r.client.Set(ctx, mirrorKey(userID), data, r.baseTTL+jitter).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	carts map[string]*Cart
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]*Cart)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[userID]
	if !ok {
		return nil, ErrCartNotFound
	}
	return c.clone(), nil
}

func (m *MemoryStore) Create(_ context.Context, userID string, items Items) (*Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.carts[userID]; ok {
		return nil, ErrCartExists
	}
	c := &Cart{UserID: userID, Items: items.Clone(), Version: 1, UpdatedAt: time.Now().UTC()}
	m.carts[userID] = c
	return c.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, userID string, items Items, expectedVersion int64) (*Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[userID]
	if !ok || c.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	c.Items = items.Clone()
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	return c.clone(), nil
}

// MemoryMirror implements Mirror in process memory.
type MemoryMirror struct {
	mu    sync.Mutex
	items map[string]Items
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{items: make(map[string]Items)}
}

func (m *MemoryMirror) Get(_ context.Context, userID string) (Items, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.items[userID]
	return items.Clone(), ok, nil
}

func (m *MemoryMirror) Set(_ context.Context, userID string, items Items) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[userID] = items.Clone()
	return nil
}
