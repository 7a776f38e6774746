package cart

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const maxWriteAttempts = 5

// Synchronizer keeps the canonical cart and its mirror converged. Writes go to the store
// first and then refresh the mirror; reads reconcile whichever side is behind.
type Synchronizer struct {
	store  Store
	mirror Mirror
	tracer trace.Tracer
	reads  singleflight.Group
}

// NewSynchronizer cria uma nova instância de Synchronizer
func NewSynchronizer(store Store, mirror Mirror) *Synchronizer {
	return &Synchronizer{
		store:  store,
		mirror: mirror,
		tracer: otel.Tracer("cart-synchronizer"),
	}
}

// Get retorna o carrinho reconciliado do usuário
func (s *Synchronizer) Get(ctx context.Context, userID string) (*Cart, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	v, err, _ := s.reads.Do(userID, func() (any, error) {
		return s.reconcile(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Cart).clone(), nil
}

func (s *Synchronizer) reconcile(ctx context.Context, userID string) (*Cart, error) {
	ctx, span := s.tracer.Start(ctx, "cart.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	canonical, err := s.store.Get(ctx, userID)
	if err != nil && !errors.Is(err, ErrCartNotFound) {
		return nil, err
	}

	mirrored, found, mirrorErr := s.mirror.Get(ctx, userID)
	if mirrorErr != nil {
		log.WithError(mirrorErr).WithField("user_id", userID).Warn("⚠️ [CART] mirror read failed")
		if canonical == nil {
			return Empty(userID), nil
		}
		return canonical, nil
	}

	if canonical == nil {
		if len(mirrored) == 0 {
			return Empty(userID), nil
		}
		created, err := s.store.Create(ctx, userID, mirrored)
		if errors.Is(err, ErrCartExists) {
			return s.store.Get(ctx, userID)
		}
		if err != nil {
			return nil, err
		}
		log.WithField("user_id", userID).Info("🔁 [CART] canonical cart materialized from mirror")
		return created, nil
	}

	if !found || !mirrored.Equal(canonical.Items) {
		s.refreshMirror(ctx, canonical)
	}
	return canonical, nil
}

func (s *Synchronizer) refreshMirror(ctx context.Context, c *Cart) {
	if err := s.mirror.Set(ctx, c.UserID, c.Items); err != nil {
		// Next read reconciles.
		log.WithError(err).WithField("user_id", c.UserID).Warn("⚠️ [CART] mirror refresh failed")
	}
}

// mutate aplica fn sobre os itens atuais com controle otimista de versão
func (s *Synchronizer) mutate(ctx context.Context, userID, op string, fn func(Items) error) (*Cart, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	ctx, span := s.tracer.Start(ctx, "cart."+op)
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		current, err := s.reconcile(ctx, userID)
		if err != nil {
			return nil, err
		}
		items := current.Items.Clone()
		if err := fn(items); err != nil {
			return nil, err
		}

		var saved *Cart
		if current.Version == 0 {
			saved, err = s.store.Create(ctx, userID, items)
		} else {
			saved, err = s.store.Update(ctx, userID, items, current.Version)
		}
		if errors.Is(err, ErrCartExists) || errors.Is(err, ErrVersionConflict) {
			span.AddEvent("version conflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		s.refreshMirror(ctx, saved)
		return saved, nil
	}
	return nil, ErrVersionConflict
}

// Add soma quantity à linha (produto, tamanho)
func (s *Synchronizer) Add(ctx context.Context, userID string, key Key, quantity int) (*Cart, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrInvalidInput)
	}
	return s.mutate(ctx, userID, "add", func(items Items) error {
		items[key] += quantity
		return nil
	})
}

// Update define a quantidade exata; zero remove a linha
func (s *Synchronizer) Update(ctx context.Context, userID string, key Key, quantity int) (*Cart, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if quantity < 0 {
		return nil, fmt.Errorf("%w: quantity cannot be negative", ErrInvalidInput)
	}
	return s.mutate(ctx, userID, "update", func(items Items) error {
		if quantity == 0 {
			delete(items, key)
			return nil
		}
		items[key] = quantity
		return nil
	})
}

// Remove apaga a linha (produto, tamanho)
func (s *Synchronizer) Remove(ctx context.Context, userID string, key Key) (*Cart, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, "remove", func(items Items) error {
		delete(items, key)
		return nil
	})
}

// Clear esvazia o carrinho nos dois armazenamentos
func (s *Synchronizer) Clear(ctx context.Context, userID string) (*Cart, error) {
	return s.mutate(ctx, userID, "clear", func(items Items) error {
		clear(items)
		return nil
	})
}

// Reset empties the cart after an order was placed. It never fails the caller: a
// leftover cart is visible to the user and fixed by the next mutation.
func (s *Synchronizer) Reset(ctx context.Context, userID string) {
	if _, err := s.Clear(ctx, userID); err != nil {
		log.WithError(err).WithField("user_id", userID).Error("❌ [CART] failed to reset cart after order")
	}
}
