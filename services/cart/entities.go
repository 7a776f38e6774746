package cart

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

var (
	ErrInvalidInput    = errors.New("invalid cart input")
	ErrCartNotFound    = errors.New("cart not found")
	ErrCartExists      = errors.New("cart already exists")
	ErrVersionConflict = errors.New("cart was modified concurrently")
)

// Key identifica uma linha do carrinho: produto + tamanho
type Key struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
}

// Items maps a line to its quantity. Quantities are always > 0; a missing key means zero.
type Items map[Key]int

// Line is the flattened form of one cart entry.
type Line struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

// MarshalJSON writes the nested {productId: {size: quantity}} layout kept in both stores.
func (i Items) MarshalJSON() ([]byte, error) {
	nested := make(map[string]map[string]int, len(i))
	for k, qty := range i {
		if nested[k.ProductID] == nil {
			nested[k.ProductID] = make(map[string]int)
		}
		nested[k.ProductID][k.Size] = qty
	}
	return json.Marshal(nested)
}

func (i *Items) UnmarshalJSON(data []byte) error {
	var nested map[string]map[string]int
	if err := json.Unmarshal(data, &nested); err != nil {
		return err
	}
	out := make(Items)
	for productID, sizes := range nested {
		for size, qty := range sizes {
			if qty > 0 {
				out[Key{ProductID: productID, Size: size}] = qty
			}
		}
	}
	*i = out
	return nil
}

func (i Items) Clone() Items {
	if i == nil {
		return Items{}
	}
	return maps.Clone(i)
}

// Equal treats nil and empty as the same cart.
func (i Items) Equal(other Items) bool {
	return maps.Equal(i, other)
}

// Lines returns the entries sorted by product and size.
func (i Items) Lines() []Line {
	lines := make([]Line, 0, len(i))
	for k, qty := range i {
		lines = append(lines, Line{ProductID: k.ProductID, Size: k.Size, Quantity: qty})
	}
	slices.SortFunc(lines, func(a, b Line) int {
		if c := strings.Compare(a.ProductID, b.ProductID); c != 0 {
			return c
		}
		return strings.Compare(a.Size, b.Size)
	})
	return lines
}

// Cart é o carrinho canônico de um usuário
type Cart struct {
	UserID    string    `json:"user_id"`
	Items     Items     `json:"items"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Empty returns an unsaved cart; Version 0 means the canonical row does not exist yet.
func Empty(userID string) *Cart {
	return &Cart{UserID: userID, Items: Items{}}
}

func (c *Cart) clone() *Cart {
	cp := *c
	cp.Items = c.Items.Clone()
	return &cp
}

func validateKey(k Key) error {
	if strings.TrimSpace(k.ProductID) == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	return nil
}
