package cart

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// flakyMirror fails writes while failing is set.
type flakyMirror struct {
	*MemoryMirror
	failing atomic.Bool
}

func (f *flakyMirror) Set(ctx context.Context, userID string, items Items) error {
	if f.failing.Load() {
		return errors.New("redis: connection refused")
	}
	return f.MemoryMirror.Set(ctx, userID, items)
}

func assertConverged(t *testing.T, store Store, mirror Mirror, userID string) {
	t.Helper()
	ctx := context.Background()
	canonical, err := store.Get(ctx, userID)
	require.NoError(t, err)
	mirrored, found, err := mirror.Get(ctx, userID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, canonical.Items.Equal(mirrored), "store %v != mirror %v", canonical.Items, mirrored)
}

var shirtM = Key{ProductID: "shirt", Size: "M"}

func TestSynchronizer_MutationsConverge(t *testing.T) {
	store, mirror := NewMemoryStore(), NewMemoryMirror()
	s := NewSynchronizer(store, mirror)
	ctx := context.Background()

	c, err := s.Add(ctx, "user-1", shirtM, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Items[shirtM])
	assertConverged(t, store, mirror, "user-1")

	c, err = s.Add(ctx, "user-1", shirtM, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Items[shirtM])

	c, err = s.Update(ctx, "user-1", Key{ProductID: "shirt", Size: "L"}, 4)
	require.NoError(t, err)
	assert.Len(t, c.Items, 2)
	assertConverged(t, store, mirror, "user-1")

	c, err = s.Update(ctx, "user-1", shirtM, 0)
	require.NoError(t, err)
	assert.NotContains(t, c.Items, shirtM)

	c, err = s.Remove(ctx, "user-1", Key{ProductID: "shirt", Size: "L"})
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assertConverged(t, store, mirror, "user-1")
}

func TestSynchronizer_MaterializesFromMirror(t *testing.T) {
	store, mirror := NewMemoryStore(), NewMemoryMirror()
	require.NoError(t, mirror.Set(context.Background(), "user-1", Items{shirtM: 2}))
	s := NewSynchronizer(store, mirror)

	c, err := s.Get(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, Items{shirtM: 2}, c.Items)
	assert.Equal(t, int64(1), c.Version)
	assertConverged(t, store, mirror, "user-1")
}

func TestSynchronizer_RefreshesStaleMirror(t *testing.T) {
	store, mirror := NewMemoryStore(), NewMemoryMirror()
	ctx := context.Background()
	_, err := store.Create(ctx, "user-1", Items{shirtM: 5})
	require.NoError(t, err)
	require.NoError(t, mirror.Set(ctx, "user-1", Items{shirtM: 1}))
	s := NewSynchronizer(store, mirror)

	c, err := s.Get(ctx, "user-1")

	require.NoError(t, err)
	assert.Equal(t, 5, c.Items[shirtM])
	assertConverged(t, store, mirror, "user-1")
}

func TestSynchronizer_HealsAfterMirrorFailure(t *testing.T) {
	store := NewMemoryStore()
	mirror := &flakyMirror{MemoryMirror: NewMemoryMirror()}
	s := NewSynchronizer(store, mirror)
	ctx := context.Background()

	mirror.failing.Store(true)
	_, err := s.Add(ctx, "user-1", shirtM, 2)
	require.NoError(t, err)
	_, found, _ := mirror.Get(ctx, "user-1")
	assert.False(t, found)

	mirror.failing.Store(false)
	_, err = s.Get(ctx, "user-1")
	require.NoError(t, err)

	assertConverged(t, store, mirror, "user-1")
}

func TestSynchronizer_EmptyCartIsNotPersisted(t *testing.T) {
	store, mirror := NewMemoryStore(), NewMemoryMirror()
	s := NewSynchronizer(store, mirror)

	c, err := s.Get(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Zero(t, c.Version)
	_, err = store.Get(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrCartNotFound)
}

func TestSynchronizer_ConcurrentAddsAreNotLost(t *testing.T) {
	store, mirror := NewMemoryStore(), NewMemoryMirror()
	s := NewSynchronizer(store, mirror)
	ctx := context.Background()
	_, err := s.Add(ctx, "user-1", shirtM, 1)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Add(ctx, "user-1", shirtM, 1); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	c, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1+int(succeeded.Load()), c.Items[shirtM])
}

func TestSynchronizer_ResetEmptiesBothStores(t *testing.T) {
	store, mirror := NewMemoryStore(), NewMemoryMirror()
	s := NewSynchronizer(store, mirror)
	ctx := context.Background()
	_, err := s.Add(ctx, "user-1", shirtM, 3)
	require.NoError(t, err)

	s.Reset(ctx, "user-1")

	c, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assertConverged(t, store, mirror, "user-1")
}

func TestSynchronizer_Validation(t *testing.T) {
	s := NewSynchronizer(NewMemoryStore(), NewMemoryMirror())
	ctx := context.Background()

	_, err := s.Add(ctx, "user-1", Key{}, 1)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Add(ctx, "user-1", shirtM, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Update(ctx, "user-1", shirtM, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSynchronizer_ConvergesAfterAnySequence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store, mirror := NewMemoryStore(), NewMemoryMirror()
		s := NewSynchronizer(store, mirror)
		ctx := context.Background()
		keys := []Key{shirtM, {ProductID: "shirt", Size: "L"}, {ProductID: "cap"}}

		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			key := rapid.SampledFrom(keys).Draw(rt, "key")
			var err error
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				_, err = s.Add(ctx, "u", key, rapid.IntRange(1, 5).Draw(rt, "qty"))
			case 1:
				_, err = s.Update(ctx, "u", key, rapid.IntRange(0, 5).Draw(rt, "qty"))
			case 2:
				_, err = s.Remove(ctx, "u", key)
			case 3:
				_, err = s.Clear(ctx, "u")
			}
			if err != nil {
				rt.Fatalf("mutation failed: %v", err)
			}

			canonical, err := store.Get(ctx, "u")
			if err != nil {
				rt.Fatalf("canonical read failed: %v", err)
			}
			mirrored, _, _ := mirror.Get(ctx, "u")
			if !canonical.Items.Equal(mirrored) {
				rt.Fatalf("diverged: store %v mirror %v", canonical.Items, mirrored)
			}
			for k, qty := range canonical.Items {
				if qty <= 0 {
					rt.Fatalf("non-positive quantity %d for %v", qty, k)
				}
			}
		}
	})
}

func TestItems_NestedJSON(t *testing.T) {
	items := Items{shirtM: 2, {ProductID: "shirt", Size: "L"}: 1}

	data, err := json.Marshal(items)
	require.NoError(t, err)
	assert.JSONEq(t, `{"shirt": {"M": 2, "L": 1}}`, string(data))

	var decoded Items
	require.NoError(t, json.Unmarshal([]byte(`{"shirt": {"M": 2, "XL": 0}}`), &decoded))
	assert.Equal(t, Items{shirtM: 2}, decoded)
}
