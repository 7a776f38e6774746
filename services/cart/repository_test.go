package cart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/matheusmosca/storefront-core/services/identity"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMirror(client), mr
}

func TestRedisMirror_SetAndGet(t *testing.T) {
	mirror, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mirror.Set(ctx, "user-1", Items{shirtM: 2}))

	raw, err := mr.Get("user:user-1:cartData")
	require.NoError(t, err)
	assert.JSONEq(t, `{"shirt": {"M": 2}}`, raw)
	assert.Positive(t, mr.TTL("user:user-1:cartData"))

	items, found, err := mirror.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Items{shirtM: 2}, items)
}

func TestRedisMirror_Missing(t *testing.T) {
	mirror, _ := setupTestRedis(t)

	items, found, err := mirror.Get(context.Background(), "nobody")

	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, items)
}

func TestRedisMirror_CorruptPayload(t *testing.T) {
	mirror, mr := setupTestRedis(t)
	require.NoError(t, mr.Set("user:user-1:cartData", "not json"))

	_, _, err := mirror.Get(context.Background(), "user-1")

	assert.Error(t, err)
}

func TestSynchronizer_WithRedisMirror(t *testing.T) {
	mirror, mr := setupTestRedis(t)
	store := NewMemoryStore()
	s := NewSynchronizer(store, mirror)
	ctx := context.Background()

	_, err := s.Add(ctx, "user-1", shirtM, 2)
	require.NoError(t, err)
	assertConverged(t, store, mirror, "user-1")

	mr.Del("user:user-1:cartData")
	c, err := s.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Items[shirtM])
	assertConverged(t, store, mirror, "user-1")
}

func TestSynchronizer_RedisDownStillServesCanonical(t *testing.T) {
	mirror, mr := setupTestRedis(t)
	store := NewMemoryStore()
	_, err := store.Create(context.Background(), "user-1", Items{shirtM: 1})
	require.NoError(t, err)
	s := NewSynchronizer(store, mirror)
	mr.Close()

	c, err := s.Get(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, 1, c.Items[shirtM])
}

func TestHandler_CartRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, mirror := NewMemoryStore(), NewMemoryMirror()
	r := gin.New()
	api := r.Group("/api", identity.WithPrincipal(&identity.Principal{UserID: "user-1"}))
	NewHandler(NewSynchronizer(store, mirror)).RegisterRoutes(api)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/api/cart/items", `{"product_id": "shirt", "size": "M", "quantity": 2}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(http.MethodPost, "/api/cart/items", `{"product_id": "cap"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(http.MethodPut, "/api/cart/items", `{"product_id": "shirt", "size": "M"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodDelete, "/api/cart/items/shirt?size=M", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(http.MethodGet, "/api/cart", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
	assert.Equal(t, []Line{{ProductID: "cap", Size: "", Quantity: 1}}, resp.Items)

	w = do(http.MethodDelete, "/api/cart", "")
	require.Equal(t, http.StatusOK, w.Code)
	assertConverged(t, store, mirror, "user-1")
}
