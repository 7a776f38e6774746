package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/matheusmosca/storefront-core/services/cart"
	"github.com/matheusmosca/storefront-core/services/config"
	"github.com/matheusmosca/storefront-core/services/identity"
	"github.com/matheusmosca/storefront-core/services/inventory"
	"github.com/matheusmosca/storefront-core/services/notification"
	"github.com/matheusmosca/storefront-core/services/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

type staticResolver map[string]*identity.Principal

func (r staticResolver) Resolve(_ context.Context, token string) (*identity.Principal, error) {
	if p, ok := r[token]; ok {
		return p, nil
	}
	return nil, identity.ErrUnauthenticated
}

type discardSender struct{}

func (discardSender) Send(context.Context, notification.Message) error { return nil }

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{ServiceName: "storefront-test", StorageDriver: config.StorageDriverMemory}
	st, err := openStores(context.Background(), cfg)
	require.NoError(t, err)

	dispatcher := notification.NewDispatcher(discardSender{})
	t.Cleanup(dispatcher.Close)

	ledger := inventory.NewLedger(st.inventory)
	carts := cart.NewSynchronizer(st.carts, st.mirror)
	useCase := orders.NewOrderUseCase(st.orders, ledger, carts, nil, dispatcher, "http://localhost")
	handler := orders.NewOrderHandler(useCase, otel.Tracer("test"), "secret")

	resolver := staticResolver{
		"customer": {UserID: "user-1"},
		"admin":    {UserID: "admin-1", Admin: true},
	}
	return newRouter(cfg, resolver, ledger, carts, handler)
}

func call(r http.Handler, method, path, token string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(""))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRouter_Health(t *testing.T) {
	assert.Equal(t, http.StatusOK, call(testRouter(t), http.MethodGet, "/health", ""))
}

func TestRouter_Authentication(t *testing.T) {
	r := testRouter(t)

	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, "/api/cart", ""))
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/api/cart", "customer"))
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/api/orders/mine", "customer"))
	assert.Equal(t, http.StatusForbidden, call(r, http.MethodGet, "/api/admin/inventory/history", "customer"))
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/api/admin/inventory/history", "admin"))
}

func TestRouter_WebhookSkipsIdentity(t *testing.T) {
	r := testRouter(t)

	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodPost, "/webhooks/payments/callback", ""))
}
