package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/matheusmosca/storefront-core/services/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, token string) (*Principal, error) {
	args := m.Called(ctx, token)
	p, _ := args.Get(0).(*Principal)
	return p, args.Error(1)
}

func newRouter(resolver Resolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Middleware(resolver), func(c *gin.Context) {
		p, _ := FromContext(c)
		c.JSON(http.StatusOK, p)
	})
	r.GET("/admin", Middleware(resolver), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestMiddleware_ResolvesBearerToken(t *testing.T) {
	resolver := new(MockResolver)
	resolver.On("Resolve", mock.Anything, "tok-1").Return(&Principal{UserID: "user-1"}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	newRouter(resolver).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var p Principal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "user-1", p.UserID)
}

func TestMiddleware_MissingToken(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(new(MockResolver)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_IdentityServiceDown(t *testing.T) {
	resolver := new(MockResolver)
	resolver.On("Resolve", mock.Anything, "tok").Return(nil, errors.New("dial tcp: refused"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer tok")
	newRouter(resolver).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body apierror.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Retryable)
}

func TestRequireAdmin_RejectsCustomers(t *testing.T) {
	resolver := new(MockResolver)
	resolver.On("Resolve", mock.Anything, "tok").Return(&Principal{UserID: "user-2"}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer tok")
	newRouter(resolver).ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHTTPResolver_Introspect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body["token"] != "good" {
			_, _ = w.Write([]byte(`{"active": false}`))
			return
		}
		_, _ = w.Write([]byte(`{"active": true, "user_id": "admin-1", "role": "admin"}`))
	}))
	defer server.Close()
	resolver := NewHTTPResolver(server.URL)

	p, err := resolver.Resolve(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, &Principal{UserID: "admin-1", Admin: true}, p)

	_, err = resolver.Resolve(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
