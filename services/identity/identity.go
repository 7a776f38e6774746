package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/matheusmosca/storefront-core/services/apierror"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnauthenticated = errors.New("invalid or missing credential")
	ErrForbidden       = errors.New("admin role required")
)

const principalKey = "storefront.principal"

// Principal is the resolved caller of a request.
type Principal struct {
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin"`
}

// Resolver transforma uma credencial opaca no usuário dono dela
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Principal, error)
}

// HTTPResolver asks the identity service to introspect bearer tokens.
type HTTPResolver struct {
	client  *resty.Client
	baseURL string
}

// NewHTTPResolver cria um resolver para o serviço de identidade
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		client:  resty.New().SetTimeout(3 * time.Second),
		baseURL: baseURL,
	}
}

type introspectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, token string) (*Principal, error) {
	var out introspectResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"token": token}).
		SetResult(&out).
		Post(r.baseURL + "/api/tokens/introspect")
	if err != nil {
		return nil, fmt.Errorf("failed to call identity service: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusNotFound {
		return nil, ErrUnauthenticated
	}
	if resp.IsError() {
		return nil, fmt.Errorf("identity service returned status %d", resp.StatusCode())
	}
	if !out.Active || out.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return &Principal{UserID: out.UserID, Admin: out.Role == "admin"}, nil
}

// Middleware resolves the bearer token and stores the principal on the gin context.
func Middleware(resolver Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			apierror.Respond(c, http.StatusUnauthorized, apierror.CodeUnauthenticated, false, ErrUnauthenticated)
			return
		}

		principal, err := resolver.Resolve(c.Request.Context(), token)
		if errors.Is(err, ErrUnauthenticated) {
			apierror.Respond(c, http.StatusUnauthorized, apierror.CodeUnauthenticated, false, err)
			return
		}
		if err != nil {
			log.WithError(err).Error("❌ identity resolution failed")
			apierror.Respond(c, http.StatusBadGateway, apierror.CodeExternal, true, errors.New("identity service unavailable"))
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireAdmin must run after Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := FromContext(c)
		if !ok || !p.Admin {
			apierror.Respond(c, http.StatusForbidden, apierror.CodeForbidden, false, ErrForbidden)
			return
		}
		c.Next()
	}
}

// FromContext returns the principal stored by Middleware.
func FromContext(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// WithPrincipal stores a principal directly; used by trusted internal routes and tests.
func WithPrincipal(p *Principal) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(principalKey, p)
		c.Next()
	}
}
