package cart

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/matheusmosca/storefront-core/services/apierror"
	"github.com/matheusmosca/storefront-core/services/identity"
	log "github.com/sirupsen/logrus"
)

// Handler contém os handlers HTTP do carrinho
type Handler struct {
	sync *Synchronizer
}

// NewHandler cria uma nova instância de Handler
func NewHandler(sync *Synchronizer) *Handler {
	return &Handler{sync: sync}
}

// RegisterRoutes expects rg to run identity.Middleware.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/cart", h.Get)
	rg.POST("/cart/items", h.Add)
	rg.PUT("/cart/items", h.Update)
	rg.DELETE("/cart/items/:productId", h.Remove)
	rg.DELETE("/cart", h.Clear)
}

type LineRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Size      string `json:"size"`
	Quantity  *int   `json:"quantity"`
}

type Response struct {
	UserID  string `json:"user_id"`
	Items   []Line `json:"items"`
	Version int64  `json:"version"`
}

func toResponse(c *Cart) Response {
	return Response{UserID: c.UserID, Items: c.Items.Lines(), Version: c.Version}
}

func userID(c *gin.Context) string {
	if p, ok := identity.FromContext(c); ok {
		return p.UserID
	}
	return ""
}

func (h *Handler) Get(c *gin.Context) {
	cart, err := h.sync.Get(c.Request.Context(), userID(c))
	h.respond(c, cart, err)
}

func (h *Handler) Add(c *gin.Context) {
	var req LineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	cart, err := h.sync.Add(c.Request.Context(), userID(c), Key{ProductID: req.ProductID, Size: req.Size}, quantity)
	h.respond(c, cart, err)
}

func (h *Handler) Update(c *gin.Context) {
	var req LineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return
	}
	if req.Quantity == nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, errors.New("quantity is required"))
		return
	}
	cart, err := h.sync.Update(c.Request.Context(), userID(c), Key{ProductID: req.ProductID, Size: req.Size}, *req.Quantity)
	h.respond(c, cart, err)
}

func (h *Handler) Remove(c *gin.Context) {
	key := Key{ProductID: c.Param("productId"), Size: c.Query("size")}
	cart, err := h.sync.Remove(c.Request.Context(), userID(c), key)
	h.respond(c, cart, err)
}

func (h *Handler) Clear(c *gin.Context) {
	cart, err := h.sync.Clear(c.Request.Context(), userID(c))
	h.respond(c, cart, err)
}

func (h *Handler) respond(c *gin.Context, cart *Cart, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, toResponse(cart))
	case errors.Is(err, ErrInvalidInput):
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
	case errors.Is(err, ErrVersionConflict):
		apierror.Respond(c, http.StatusConflict, apierror.CodeConflict, true, err)
	default:
		log.WithError(err).Error("❌ cart request failed")
		apierror.Respond(c, http.StatusInternalServerError, apierror.CodeInternal, true, errors.New("internal error"))
	}
}
