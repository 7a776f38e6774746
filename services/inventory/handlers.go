package inventory

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheusmosca/storefront-core/services/apierror"
	"github.com/matheusmosca/storefront-core/services/identity"
	log "github.com/sirupsen/logrus"
)

// Handler contém os handlers HTTP de inventário (rotas de admin)
type Handler struct {
	ledger *Ledger
}

// NewHandler cria uma nova instância de Handler
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterAdminRoutes expects rg to already enforce admin identity.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.GET("/inventory/history", h.GetHistory)
	rg.GET("/inventory/:productId", h.GetProduct)
	rg.PUT("/inventory/:productId/stock", h.AdjustStock)
	rg.PUT("/inventory/:productId/active", h.SetActive)
}

type AdjustStockRequest struct {
	Stock *int   `json:"stock" binding:"required"`
	Note  string `json:"note"`
}

type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type ProductChangeResponse struct {
	Product *Product      `json:"product"`
	Entry   *HistoryEntry `json:"entry,omitempty"`
}

func actorID(c *gin.Context) string {
	if p, ok := identity.FromContext(c); ok {
		return p.UserID
	}
	return ""
}

// GetProduct retorna o estoque atual de um produto
func (h *Handler) GetProduct(c *gin.Context) {
	product, err := h.ledger.GetProduct(c.Request.Context(), c.Param("productId"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// AdjustStock é a edição manual de estoque pelo admin
func (h *Handler) AdjustStock(c *gin.Context) {
	var req AdjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return
	}

	product, entry, err := h.ledger.AdjustStock(c.Request.Context(), c.Param("productId"), *req.Stock, actorID(c), req.Note)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ProductChangeResponse{Product: product, Entry: entry})
}

// SetActive ativa ou desativa um produto
func (h *Handler) SetActive(c *gin.Context) {
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return
	}

	product, entry, err := h.ledger.SetActive(c.Request.Context(), c.Param("productId"), *req.Active, actorID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ProductChangeResponse{Product: product, Entry: entry})
}

type historyQuery struct {
	ProductID string    `form:"productId"`
	Action    string    `form:"action"`
	From      time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To        time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Page      int       `form:"page"`
	Limit     int       `form:"limit"`
}

// GetHistory lista o histórico de inventário com filtros e paginação
func (h *Handler) GetHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return
	}

	page, err := h.ledger.GetHistory(c.Request.Context(), HistoryFilter{
		ProductID: q.ProductID,
		Action:    Action(q.Action),
		From:      q.From,
		To:        q.To,
		Page:      q.Page,
		Limit:     q.Limit,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// RespondError maps ledger errors to the structured error body.
func RespondError(c *gin.Context, err error) {
	var stockErr *InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		apierror.RespondWithDetails(c, http.StatusConflict, apierror.CodeInsufficientStock, false, err, stockErr.Shortfalls)
	case errors.Is(err, ErrInvalidInput):
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
	case errors.Is(err, ErrProductNotFound):
		apierror.Respond(c, http.StatusNotFound, apierror.CodeNotFound, false, err)
	default:
		log.WithError(err).Error("❌ inventory request failed")
		apierror.Respond(c, http.StatusInternalServerError, apierror.CodeInternal, true, errors.New("internal error"))
	}
}
