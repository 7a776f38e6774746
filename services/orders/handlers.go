package orders

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/matheusmosca/storefront-core/services/apierror"
	"github.com/matheusmosca/storefront-core/services/gateway"
	"github.com/matheusmosca/storefront-core/services/identity"
	"github.com/matheusmosca/storefront-core/services/inventory"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OrderUseCaseInterface define a interface para o use case
type OrderUseCaseInterface interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error)
	CreateDeferredPaymentOrder(ctx context.Context, req PlaceOrderRequest) (*Order, *gateway.Session, error)
	ConfirmPayment(ctx context.Context, orderID string, success bool) (Outcome, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListUserOrders(ctx context.Context, userID string) ([]Order, error)
	TransitionStatus(ctx context.Context, orderID string, newStatus Status, actorID string) (*Order, bool, error)
	BulkTransitionStatus(ctx context.Context, orderIDs []string, newStatus Status, actorID string) (*BulkResult, error)
	MarkCodPaid(ctx context.Context, orderID, actorID string) (*Order, error)
	AddNote(ctx context.Context, orderID, text, actorID string) (*TimelineEvent, error)
}

// OrderHandler contém os handlers HTTP
type OrderHandler struct {
	useCase       OrderUseCaseInterface
	tracer        trace.Tracer
	webhookSecret string
}

// NewOrderHandler cria uma nova instância de OrderHandler
func NewOrderHandler(useCase OrderUseCaseInterface, tracer trace.Tracer, webhookSecret string) *OrderHandler {
	return &OrderHandler{
		useCase:       useCase,
		tracer:        tracer,
		webhookSecret: webhookSecret,
	}
}

// RegisterRoutes expects rg to run identity.Middleware.
func (h *OrderHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/orders", h.PlaceOrder)
	rg.POST("/orders/stripe", h.PlaceDeferredOrder)
	rg.GET("/orders/mine", h.ListMine)
	rg.GET("/orders/:id", h.GetOrder)
}

// RegisterAdminRoutes expects rg to already enforce admin identity.
func (h *OrderHandler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.PATCH("/orders/:id/status", h.TransitionStatus)
	rg.POST("/orders/bulk-status", h.BulkTransitionStatus)
	rg.POST("/orders/:id/notes", h.AddNote)
	rg.POST("/orders/:id/cod-paid", h.MarkCodPaid)
}

// RegisterWebhookRoutes exposes the gateway callback; authenticity comes from the signature.
func (h *OrderHandler) RegisterWebhookRoutes(rg *gin.RouterGroup) {
	rg.POST("/payments/callback", h.PaymentCallback)
}

type StatusRequest struct {
	Status Status `json:"status" binding:"required"`
}

type BulkStatusRequest struct {
	OrderIDs []string `json:"order_ids" binding:"required"`
	Status   Status   `json:"status" binding:"required"`
}

type NoteRequest struct {
	Text string `json:"text" binding:"required"`
}

type DeferredOrderResponse struct {
	OrderID    string `json:"order_id"`
	SessionURL string `json:"session_url"`
}

type TransitionResponse struct {
	Order   *Order `json:"order"`
	Changed bool   `json:"changed"`
}

type CallbackResponse struct {
	OrderID string  `json:"order_id"`
	Outcome Outcome `json:"outcome"`
}

func principal(c *gin.Context) *identity.Principal {
	if p, ok := identity.FromContext(c); ok {
		return p
	}
	return &identity.Principal{}
}

func presented(o *Order) *Order {
	o.Timeline = o.SortedTimeline()
	return o
}

func (h *OrderHandler) bindPlacement(c *gin.Context) (PlaceOrderRequest, bool) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return req, false
	}
	req.UserID = principal(c).UserID
	return req, true
}

// PlaceOrder cria um pedido pago na entrega
func (h *OrderHandler) PlaceOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.place_order")
	defer span.End()

	req, ok := h.bindPlacement(c)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("user_id", req.UserID))

	order, err := h.useCase.PlaceOrder(ctx, req)
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, presented(order))
}

// PlaceDeferredOrder cria um pedido pago pelo gateway e devolve a URL da sessão
func (h *OrderHandler) PlaceDeferredOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.place_deferred_order")
	defer span.End()

	req, ok := h.bindPlacement(c)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("user_id", req.UserID))

	order, session, err := h.useCase.CreateDeferredPaymentOrder(ctx, req)
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, DeferredOrderResponse{OrderID: order.ID, SessionURL: session.URL})
}

func (h *OrderHandler) ListMine(c *gin.Context) {
	list, err := h.useCase.ListUserOrders(c.Request.Context(), principal(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	for i := range list {
		presented(&list[i])
	}
	c.JSON(http.StatusOK, list)
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.useCase.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if p := principal(c); !p.Admin && p.UserID != order.UserID {
		respondError(c, ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, presented(order))
}

func (h *OrderHandler) TransitionStatus(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.transition_status")
	defer span.End()

	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return
	}
	span.SetAttributes(
		attribute.String("order_id", c.Param("id")),
		attribute.String("status", string(req.Status)),
	)

	order, changed, err := h.useCase.TransitionStatus(ctx, c.Param("id"), req.Status, principal(c).UserID)
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TransitionResponse{Order: presented(order), Changed: changed})
}

func (h *OrderHandler) BulkTransitionStatus(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.bulk_transition_status")
	defer span.End()

	var req BulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return
	}
	span.SetAttributes(attribute.Int("orders", len(req.OrderIDs)))

	result, err := h.useCase.BulkTransitionStatus(ctx, req.OrderIDs, req.Status, principal(c).UserID)
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *OrderHandler) AddNote(c *gin.Context) {
	var req NoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return
	}
	event, err := h.useCase.AddNote(c.Request.Context(), c.Param("id"), req.Text, principal(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

func (h *OrderHandler) MarkCodPaid(c *gin.Context) {
	order, err := h.useCase.MarkCodPaid(c.Request.Context(), c.Param("id"), principal(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, presented(order))
}

// PaymentCallback recebe o resultado do gateway (entrega at-least-once)
func (h *OrderHandler) PaymentCallback(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.payment_callback")
	defer span.End()

	body, err := c.GetRawData()
	if err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return
	}
	cb, err := gateway.ParseCallback(h.webhookSecret, body, c.GetHeader(gateway.SignatureHeader))
	if errors.Is(err, gateway.ErrInvalidSignature) {
		log.WithError(err).Warn("⚠️ [PAYMENT] rejected callback with bad signature")
		apierror.Respond(c, http.StatusUnauthorized, apierror.CodeUnauthenticated, false, err)
		return
	}
	if err != nil {
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
		return
	}
	span.SetAttributes(
		attribute.String("order_id", cb.OrderID),
		attribute.Bool("success", cb.Success),
	)

	outcome, err := h.useCase.ConfirmPayment(ctx, cb.OrderID, cb.Success)
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CallbackResponse{OrderID: cb.OrderID, Outcome: outcome})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, inventory.ErrInsufficientStock):
		inventory.RespondError(c, err)
	case errors.Is(err, ErrInvalidInput), errors.Is(err, inventory.ErrInvalidInput):
		apierror.Respond(c, http.StatusBadRequest, apierror.CodeValidation, false, err)
	case errors.Is(err, ErrOrderNotFound):
		apierror.Respond(c, http.StatusNotFound, apierror.CodeNotFound, false, err)
	case errors.Is(err, ErrForbidden):
		apierror.Respond(c, http.StatusForbidden, apierror.CodeForbidden, false, err)
	case errors.Is(err, ErrInvalidTransition):
		apierror.Respond(c, http.StatusConflict, apierror.CodeInvalidTransition, false, err)
	case errors.Is(err, ErrAlreadyPaid):
		apierror.Respond(c, http.StatusConflict, apierror.CodeConflict, false, err)
	case errors.Is(err, ErrGateway):
		apierror.Respond(c, http.StatusBadGateway, apierror.CodeExternal, true, ErrGateway)
	default:
		log.WithError(err).Error("❌ order request failed")
		apierror.Respond(c, http.StatusInternalServerError, apierror.CodeInternal, true, errors.New("internal error"))
	}
}
