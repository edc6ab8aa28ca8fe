package order

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/combinado/internal/auth"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/httperr"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/validation"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up caller-scoped order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOpen)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/stats", h.GetStats)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/history", h.GetHistory)
	r.POST("/orders/:id/accept", h.AcceptOrder)
	r.POST("/orders/:id/start", h.StartExecution)
	r.POST("/orders/:id/complete", h.MarkServiceCompleted)
	r.POST("/orders/:id/confirm", h.ConfirmService)
	r.POST("/orders/:id/dispute", h.OpenDispute)
	r.POST("/orders/:id/dispute/response", h.RespondToDispute)
	r.POST("/orders/:id/cancel", h.CancelOrder)
}

// RegisterAdminRoutes sets up dispute arbitration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/resolve", h.ResolveDispute)
}

type createOpenRequest struct {
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Category        string    `json:"category"`
	Value           string    `json:"value"`
	ServiceDeadline time.Time `json:"serviceDeadline"`
}

// CreateOpen handles POST /v1/orders
func (h *Handler) CreateOpen(c *gin.Context) {
	var req createOpenRequest
	if !bind(c, &req) {
		return
	}
	value, err := money.Parse(req.Value)
	if err != nil {
		httperr.Write(c, domain.Validation("value", "%v", err))
		return
	}
	o, err := h.service.CreateOpen(c.Request.Context(), actor(c), OpenRequest{
		Title:           req.Title,
		Description:     req.Description,
		Category:        req.Category,
		Value:           value,
		ServiceDeadline: req.ServiceDeadline,
	})
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	orders, err := h.service.ListByUser(c.Request.Context(), actor(c).UserID, validation.Limit(c, 50, 200))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// GetStats handles GET /v1/orders/stats
func (h *Handler) GetStats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context(), actor(c).UserID)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, o, err)
}

// GetHistory handles GET /v1/orders/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// AcceptOrder handles POST /v1/orders/:id/accept
func (h *Handler) AcceptOrder(c *gin.Context) {
	o, err := h.service.AcceptOrder(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, o, err)
}

// StartExecution handles POST /v1/orders/:id/start
func (h *Handler) StartExecution(c *gin.Context) {
	o, err := h.service.StartExecution(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, o, err)
}

// MarkServiceCompleted handles POST /v1/orders/:id/complete
func (h *Handler) MarkServiceCompleted(c *gin.Context) {
	o, err := h.service.MarkServiceCompleted(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, o, err)
}

// ConfirmService handles POST /v1/orders/:id/confirm
func (h *Handler) ConfirmService(c *gin.Context) {
	o, err := h.service.ConfirmService(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, o, err)
}

// OpenDispute handles POST /v1/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if !bind(c, &req) {
		return
	}
	o, err := h.service.OpenDispute(c.Request.Context(), actor(c), c.Param("id"), req)
	respond(c, o, err)
}

// RespondToDispute handles POST /v1/orders/:id/dispute/response
func (h *Handler) RespondToDispute(c *gin.Context) {
	var req DisputeResponse
	if !bind(c, &req) {
		return
	}
	o, err := h.service.RespondToDispute(c.Request.Context(), actor(c), c.Param("id"), req)
	respond(c, o, err)
}

// ResolveDispute handles POST /v1/admin/orders/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req Resolution
	if !bind(c, &req) {
		return
	}
	o, err := h.service.ResolveDispute(c.Request.Context(), actor(c), c.Param("id"), req)
	respond(c, o, err)
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !bind(c, &req) {
		return
	}
	o, err := h.service.CancelOrder(c.Request.Context(), actor(c), c.Param("id"), req.Reason)
	respond(c, o, err)
}

func actor(c *gin.Context) domain.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func respond(c *gin.Context, o *domain.Order, err error) {
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}
