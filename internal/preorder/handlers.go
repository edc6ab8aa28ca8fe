package preorder

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/auth"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/httperr"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/validation"
)

// Handler provides HTTP endpoints for pre-order negotiation.
type Handler struct {
	service *Service
}

// NewHandler creates a new pre-order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up caller-scoped pre-order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/pre-orders", h.ListPreOrders)
	r.GET("/pre-orders/:id", h.GetPreOrder)
	r.GET("/pre-orders/:id/history", h.GetHistory)
	r.GET("/pre-orders/:id/proposals", h.ListProposals)
	r.POST("/pre-orders/:id/proposals", h.CreateProposal)
	r.POST("/pre-orders/:id/proposals/:proposalId/accept", h.AcceptProposal)
	r.POST("/pre-orders/:id/proposals/:proposalId/reject", h.RejectProposal)
	r.POST("/pre-orders/:id/accept-terms", h.AcceptTerms)
	r.POST("/pre-orders/:id/retry-conversion", h.RetryConversion)
	r.POST("/pre-orders/:id/cancel", h.Cancel)
}

// ListPreOrders handles GET /v1/pre-orders
func (h *Handler) ListPreOrders(c *gin.Context) {
	list, err := h.service.ListByUser(c.Request.Context(), actor(c).UserID, validation.Limit(c, 50, 200))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preOrders": list, "count": len(list)})
}

// GetPreOrder handles GET /v1/pre-orders/:id
func (h *Handler) GetPreOrder(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, p, err)
}

// GetHistory handles GET /v1/pre-orders/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// ListProposals handles GET /v1/pre-orders/:id/proposals
func (h *Handler) ListProposals(c *gin.Context) {
	list, err := h.service.Proposals(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": list})
}

type proposalRequest struct {
	Value         *string    `json:"value"`
	DeliveryDate  *time.Time `json:"deliveryDate"`
	Description   *string    `json:"description"`
	Justification string     `json:"justification"`
}

// CreateProposal handles POST /v1/pre-orders/:id/proposals
func (h *Handler) CreateProposal(c *gin.Context) {
	var req proposalRequest
	if !bind(c, &req) {
		return
	}
	var value *decimal.Decimal
	if req.Value != nil {
		v, err := money.Parse(*req.Value)
		if err != nil {
			httperr.Write(c, domain.Validation("value", "%v", err))
			return
		}
		value = &v
	}
	prop, err := h.service.CreateProposal(c.Request.Context(), actor(c), c.Param("id"), ProposalRequest{
		Value:         value,
		DeliveryDate:  req.DeliveryDate,
		Description:   req.Description,
		Justification: req.Justification,
	})
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": prop})
}

// AcceptProposal handles POST /v1/pre-orders/:id/proposals/:proposalId/accept
func (h *Handler) AcceptProposal(c *gin.Context) {
	p, err := h.service.AcceptProposal(c.Request.Context(), actor(c), c.Param("id"), c.Param("proposalId"))
	respond(c, p, err)
}

// RejectProposal handles POST /v1/pre-orders/:id/proposals/:proposalId/reject
func (h *Handler) RejectProposal(c *gin.Context) {
	p, err := h.service.RejectProposal(c.Request.Context(), actor(c), c.Param("id"), c.Param("proposalId"))
	respond(c, p, err)
}

// AcceptTerms handles POST /v1/pre-orders/:id/accept-terms
func (h *Handler) AcceptTerms(c *gin.Context) {
	res, err := h.service.AcceptTerms(c.Request.Context(), actor(c), c.Param("id"))
	termsResponse(c, res, err)
}

// RetryConversion handles POST /v1/pre-orders/:id/retry-conversion
func (h *Handler) RetryConversion(c *gin.Context) {
	res, err := h.service.RetryConversion(c.Request.Context(), actor(c), c.Param("id"))
	termsResponse(c, res, err)
}

// Cancel handles POST /v1/pre-orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !bind(c, &req) {
		return
	}
	p, err := h.service.Cancel(c.Request.Context(), actor(c), c.Param("id"), req.Reason)
	respond(c, p, err)
}

func termsResponse(c *gin.Context, res *TermsResult, err error) {
	if err != nil {
		httperr.Write(c, err)
		return
	}
	status := http.StatusOK
	if res.Order != nil {
		status = http.StatusCreated
	}
	c.JSON(status, res)
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

func respond(c *gin.Context, p *domain.PreOrder, err error) {
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preOrder": p})
}
