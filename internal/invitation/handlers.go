package invitation

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

// Handler provides HTTP endpoints for invitations.
type Handler struct {
	service *Service
}

// NewHandler creates a new invitation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up caller-scoped invitation routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/invitations", h.Create)
	r.GET("/invitations", h.List)
	r.GET("/invitations/:id", h.Get)
	r.POST("/invitations/:id/accept", h.Accept)
	r.POST("/invitations/:id/reject", h.Reject)
	r.POST("/invitations/:id/propose-value", h.ProposeValue)
	r.POST("/invitations/:id/respond-proposal", h.RespondToValueProposal)
	r.POST("/invitations/:id/retry-conversion", h.RetryConversion)
}

type createRequest struct {
	ProviderPhone string    `json:"providerPhone"`
	ProviderID    string    `json:"providerId"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Category      string    `json:"category"`
	Value         string    `json:"value"`
	DeliveryDate  time.Time `json:"deliveryDate"`
}

// Create handles POST /v1/invitations
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if !bind(c, &req) {
		return
	}
	value, err := money.Parse(req.Value)
	if err != nil {
		httperr.Write(c, domain.Validation("value", "%v", err))
		return
	}
	inv, err := h.service.Create(c.Request.Context(), actor(c), CreateRequest{
		ProviderPhone: req.ProviderPhone,
		ProviderID:    req.ProviderID,
		Title:         req.Title,
		Description:   req.Description,
		Category:      req.Category,
		Value:         value,
		DeliveryDate:  req.DeliveryDate,
	})
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invitation": inv})
}

// List handles GET /v1/invitations
func (h *Handler) List(c *gin.Context) {
	list, err := h.service.ListByUser(c.Request.Context(), actor(c).UserID, validation.Limit(c, 50, 200))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitations": list, "count": len(list)})
}

// Get handles GET /v1/invitations/:id
func (h *Handler) Get(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), actor(c), c.Param("id"))
	respond(c, inv, err)
}

// Accept handles POST /v1/invitations/:id/accept?as=cliente|prestador
func (h *Handler) Accept(c *gin.Context) {
	a := actor(c)
	var (
		res *AcceptResult
		err error
	)
	switch domain.Role(c.Query("as")) {
	case domain.RoleClient:
		res, err = h.service.AcceptAsClient(c.Request.Context(), a, c.Param("id"))
	case domain.RoleProvider:
		res, err = h.service.AcceptAsProvider(c.Request.Context(), a, c.Param("id"))
	default:
		httperr.Write(c, domain.Validation("as", "must be cliente or prestador"))
		return
	}
	acceptResponse(c, res, err)
}

// Reject handles POST /v1/invitations/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !bind(c, &req) {
		return
	}
	inv, err := h.service.Reject(c.Request.Context(), actor(c), c.Param("id"), req.Reason)
	respond(c, inv, err)
}

// ProposeValue handles POST /v1/invitations/:id/propose-value
func (h *Handler) ProposeValue(c *gin.Context) {
	var req struct {
		Value         string `json:"value"`
		Justification string `json:"justification"`
	}
	if !bind(c, &req) {
		return
	}
	value, err := money.Parse(req.Value)
	if err != nil {
		httperr.Write(c, domain.Validation("value", "%v", err))
		return
	}
	inv, err := h.service.ProposeValue(c.Request.Context(), actor(c), c.Param("id"), value, req.Justification)
	respond(c, inv, err)
}

// RespondToValueProposal handles POST /v1/invitations/:id/respond-proposal
func (h *Handler) RespondToValueProposal(c *gin.Context) {
	var req struct {
		Approve bool `json:"approve"`
	}
	if !bind(c, &req) {
		return
	}
	inv, err := h.service.RespondToValueProposal(c.Request.Context(), actor(c), c.Param("id"), req.Approve)
	respond(c, inv, err)
}

// RetryConversion handles POST /v1/invitations/:id/retry-conversion
func (h *Handler) RetryConversion(c *gin.Context) {
	res, err := h.service.RetryConversion(c.Request.Context(), actor(c), c.Param("id"))
	acceptResponse(c, res, err)
}

func acceptResponse(c *gin.Context, res *AcceptResult, err error) {
	if err != nil {
		httperr.Write(c, err)
		return
	}
	status := http.StatusOK
	if res.PreOrder != nil || res.Order != nil {
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

func respond(c *gin.Context, inv *domain.Invitation, err error) {
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitation": inv})
}
