package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/combinado/internal/auth"
	"github.com/mbd888/combinado/internal/httperr"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/validation"
)

// Handler provides HTTP endpoints for wallets.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterProtectedRoutes sets up caller-scoped wallet routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetBalance)
	r.GET("/wallet/transactions", h.ListTransactions)
	r.POST("/wallet/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up operator wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userId", h.GetUserBalance)
	r.POST("/wallets/:userId/deposit", h.Deposit)
}

// AmountRequest is the body of deposit and withdraw calls.
type AmountRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// GetBalance handles GET /v1/wallet
func (h *Handler) GetBalance(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	acct, err := h.ledger.Balance(c.Request.Context(), actor.UserID)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetUserBalance handles GET /v1/admin/wallets/:userId
func (h *Handler) GetUserBalance(c *gin.Context) {
	acct, err := h.ledger.Balance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// ListTransactions handles GET /v1/wallet/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	txs, err := h.ledger.History(c.Request.Context(), actor.UserID, validation.Limit(c, 50, 200))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// Withdraw handles POST /v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	req, ok := bindAmount(c)
	if !ok {
		return
	}
	txn, err := h.ledger.Withdraw(c.Request.Context(), actor.UserID, money.MustParse(req.Amount),
		validation.SanitizeString(req.Description, 500))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Deposit handles POST /v1/admin/wallets/:userId/deposit. Deposits come
// from the payment gateway reconciliation, never from the user directly.
func (h *Handler) Deposit(c *gin.Context) {
	req, ok := bindAmount(c)
	if !ok {
		return
	}
	txn, err := h.ledger.Deposit(c.Request.Context(), c.Param("userId"), money.MustParse(req.Amount),
		validation.SanitizeString(req.Description, 500))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

func bindAmount(c *gin.Context) (AmountRequest, bool) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return req, false
	}
	if err := validation.Validate(validation.ValidAmount("amount", req.Amount)).Err(); err != nil {
		httperr.Write(c, err)
		return req, false
	}
	return req, true
}
