package ledger

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ephemeral/internal/auth"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/ksred/klear-ephemeral/pkg/response"
)

// GinHandlers contains HTTP handlers for balance endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// DepositHandler handles POST requests moving tokens into the market vault
// Requires a valid JWT token and idempotency key in headers
// URL parameter: market_id
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return h.changeHandler(h.service.Deposit)
}

// WithdrawHandler handles POST requests moving tokens out of the market vault
// Requires a valid JWT token and idempotency key in headers
// URL parameter: market_id
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return h.changeHandler(h.service.Withdraw)
}

func (h *GinHandlers) changeHandler(apply func(ctx context.Context, req ChangeBalance) (*types.Trader, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		principal := auth.Principal(c)
		if principal == "" {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var req ChangeBalance
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.MarketID = c.Param("market_id")
		req.Principal = principal
		req.IdempotencyKey = idempotencyKey

		if _, err := apply(c.Request.Context(), req); err != nil {
			response.Handle(c, nil, err)
			return
		}

		view, err := h.service.Trader(c.Request.Context(), req.MarketID, principal)
		response.Handle(c, view, err)
	}
}

// GetTraderHandler returns the caller's balances, escrow and audit status
// URL parameter: market_id
func (h *GinHandlers) GetTraderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := auth.Principal(c)
		if principal == "" {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		view, err := h.service.Trader(c.Request.Context(), c.Param("market_id"), principal)
		response.Handle(c, view, err)
	}
}
