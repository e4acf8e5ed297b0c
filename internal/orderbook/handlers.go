package orderbook

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ephemeral/internal/auth"
	"github.com/ksred/klear-ephemeral/pkg/response"
)

// GinHandlers contains HTTP handlers for market and order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// InitializeMarketHandler handles POST requests creating a market
func (h *GinHandlers) InitializeMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InitializeMarket
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		market, err := h.service.InitializeMarket(c.Request.Context(), req)
		response.Handle(c, market, err)
	}
}

// GetMarketHandler returns a market and its trader table
// URL parameter: market_id
func (h *GinHandlers) GetMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		market, err := h.service.Market(c.Request.Context(), c.Param("market_id"))
		response.Handle(c, market, err)
	}
}

// CreateTraderHandler registers the caller in a market
// URL parameter: market_id
func (h *GinHandlers) CreateTraderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := auth.Principal(c)
		if principal == "" {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		trader, err := h.service.CreateTrader(c.Request.Context(), c.Param("market_id"), principal)
		response.Handle(c, trader, err)
	}
}

// CreateOrderHandler handles POST requests placing a limit order
// Request body should contain side, price and quantity; owner defaults to
// the caller
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := auth.Principal(c)
		if principal == "" {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var req CreateOrder
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.MarketID = c.Param("market_id")
		req.Principal = principal
		if req.Owner == "" {
			req.Owner = principal
		}

		order, err := h.service.CreateOrder(c.Request.Context(), req)
		response.Handle(c, order, err)
	}
}

// GetOpenOrdersHandler lists the caller's resting orders
// URL parameter: market_id
func (h *GinHandlers) GetOpenOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := auth.Principal(c)
		if principal == "" {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		marketID := c.Param("market_id")
		orders, err := h.service.OpenOrders(c.Request.Context(), marketID, principal)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, OrdersResponse{
			MarketID:  marketID,
			Principal: principal,
			Orders:    orders,
		})
	}
}
