package app

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ephemeral/internal/auth"
	"github.com/ksred/klear-ephemeral/internal/delegation"
	"github.com/ksred/klear-ephemeral/internal/feed"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/ksred/klear-ephemeral/pkg/middleware"
)

// setupRoutes configures all API endpoints and their handlers.
//   - Auth routes: public token endpoint
//   - /{durable,fast}/markets: trader operations, JWT protected
//   - /internal: matching and the delegation lifecycle, operator tokens only
//   - /ws/trades: public trade feed
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	perContext map[types.Context]contextHandlers,
	delegationHandlers *delegation.GinHandlers,
	hub *feed.Hub,
) {
	authHandlers := auth.NewGinHandlers(authService)

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		authGroup.Use(middleware.RateLimit())
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Market routes, one tree per execution context
		for c, h := range perContext {
			markets := v1.Group("/" + string(c) + "/markets")
			markets.Use(middleware.JWTAuth(authService), middleware.RateLimit())
			{
				markets.POST("", h.orderbook.InitializeMarketHandler())
				markets.GET("/:market_id", h.orderbook.GetMarketHandler())
				markets.POST("/:market_id/traders", h.orderbook.CreateTraderHandler())
				markets.GET("/:market_id/traders/me", h.ledger.GetTraderHandler())
				markets.POST("/:market_id/deposit", h.ledger.DepositHandler())
				markets.POST("/:market_id/withdraw", h.ledger.WithdrawHandler())
				markets.POST("/:market_id/orders", h.orderbook.CreateOrderHandler())
				markets.GET("/:market_id/orders", h.orderbook.GetOpenOrdersHandler())
			}
		}

		// Internal routes (operator credentials only)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(authService), middleware.RateLimit())
		{
			for c, h := range perContext {
				if h.matching == nil {
					continue
				}
				internal.POST("/"+string(c)+"/markets/:market_id/match", h.matching.MatchOrderHandler())
			}

			internal.GET("/delegation", delegationHandlers.GetStateHandler())
			internal.POST("/delegation/delegate", delegationHandlers.DelegateHandler())
			internal.POST("/delegation/undelegate", delegationHandlers.UndelegateHandler())
			internal.POST("/delegation/commit", delegationHandlers.CommitHandler())
		}
	}

	if hub != nil {
		router.GET("/ws/trades", gin.WrapH(hub))
	}
}
