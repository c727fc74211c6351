package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))

	r.GET("/health", h.Health)

	tokens := r.Group("/tokens")
	{
		tokens.POST("", h.CreateToken)
		tokens.GET("", h.ListTokens)
		tokens.GET("/:address", h.GetToken)
		tokens.GET("/:address/trades", h.ListTrades)
		tokens.GET("/:address/holders", h.ListHolders)
		tokens.POST("/:address/buy", h.Buy)
		tokens.POST("/:address/sell", h.Sell)
		tokens.GET("/:address/quote/buy", h.QuoteBuy)
		tokens.GET("/:address/quote/sell", h.QuoteSell)
	}

	agents := r.Group("/agents")
	{
		agents.GET("/:id/positions", h.ListPositions)
		agents.GET("/:id/trades", h.ListAgentTrades)
		agents.GET("/:id/balance", h.GetBalance)
		agents.POST("/:id/credit", h.Credit)
	}

	r.GET("/trades/:id", h.GetTrade)

	if h.ws != nil {
		r.GET("/ws", h.WebSocket)
	}

	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("agent", c.GetHeader(AgentHeader)),
			zap.Duration("took", time.Since(start)))
	}
}
