// Package api exposes settlement and the ledger read models over HTTP.
// Callers are authenticated upstream; the agent id arrives in X-Agent-ID.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"curve-market/internal/domain"
	"curve-market/internal/settlement"
	"curve-market/internal/storage"
)

// AgentHeader carries the authenticated caller.
const AgentHeader = "X-Agent-ID"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler serves the HTTP API.
type Handler struct {
	engine *settlement.Engine
	ledger storage.Ledger
	ws     http.Handler
	logger *zap.Logger
}

// Options contains configuration for creating a Handler.
type Options struct {
	Engine *settlement.Engine
	Ledger storage.Ledger
	// WebSocket serves GET /ws. Nil leaves the route unregistered.
	WebSocket http.Handler
	Logger    *zap.Logger
}

// NewHandler creates a new Handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine: opts.Engine,
		ledger: opts.Ledger,
		ws:     opts.WebSocket,
		logger: logger.Named("api"),
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateToken creates a token for the calling agent, optionally with an
// initial buy settled in the same transaction.
func (h *Handler) CreateToken(c *gin.Context) {
	agentID, ok := requireAgent(c)
	if !ok {
		return
	}

	var body createTokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}

	req := settlement.CreateTokenRequest{
		CreatorID:  agentID,
		Name:       body.Name,
		Symbol:     body.Symbol,
		Thesis:     body.Thesis,
		InitialBuy: body.InitialBuy,
	}
	if body.Curve != nil {
		req.Curve = &domain.CurveParams{BasePrice: body.Curve.BasePrice, Slope: body.Curve.Slope}
	}

	res, err := h.engine.CreateToken(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{"token": toTokenJSON(res.Token)}
	if b := res.InitialBuy; b != nil {
		resp["initialBuy"] = gin.H{
			"trade":  toTradeJSON(b.Trade),
			"refund": b.Refund,
		}
	}
	c.JSON(http.StatusCreated, resp)
}

// ListTokens returns a page of tokens ordered by ?order= (created_at,
// market_cap or volume_24h).
func (h *Handler) ListTokens(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}

	order := storage.TokenOrder(c.DefaultQuery("order", string(storage.OrderByCreatedAt)))
	switch order {
	case storage.OrderByCreatedAt, storage.OrderByMarketCap, storage.OrderByVolume:
	default:
		badRequest(c, "order must be one of created_at, market_cap, volume_24h")
		return
	}

	tokens, err := h.ledger.ListTokens(c.Request.Context(), storage.ListTokensOptions{
		OrderBy: order,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]tokenJSON, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, toTokenJSON(t))
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out})
}

// GetToken returns a token by address.
func (h *Handler) GetToken(c *gin.Context) {
	tok, err := h.ledger.GetToken(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.fail(c, notFound(err, "token", c.Param("address")))
		return
	}
	c.JSON(http.StatusOK, toTokenJSON(tok))
}

// ListTrades returns a token's most recent trades, newest first.
func (h *Handler) ListTrades(c *gin.Context) {
	limit, _, ok := pagination(c)
	if !ok {
		return
	}
	address := c.Param("address")
	ctx := c.Request.Context()

	if _, err := h.ledger.GetToken(ctx, address); err != nil {
		h.fail(c, notFound(err, "token", address))
		return
	}
	trades, err := h.ledger.ListTradesByToken(ctx, address, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": toTradesJSON(trades)})
}

// ListHolders returns the positions of a token with a positive amount.
func (h *Handler) ListHolders(c *gin.Context) {
	address := c.Param("address")
	ctx := c.Request.Context()

	if _, err := h.ledger.GetToken(ctx, address); err != nil {
		h.fail(c, notFound(err, "token", address))
		return
	}
	positions, err := h.ledger.ListPositionsByToken(ctx, address)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		if p.IsHolder() {
			out = append(out, toPositionJSON(p))
		}
	}
	c.JSON(http.StatusOK, gin.H{"holders": out})
}

// Buy settles a buy for the calling agent. The body carries either a
// lamport budget (solAmount) or an exact unit count (tokenAmount).
func (h *Handler) Buy(c *gin.Context) {
	agentID, ok := requireAgent(c)
	if !ok {
		return
	}
	var body buyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.engine.Buy(c.Request.Context(), settlement.BuyRequest{
		TokenAddress:       c.Param("address"),
		AgentID:            agentID,
		SolAmount:          body.SolAmount,
		TokenAmount:        body.TokenAmount,
		MaxSlippagePercent: body.MaxSlippagePercent,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trade":    toTradeJSON(res.Trade),
		"token":    toTokenJSON(res.Token),
		"position": toPositionJSON(res.Position),
		"balance":  toBalanceJSON(res.Balance),
		"refund":   res.Refund,
	})
}

// Sell settles a sell of tokenAmount units for the calling agent.
func (h *Handler) Sell(c *gin.Context) {
	agentID, ok := requireAgent(c)
	if !ok {
		return
	}
	var body sellBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.engine.Sell(c.Request.Context(), settlement.SellRequest{
		TokenAddress:       c.Param("address"),
		AgentID:            agentID,
		TokenAmount:        body.TokenAmount,
		MaxSlippagePercent: body.MaxSlippagePercent,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trade":       toTradeJSON(res.Trade),
		"token":       toTokenJSON(res.Token),
		"position":    toPositionJSON(res.Position),
		"balance":     toBalanceJSON(res.Balance),
		"realizedPnl": res.RealizedPnL,
	})
}

// QuoteBuy prices a buy of ?sol= lamports or ?tokens= units without settling it.
func (h *Handler) QuoteBuy(c *gin.Context) {
	solAmount, ok := int64Query(c, "sol")
	if !ok {
		return
	}
	tokenAmount, ok := int64Query(c, "tokens")
	if !ok {
		return
	}

	q, err := h.engine.QuoteBuy(c.Request.Context(), settlement.BuyRequest{
		TokenAddress: c.Param("address"),
		AgentID:      c.GetHeader(AgentHeader),
		SolAmount:    solAmount,
		TokenAmount:  tokenAmount,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toQuoteJSON(q))
}

// QuoteSell prices a sell of ?tokens= units without settling it.
func (h *Handler) QuoteSell(c *gin.Context) {
	tokenAmount, ok := int64Query(c, "tokens")
	if !ok {
		return
	}

	q, err := h.engine.QuoteSell(c.Request.Context(), settlement.SellRequest{
		TokenAddress: c.Param("address"),
		AgentID:      c.GetHeader(AgentHeader),
		TokenAmount:  tokenAmount,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toQuoteJSON(q))
}

// ListPositions returns every position of an agent, including emptied ones.
func (h *Handler) ListPositions(c *gin.Context) {
	positions, err := h.ledger.ListPositionsByAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionJSON(p))
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

// ListAgentTrades returns an agent's most recent trades, newest first.
func (h *Handler) ListAgentTrades(c *gin.Context) {
	limit, _, ok := pagination(c)
	if !ok {
		return
	}
	trades, err := h.ledger.ListTradesByAgent(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": toTradesJSON(trades)})
}

// GetTrade returns a single trade by id.
func (h *Handler) GetTrade(c *gin.Context) {
	tr, err := h.ledger.GetTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, notFound(err, "trade", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, toTradeJSON(tr))
}

// GetBalance returns an agent's lamport balance.
func (h *Handler) GetBalance(c *gin.Context) {
	b, err := h.ledger.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, notFound(err, "agent", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, toBalanceJSON(b))
}

// Credit funds an agent. It is the entry point of the external funding
// collaborator and is expected to sit behind separate access control.
func (h *Handler) Credit(c *gin.Context) {
	var body creditBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	if body.Amount <= 0 {
		badRequest(c, "amount must be positive")
		return
	}

	b, err := h.ledger.Credit(c.Request.Context(), c.Param("id"), body.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("Agent credited",
		zap.String("agent", b.AgentID),
		zap.Int64("amount", body.Amount),
		zap.Int64("balance", b.Balance))
	c.JSON(http.StatusOK, toBalanceJSON(b))
}

// WebSocket upgrades the request and hands it to the push hub.
func (h *Handler) WebSocket(c *gin.Context) {
	h.ws.ServeHTTP(c.Writer, c.Request)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Status maps a settlement error kind to its HTTP status.
func Status(kind settlement.Kind) int {
	switch kind {
	case settlement.KindValidation:
		return http.StatusBadRequest
	case settlement.KindNotFound:
		return http.StatusNotFound
	case settlement.KindInsufficientBalance,
		settlement.KindInsufficientHoldings,
		settlement.KindInsufficientReserve,
		settlement.KindSlippageExceeded:
		return http.StatusUnprocessableEntity
	case settlement.KindTokenAlreadyExists:
		return http.StatusConflict
	case settlement.KindConcurrencyConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrInvalidInput) {
		badRequest(c, err.Error())
		return
	}

	kind := settlement.KindOf(err)
	status := Status(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorBody{Error: msg, Kind: string(kind)})
}

// notFound converts a storage miss into the settlement taxonomy.
func notFound(err error, entity, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &settlement.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: msg, Kind: string(settlement.KindValidation)})
}

func requireAgent(c *gin.Context) (string, bool) {
	agentID := strings.TrimSpace(c.GetHeader(AgentHeader))
	if agentID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: AgentHeader + " header required", Kind: "unauthenticated"})
		return "", false
	}
	return agentID, true
}

func int64Query(c *gin.Context, key string) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		badRequest(c, key+" must be an integer")
		return 0, false
	}
	return v, true
}

func pagination(c *gin.Context) (limit, offset int, ok bool) {
	limit = defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			badRequest(c, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(v, maxListLimit)
	}
	if raw := c.Query("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = v
	}
	return limit, offset, true
}

