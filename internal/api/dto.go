package api

import (
	"github.com/shopspring/decimal"

	"curve-market/internal/domain"
	"curve-market/internal/settlement"
)

// lamportsPerSOL is the SOL display scale.
const lamportsPerSOL = 9

// sol formats a lamport amount as SOL.
func sol(lamports int64) string {
	return decimal.New(lamports, -lamportsPerSOL).String()
}

type curveJSON struct {
	BasePrice int64 `json:"basePrice"`
	Slope     int64 `json:"slope"`
}

type tokenJSON struct {
	Address           string    `json:"address"`
	Symbol            string    `json:"symbol"`
	Name              string    `json:"name"`
	Thesis            string    `json:"thesis,omitempty"`
	CreatorID         string    `json:"creatorId"`
	Curve             curveJSON `json:"curve"`
	TotalSupply       int64     `json:"totalSupply"`
	ReserveBalance    int64     `json:"reserveBalance"`
	CurrentPrice      int64     `json:"currentPrice"`
	CurrentPriceSOL   string    `json:"currentPriceSol"`
	MarketCap         string    `json:"marketCap"`
	Volume24h         int64     `json:"volume24h"`
	PriceChange24hBps int64     `json:"priceChange24hBps"`
	HolderCount       int64     `json:"holderCount"`
	TradeCount        int64     `json:"tradeCount"`
	CreatedAt         int64     `json:"createdAt"`
	UpdatedAt         int64     `json:"updatedAt"`
}

func toTokenJSON(t *domain.Token) tokenJSON {
	return tokenJSON{
		Address:           t.Address,
		Symbol:            t.Symbol,
		Name:              t.Name,
		Thesis:            t.Thesis,
		CreatorID:         t.CreatorID,
		Curve:             curveJSON{BasePrice: t.Curve.BasePrice, Slope: t.Curve.Slope},
		TotalSupply:       t.TotalSupply,
		ReserveBalance:    t.ReserveBalance,
		CurrentPrice:      t.CurrentPrice,
		CurrentPriceSOL:   sol(t.CurrentPrice),
		MarketCap:         t.MarketCap.String(),
		Volume24h:         t.Volume24h,
		PriceChange24hBps: t.PriceChange24hBps,
		HolderCount:       t.HolderCount,
		TradeCount:        t.TradeCount,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

type tradeJSON struct {
	ID           string      `json:"id"`
	TokenAddress string      `json:"tokenAddress"`
	AgentID      string      `json:"agentId"`
	Side         domain.Side `json:"side"`
	SolAmount    int64       `json:"solAmount"`
	TokenAmount  int64       `json:"tokenAmount"`
	Price        int64       `json:"price"`
	AvgPrice     string      `json:"avgPrice"`
	RealizedPnL  int64       `json:"realizedPnl"`
	SupplyAfter  int64       `json:"supplyAfter"`
	ReserveAfter int64       `json:"reserveAfter"`
	CreatedAt    int64       `json:"createdAt"`
}

func toTradeJSON(t *domain.Trade) tradeJSON {
	return tradeJSON{
		ID:           t.ID,
		TokenAddress: t.TokenAddress,
		AgentID:      t.AgentID,
		Side:         t.Side,
		SolAmount:    t.SolAmount,
		TokenAmount:  t.TokenAmount,
		Price:        t.Price,
		AvgPrice:     t.AvgPrice.String(),
		RealizedPnL:  t.RealizedPnL,
		SupplyAfter:  t.SupplyAfter,
		ReserveAfter: t.ReserveAfter,
		CreatedAt:    t.CreatedAt,
	}
}

func toTradesJSON(ts []*domain.Trade) []tradeJSON {
	out := make([]tradeJSON, 0, len(ts))
	for _, t := range ts {
		out = append(out, toTradeJSON(t))
	}
	return out
}

type positionJSON struct {
	AgentID      string `json:"agentId"`
	TokenAddress string `json:"tokenAddress"`
	Amount       int64  `json:"amount"`
	CostBasis    int64  `json:"costBasis"`
	RealizedPnL  int64  `json:"realizedPnl"`
	UpdatedAt    int64  `json:"updatedAt"`
}

func toPositionJSON(p *domain.Position) positionJSON {
	return positionJSON{
		AgentID:      p.AgentID,
		TokenAddress: p.TokenAddress,
		Amount:       p.Amount,
		CostBasis:    p.CostBasis,
		RealizedPnL:  p.RealizedPnL,
		UpdatedAt:    p.UpdatedAt,
	}
}

type balanceJSON struct {
	AgentID    string `json:"agentId"`
	Balance    int64  `json:"balance"`
	BalanceSOL string `json:"balanceSol"`
	UpdatedAt  int64  `json:"updatedAt"`
}

func toBalanceJSON(b *domain.AgentBalance) balanceJSON {
	return balanceJSON{
		AgentID:    b.AgentID,
		Balance:    b.Balance,
		BalanceSOL: sol(b.Balance),
		UpdatedAt:  b.UpdatedAt,
	}
}

type quoteJSON struct {
	TokenAddress    string      `json:"tokenAddress"`
	Side            domain.Side `json:"side"`
	SolAmount       int64       `json:"solAmount"`
	TokenAmount     int64       `json:"tokenAmount"`
	SpotPrice       int64       `json:"spotPrice"`
	PriceAfter      int64       `json:"priceAfter"`
	AvgPrice        string      `json:"avgPrice"`
	SlippagePercent string      `json:"slippagePercent"`
	Refund          int64       `json:"refund,omitempty"`
}

func toQuoteJSON(q *settlement.Quote) quoteJSON {
	return quoteJSON{
		TokenAddress:    q.TokenAddress,
		Side:            q.Side,
		SolAmount:       q.SolAmount,
		TokenAmount:     q.TokenAmount,
		SpotPrice:       q.SpotPrice,
		PriceAfter:      q.PriceAfter,
		AvgPrice:        q.AvgPrice.String(),
		SlippagePercent: q.SlippagePercent.String(),
		Refund:          q.Refund,
	}
}

// Request bodies.

type createTokenBody struct {
	Name       string     `json:"name" binding:"required"`
	Symbol     string     `json:"symbol" binding:"required"`
	Thesis     string     `json:"thesis"`
	Curve      *curveJSON `json:"curve"`
	InitialBuy int64      `json:"initialBuy"`
}

type buyBody struct {
	SolAmount          int64            `json:"solAmount"`
	TokenAmount        int64            `json:"tokenAmount"`
	MaxSlippagePercent *decimal.Decimal `json:"maxSlippagePercent"`
}

type sellBody struct {
	TokenAmount        int64            `json:"tokenAmount" binding:"required"`
	MaxSlippagePercent *decimal.Decimal `json:"maxSlippagePercent"`
}

type creditBody struct {
	Amount int64 `json:"amount" binding:"required"`
}
