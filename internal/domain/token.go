package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CurveParams defines a linear bonding curve: price(s) = BasePrice + Slope*s.
// Both values are in lamports per token base unit.
type CurveParams struct {
	BasePrice int64 // price at zero supply, > 0
	Slope     int64 // price increase per unit of supply, >= 0
}

// Token represents a tradable asset backed by a bonding curve.
// Corresponds to tokens table in PostgreSQL.
type Token struct {
	Address   string // program-derived address, immutable
	Symbol    string // immutable, unique case-insensitively
	Name      string
	Thesis    string // creator's pitch
	CreatorID string
	Curve     CurveParams

	// Curve state
	TotalSupply    int64 // token base units issued
	ReserveBalance int64 // lamports backing the supply

	// Derived, cached
	CurrentPrice      int64           // spot price at TotalSupply
	MarketCap         decimal.Decimal // TotalSupply * CurrentPrice, may exceed int64
	Volume24h         int64           // lamports traded in trailing window
	PriceChange24hBps int64           // basis points vs. price at window start
	HolderCount       int64
	TradeCount        int64

	CreatedAt int64 // ms
	UpdatedAt int64 // ms
}

// SymbolKey returns the uniqueness key for a symbol.
func SymbolKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SymbolKey returns the uniqueness key of the token's symbol.
func (t *Token) SymbolKey() string {
	return SymbolKey(t.Symbol)
}

// RefreshDerived recomputes MarketCap from TotalSupply and CurrentPrice.
func (t *Token) RefreshDerived() {
	t.MarketCap = decimal.NewFromInt(t.TotalSupply).Mul(decimal.NewFromInt(t.CurrentPrice))
}
