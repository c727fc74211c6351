package domain

import "github.com/shopspring/decimal"

// Side is the direction of a trade.
type Side string

// Trade sides
const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// IsValid checks if the side is a valid value.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// Trade is an immutable record of one settled buy or sell.
// Corresponds to trades table in PostgreSQL.
type Trade struct {
	ID           string
	TokenAddress string
	AgentID      string
	Side         Side
	SolAmount    int64           // lamports paid (buy) or received (sell)
	TokenAmount  int64           // token base units bought or sold
	Price        int64           // spot price after the trade
	AvgPrice     decimal.Decimal // SolAmount / TokenAmount
	RealizedPnL  int64           // sells only
	SupplyAfter  int64
	ReserveAfter int64
	CreatedAt    int64 // ms
}

// WindowStats is a windowed aggregate over the trade ledger of one token.
type WindowStats struct {
	TokenAddress string
	Start        int64 // ms, inclusive
	End          int64 // ms, inclusive
	Volume       int64 // lamports
	BuyVolume    int64
	SellVolume   int64
	TradeCount   int64

	// ReferencePrice is the spot price at Start: the resulting price of the
	// last trade at or before Start. HasReference is false when there is none.
	ReferencePrice int64
	HasReference   bool
}
