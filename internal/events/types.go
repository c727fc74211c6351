// Package events defines the notifications emitted after ledger state
// changes and the sinks that deliver them.
package events

import (
	"github.com/shopspring/decimal"

	"curve-market/internal/domain"
	"curve-market/internal/idhash"
)

// Type identifies an event variant on the wire.
type Type string

// Event types
const (
	TypeTrade        Type = "trade"
	TypeTokenCreated Type = "token_created"
	TypePriceUpdate  Type = "price_update"
)

// Event is one of TradeExecuted, TokenCreated or PriceUpdated.
// The set is closed: the unexported method prevents other implementations.
type Event interface {
	Type() Type
	ID() string
	Topic() string
	Envelope() Envelope
	event()
}

// TradeExecuted is emitted after a buy or sell commits.
type TradeExecuted struct {
	EventID      string
	TradeID      string
	TokenAddress string
	AgentID      string
	Side         domain.Side
	SolAmount    int64
	TokenAmount  int64
	AvgPrice     decimal.Decimal
	RealizedPnL  int64
	Price        int64 // spot price after the trade
	SupplyAfter  int64
	ReserveAfter int64
	Timestamp    int64 // ms
}

// TokenCreated is emitted after a token is inserted.
type TokenCreated struct {
	EventID      string
	TokenAddress string
	CreatorID    string
	Symbol       string
	Name         string
	BasePrice    int64
	Slope        int64
	Timestamp    int64
}

// PriceUpdated is emitted when a token's spot price or derived market
// figures change. AgentID is the trader when caused by a trade and empty
// when caused by the rollup.
type PriceUpdated struct {
	EventID           string
	TokenAddress      string
	AgentID           string
	Price             int64
	PreviousPrice     int64
	TotalSupply       int64
	MarketCap         decimal.Decimal
	PriceChange24hBps int64
	Timestamp         int64
}

func (TradeExecuted) event() {}
func (TokenCreated) event()  {}
func (PriceUpdated) event()  {}

func (TradeExecuted) Type() Type { return TypeTrade }
func (TokenCreated) Type() Type  { return TypeTokenCreated }
func (PriceUpdated) Type() Type  { return TypePriceUpdate }

func (e TradeExecuted) ID() string { return e.EventID }
func (e TokenCreated) ID() string  { return e.EventID }
func (e PriceUpdated) ID() string  { return e.EventID }

func (e TradeExecuted) Topic() string { return TradesTopic(e.TokenAddress) }
func (e TokenCreated) Topic() string  { return TopicTokens }
func (e PriceUpdated) Topic() string  { return PricesTopic(e.TokenAddress) }

// Topics
const (
	TopicTokens       = "tokens"
	topicTradesPrefix = "trades."
	topicPricesPrefix = "prices."
)

// TradesTopic returns the topic carrying trades of one token.
func TradesTopic(tokenAddress string) string {
	return topicTradesPrefix + tokenAddress
}

// PricesTopic returns the topic carrying price updates of one token.
func PricesTopic(tokenAddress string) string {
	return topicPricesPrefix + tokenAddress
}

// NewTradeExecuted builds the trade event for a settled trade.
func NewTradeExecuted(t *domain.Trade) TradeExecuted {
	return TradeExecuted{
		EventID:      idhash.ComputeEventID(string(TypeTrade), t.ID),
		TradeID:      t.ID,
		TokenAddress: t.TokenAddress,
		AgentID:      t.AgentID,
		Side:         t.Side,
		SolAmount:    t.SolAmount,
		TokenAmount:  t.TokenAmount,
		AvgPrice:     t.AvgPrice,
		RealizedPnL:  t.RealizedPnL,
		Price:        t.Price,
		SupplyAfter:  t.SupplyAfter,
		ReserveAfter: t.ReserveAfter,
		Timestamp:    t.CreatedAt,
	}
}

// NewTokenCreated builds the creation event for a token.
func NewTokenCreated(t *domain.Token) TokenCreated {
	return TokenCreated{
		EventID:      idhash.ComputeEventID(string(TypeTokenCreated), t.Address),
		TokenAddress: t.Address,
		CreatorID:    t.CreatorID,
		Symbol:       t.Symbol,
		Name:         t.Name,
		BasePrice:    t.Curve.BasePrice,
		Slope:        t.Curve.Slope,
		Timestamp:    t.CreatedAt,
	}
}

// NewPriceUpdated builds a price event from a token's state after a change.
// causeID is the trade id, or a rollup-specific id, and keeps the event id stable.
func NewPriceUpdated(t *domain.Token, previousPrice int64, agentID, causeID string) PriceUpdated {
	return PriceUpdated{
		EventID:           idhash.ComputeEventID(string(TypePriceUpdate), causeID),
		TokenAddress:      t.Address,
		AgentID:           agentID,
		Price:             t.CurrentPrice,
		PreviousPrice:     previousPrice,
		TotalSupply:       t.TotalSupply,
		MarketCap:         t.MarketCap,
		PriceChange24hBps: t.PriceChange24hBps,
		Timestamp:         t.UpdatedAt,
	}
}

// ToTrade reconstructs the ledger record carried by a trade event.
func (e TradeExecuted) ToTrade() *domain.Trade {
	return &domain.Trade{
		ID:           e.TradeID,
		TokenAddress: e.TokenAddress,
		AgentID:      e.AgentID,
		Side:         e.Side,
		SolAmount:    e.SolAmount,
		TokenAmount:  e.TokenAmount,
		Price:        e.Price,
		AvgPrice:     e.AvgPrice,
		RealizedPnL:  e.RealizedPnL,
		SupplyAfter:  e.SupplyAfter,
		ReserveAfter: e.ReserveAfter,
		CreatedAt:    e.Timestamp,
	}
}
