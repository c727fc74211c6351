package events

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"curve-market/internal/domain"
)

// Envelope is the wire form shared by all event variants:
// {type, id, tokenAddress, agentId, amounts, resultingPrice, timestamp}.
type Envelope struct {
	Type           Type    `json:"type"`
	ID             string  `json:"id"`
	TokenAddress   string  `json:"tokenAddress"`
	AgentID        string  `json:"agentId,omitempty"`
	Amounts        Amounts `json:"amounts"`
	ResultingPrice int64   `json:"resultingPrice"`
	Timestamp      int64   `json:"timestamp"`
}

// Amounts holds the variant-specific quantities. Lamport and unit amounts
// are integers; decimals are encoded as strings.
type Amounts struct {
	// trade
	TradeID      string           `json:"tradeId,omitempty"`
	Side         domain.Side      `json:"side,omitempty"`
	Sol          int64            `json:"sol,omitempty"`
	Tokens       int64            `json:"tokens,omitempty"`
	AvgPrice     *decimal.Decimal `json:"avgPrice,omitempty"`
	RealizedPnL  int64            `json:"realizedPnl,omitempty"`
	SupplyAfter  int64            `json:"supplyAfter,omitempty"`
	ReserveAfter int64            `json:"reserveAfter,omitempty"`

	// token_created
	Symbol    string `json:"symbol,omitempty"`
	Name      string `json:"name,omitempty"`
	BasePrice int64  `json:"basePrice,omitempty"`
	Slope     int64  `json:"slope,omitempty"`

	// price_update
	PreviousPrice     int64            `json:"previousPrice,omitempty"`
	TotalSupply       int64            `json:"totalSupply,omitempty"`
	MarketCap         *decimal.Decimal `json:"marketCap,omitempty"`
	PriceChange24hBps int64            `json:"priceChange24hBps,omitempty"`
}

// Envelope returns the wire form of the event.
func (e TradeExecuted) Envelope() Envelope {
	avg := e.AvgPrice
	return Envelope{
		Type:         TypeTrade,
		ID:           e.EventID,
		TokenAddress: e.TokenAddress,
		AgentID:      e.AgentID,
		Amounts: Amounts{
			TradeID:      e.TradeID,
			Side:         e.Side,
			Sol:          e.SolAmount,
			Tokens:       e.TokenAmount,
			AvgPrice:     &avg,
			RealizedPnL:  e.RealizedPnL,
			SupplyAfter:  e.SupplyAfter,
			ReserveAfter: e.ReserveAfter,
		},
		ResultingPrice: e.Price,
		Timestamp:      e.Timestamp,
	}
}

// Envelope returns the wire form of the event. The creator is the agent.
func (e TokenCreated) Envelope() Envelope {
	return Envelope{
		Type:         TypeTokenCreated,
		ID:           e.EventID,
		TokenAddress: e.TokenAddress,
		AgentID:      e.CreatorID,
		Amounts: Amounts{
			Symbol:    e.Symbol,
			Name:      e.Name,
			BasePrice: e.BasePrice,
			Slope:     e.Slope,
		},
		ResultingPrice: e.BasePrice,
		Timestamp:      e.Timestamp,
	}
}

// Envelope returns the wire form of the event.
func (e PriceUpdated) Envelope() Envelope {
	mc := e.MarketCap
	return Envelope{
		Type:         TypePriceUpdate,
		ID:           e.EventID,
		TokenAddress: e.TokenAddress,
		AgentID:      e.AgentID,
		Amounts: Amounts{
			PreviousPrice:     e.PreviousPrice,
			TotalSupply:       e.TotalSupply,
			MarketCap:         &mc,
			PriceChange24hBps: e.PriceChange24hBps,
		},
		ResultingPrice: e.Price,
		Timestamp:      e.Timestamp,
	}
}

// Marshal encodes an event as its JSON envelope.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(ev.Envelope())
}

// Unmarshal decodes a JSON envelope back into its event variant.
func Unmarshal(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	a := env.Amounts
	switch env.Type {
	case TypeTrade:
		ev := TradeExecuted{
			EventID:      env.ID,
			TradeID:      a.TradeID,
			TokenAddress: env.TokenAddress,
			AgentID:      env.AgentID,
			Side:         a.Side,
			SolAmount:    a.Sol,
			TokenAmount:  a.Tokens,
			RealizedPnL:  a.RealizedPnL,
			Price:        env.ResultingPrice,
			SupplyAfter:  a.SupplyAfter,
			ReserveAfter: a.ReserveAfter,
			Timestamp:    env.Timestamp,
		}
		if a.AvgPrice != nil {
			ev.AvgPrice = *a.AvgPrice
		}
		return ev, nil
	case TypeTokenCreated:
		return TokenCreated{
			EventID:      env.ID,
			TokenAddress: env.TokenAddress,
			CreatorID:    env.AgentID,
			Symbol:       a.Symbol,
			Name:         a.Name,
			BasePrice:    a.BasePrice,
			Slope:        a.Slope,
			Timestamp:    env.Timestamp,
		}, nil
	case TypePriceUpdate:
		ev := PriceUpdated{
			EventID:           env.ID,
			TokenAddress:      env.TokenAddress,
			AgentID:           env.AgentID,
			Price:             env.ResultingPrice,
			PreviousPrice:     a.PreviousPrice,
			TotalSupply:       a.TotalSupply,
			PriceChange24hBps: a.PriceChange24hBps,
			Timestamp:         env.Timestamp,
		}
		if a.MarketCap != nil {
			ev.MarketCap = *a.MarketCap
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
