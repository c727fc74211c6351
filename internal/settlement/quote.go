package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"curve-market/internal/curve"
	"curve-market/internal/domain"
	"curve-market/internal/storage"
)

// Quote previews a trade at the token's current state. Nothing is locked
// or written, so a later trade may settle at different numbers.
type Quote struct {
	TokenAddress string
	Side         domain.Side
	SolAmount    int64 // cost of a buy or proceeds of a sell
	TokenAmount  int64
	SpotPrice    int64 // before the trade
	PriceAfter   int64
	AvgPrice     decimal.Decimal

	// SlippagePercent is the deviation of AvgPrice from SpotPrice against
	// the trader, in percent.
	SlippagePercent decimal.Decimal

	// Refund is the unspent part of a SolAmount budget.
	Refund int64
}

// QuoteBuy prices req without settling it. Balances are not checked.
func (e *Engine) QuoteBuy(ctx context.Context, req BuyRequest) (*Quote, error) {
	if req.AgentID == "" {
		req.AgentID = "-"
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	tok, err := e.quoteToken(ctx, req.TokenAddress)
	if err != nil {
		return nil, err
	}

	var units, cost int64
	if req.SolAmount > 0 {
		units, cost, err = curve.MaxUnitsForBudget(tok.Curve, tok.TotalSupply, req.SolAmount)
		if err != nil {
			return nil, curveError("sol_amount", err)
		}
		if units == 0 {
			return nil, &ValidationError{Field: "sol_amount", Reason: "budget does not cover one unit"}
		}
	} else {
		units = req.TokenAmount
		cost, err = curve.CostToBuy(tok.Curve, tok.TotalSupply, units)
		if err != nil {
			return nil, curveError("token_amount", err)
		}
	}

	after, err := curve.PriceAt(tok.Curve, tok.TotalSupply+units)
	if err != nil {
		return nil, curveError("token_amount", err)
	}

	q := &Quote{
		TokenAddress:    tok.Address,
		Side:            domain.SideBuy,
		SolAmount:       cost,
		TokenAmount:     units,
		SpotPrice:       tok.CurrentPrice,
		PriceAfter:      after,
		AvgPrice:        avgPrice(cost, units),
		SlippagePercent: slippagePercent(tok.CurrentPrice, cost, units, domain.SideBuy),
	}
	if req.SolAmount > 0 {
		q.Refund = req.SolAmount - cost
	}
	return q, nil
}

// QuoteSell prices req without settling it. Holdings are not checked.
func (e *Engine) QuoteSell(ctx context.Context, req SellRequest) (*Quote, error) {
	if req.AgentID == "" {
		req.AgentID = "-"
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	tok, err := e.quoteToken(ctx, req.TokenAddress)
	if err != nil {
		return nil, err
	}

	proceeds, err := curve.ProceedsFromSell(tok.Curve, tok.TotalSupply, req.TokenAmount)
	if err != nil {
		return nil, curveError("token_amount", err)
	}
	after, err := curve.PriceAt(tok.Curve, tok.TotalSupply-req.TokenAmount)
	if err != nil {
		return nil, fmt.Errorf("price after sell: %w", err)
	}

	return &Quote{
		TokenAddress:    tok.Address,
		Side:            domain.SideSell,
		SolAmount:       proceeds,
		TokenAmount:     req.TokenAmount,
		SpotPrice:       tok.CurrentPrice,
		PriceAfter:      after,
		AvgPrice:        avgPrice(proceeds, req.TokenAmount),
		SlippagePercent: slippagePercent(tok.CurrentPrice, proceeds, req.TokenAmount, domain.SideSell),
	}, nil
}

func (e *Engine) quoteToken(ctx context.Context, address string) (*domain.Token, error) {
	tok, err := e.ledger.GetToken(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &NotFoundError{Entity: "token", ID: address}
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return tok, nil
}
