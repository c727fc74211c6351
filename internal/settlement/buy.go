package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"curve-market/internal/curve"
	"curve-market/internal/domain"
	"curve-market/internal/events"
	"curve-market/internal/observability"
	"curve-market/internal/storage"
)

// BuyRequest buys tokens from the curve. Exactly one of SolAmount (spend
// at most this budget) or TokenAmount (buy exactly this many units) is set.
type BuyRequest struct {
	TokenAddress string
	AgentID      string
	SolAmount    int64
	TokenAmount  int64

	// MaxSlippagePercent bounds how far the executed average price may sit
	// above the pre-trade spot price, in percent. Nil disables the check.
	MaxSlippagePercent *decimal.Decimal
}

// BuyResult is the committed outcome of a buy.
type BuyResult struct {
	Trade    *domain.Trade
	Token    *domain.Token
	Position *domain.Position
	Balance  *domain.AgentBalance

	// Refund is the part of SolAmount that bought no whole unit and was
	// never debited.
	Refund int64
}

func (r BuyRequest) validate() error {
	if r.TokenAddress == "" {
		return &ValidationError{Field: "token_address", Reason: "required"}
	}
	if r.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if r.SolAmount < 0 {
		return &ValidationError{Field: "sol_amount", Reason: "must be positive"}
	}
	if r.TokenAmount < 0 {
		return &ValidationError{Field: "token_amount", Reason: "must be positive"}
	}
	if (r.SolAmount > 0) == (r.TokenAmount > 0) {
		return &ValidationError{Field: "sol_amount", Reason: "exactly one of sol_amount or token_amount must be positive"}
	}
	return validateSlippage(r.MaxSlippagePercent)
}

func validateSlippage(max *decimal.Decimal) error {
	if max != nil && max.IsNegative() {
		return &ValidationError{Field: "max_slippage_percent", Reason: "must not be negative"}
	}
	return nil
}

// Buy settles a buy.
func (e *Engine) Buy(ctx context.Context, req BuyRequest) (*BuyResult, error) {
	start := time.Now()
	res, err := e.buy(ctx, req)
	e.record(domain.SideBuy, start, err,
		zap.String("token", req.TokenAddress),
		zap.String("agent", req.AgentID))
	return res, err
}

func (e *Engine) buy(ctx context.Context, req BuyRequest) (*BuyResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock := e.lockTrade(req.TokenAddress, req.AgentID)
	defer unlock()

	var res *BuyResult
	var prevPrice int64
	err := e.runTx(ctx, "buy", func(ctx context.Context, tx storage.Tx) error {
		tok, err := tx.LockToken(ctx, req.TokenAddress)
		if errors.Is(err, storage.ErrNotFound) {
			return &NotFoundError{Entity: "token", ID: req.TokenAddress}
		}
		if err != nil {
			return fmt.Errorf("lock token: %w", err)
		}

		prevPrice = tok.CurrentPrice
		r, err := e.settleBuy(ctx, tx, tok, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.RecordVolume(string(res.Trade.Side), res.Trade.SolAmount)
	e.logger.Debug("Buy settled",
		zap.String("token", res.Trade.TokenAddress),
		zap.String("agent", res.Trade.AgentID),
		zap.Int64("sol", res.Trade.SolAmount),
		zap.Int64("tokens", res.Trade.TokenAmount),
		zap.Int64("price", res.Trade.Price),
		zap.Int64("refund", res.Refund))

	e.publish(ctx,
		events.NewTradeExecuted(res.Trade),
		events.NewPriceUpdated(res.Token, prevPrice, res.Trade.AgentID, res.Trade.ID))

	return res, nil
}

// settleBuy applies a buy to a locked token inside tx. It is shared by Buy
// and the creator's initial buy in CreateToken.
func (e *Engine) settleBuy(ctx context.Context, tx storage.Tx, tok *domain.Token, req BuyRequest) (*BuyResult, error) {
	bal, err := tx.LockBalance(ctx, req.AgentID)
	if errors.Is(err, storage.ErrNotFound) {
		bal = &domain.AgentBalance{AgentID: req.AgentID}
	} else if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}

	var units, cost int64
	if req.SolAmount > 0 {
		if bal.Balance < req.SolAmount {
			return nil, &InsufficientBalanceError{Required: req.SolAmount, Available: bal.Balance}
		}
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
		if bal.Balance < cost {
			return nil, &InsufficientBalanceError{Required: cost, Available: bal.Balance}
		}
	}

	spot := tok.CurrentPrice
	if err := checkSlippage(spot, cost, units, req.MaxSlippagePercent, domain.SideBuy); err != nil {
		return nil, err
	}

	newSupply := tok.TotalSupply + units
	newPrice, err := curve.PriceAt(tok.Curve, newSupply)
	if err != nil {
		return nil, curveError("token_amount", err)
	}
	if tok.ReserveBalance > maxInt64-cost {
		return nil, curveError("sol_amount", curve.ErrOverflow)
	}

	now := e.now()

	pos, err := tx.GetPosition(ctx, req.AgentID, tok.Address)
	if errors.Is(err, storage.ErrNotFound) {
		pos = &domain.Position{AgentID: req.AgentID, TokenAddress: tok.Address}
	} else if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	wasHolder := pos.IsHolder()
	pos.Amount += units
	pos.CostBasis += cost
	pos.UpdatedAt = now

	bal.Balance -= cost
	bal.UpdatedAt = now

	tok.TotalSupply = newSupply
	tok.ReserveBalance += cost
	tok.CurrentPrice = newPrice
	tok.Volume24h += cost
	tok.TradeCount++
	if !wasHolder {
		tok.HolderCount++
	}
	tok.UpdatedAt = now
	tok.RefreshDerived()

	trade := &domain.Trade{
		ID:           e.newID(),
		TokenAddress: tok.Address,
		AgentID:      req.AgentID,
		Side:         domain.SideBuy,
		SolAmount:    cost,
		TokenAmount:  units,
		Price:        newPrice,
		AvgPrice:     avgPrice(cost, units),
		SupplyAfter:  tok.TotalSupply,
		ReserveAfter: tok.ReserveBalance,
		CreatedAt:    now,
	}

	if err := tx.UpdateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("update token: %w", err)
	}
	if err := tx.UpdateBalance(ctx, bal); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("upsert position: %w", err)
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	var refund int64
	if req.SolAmount > 0 {
		refund = req.SolAmount - cost
	}

	return &BuyResult{
		Trade:    trade,
		Token:    tok,
		Position: pos,
		Balance:  bal,
		Refund:   refund,
	}, nil
}
