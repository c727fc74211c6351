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

// SellRequest sells TokenAmount units back to the curve.
type SellRequest struct {
	TokenAddress string
	AgentID      string
	TokenAmount  int64

	// MaxSlippagePercent bounds how far the executed average price may sit
	// below the pre-trade spot price, in percent. Nil disables the check.
	MaxSlippagePercent *decimal.Decimal
}

// SellResult is the committed outcome of a sell.
type SellResult struct {
	Trade    *domain.Trade
	Token    *domain.Token
	Position *domain.Position
	Balance  *domain.AgentBalance

	// RealizedPnL is proceeds minus the cost basis released by this sell.
	RealizedPnL int64
}

func (r SellRequest) validate() error {
	if r.TokenAddress == "" {
		return &ValidationError{Field: "token_address", Reason: "required"}
	}
	if r.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if r.TokenAmount <= 0 {
		return &ValidationError{Field: "token_amount", Reason: "must be positive"}
	}
	return validateSlippage(r.MaxSlippagePercent)
}

// Sell settles a sell.
func (e *Engine) Sell(ctx context.Context, req SellRequest) (*SellResult, error) {
	start := time.Now()
	res, err := e.sell(ctx, req)
	e.record(domain.SideSell, start, err,
		zap.String("token", req.TokenAddress),
		zap.String("agent", req.AgentID))
	return res, err
}

func (e *Engine) sell(ctx context.Context, req SellRequest) (*SellResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock := e.lockTrade(req.TokenAddress, req.AgentID)
	defer unlock()

	var res *SellResult
	var prevPrice int64
	err := e.runTx(ctx, "sell", func(ctx context.Context, tx storage.Tx) error {
		tok, err := tx.LockToken(ctx, req.TokenAddress)
		if errors.Is(err, storage.ErrNotFound) {
			return &NotFoundError{Entity: "token", ID: req.TokenAddress}
		}
		if err != nil {
			return fmt.Errorf("lock token: %w", err)
		}
		prevPrice = tok.CurrentPrice

		r, err := e.settleSell(ctx, tx, tok, req)
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
	e.logger.Debug("Sell settled",
		zap.String("token", res.Trade.TokenAddress),
		zap.String("agent", res.Trade.AgentID),
		zap.Int64("sol", res.Trade.SolAmount),
		zap.Int64("tokens", res.Trade.TokenAmount),
		zap.Int64("price", res.Trade.Price),
		zap.Int64("pnl", res.RealizedPnL))

	e.publish(ctx,
		events.NewTradeExecuted(res.Trade),
		events.NewPriceUpdated(res.Token, prevPrice, res.Trade.AgentID, res.Trade.ID))

	return res, nil
}

func (e *Engine) settleSell(ctx context.Context, tx storage.Tx, tok *domain.Token, req SellRequest) (*SellResult, error) {
	pos, err := tx.GetPosition(ctx, req.AgentID, tok.Address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &InsufficientHoldingsError{Requested: req.TokenAmount, Held: 0}
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	if pos.Amount < req.TokenAmount {
		return nil, &InsufficientHoldingsError{Requested: req.TokenAmount, Held: pos.Amount}
	}

	units := req.TokenAmount
	proceeds, err := curve.ProceedsFromSell(tok.Curve, tok.TotalSupply, units)
	if err != nil {
		return nil, curveError("token_amount", err)
	}
	if proceeds > tok.ReserveBalance {
		return nil, &InsufficientReserveError{Required: proceeds, Available: tok.ReserveBalance}
	}

	spot := tok.CurrentPrice
	if err := checkSlippage(spot, proceeds, units, req.MaxSlippagePercent, domain.SideSell); err != nil {
		return nil, err
	}

	bal, err := tx.LockBalance(ctx, req.AgentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &NotFoundError{Entity: "agent", ID: req.AgentID}
	}
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	if bal.Balance > maxInt64-proceeds {
		return nil, curveError("token_amount", curve.ErrOverflow)
	}

	newSupply := tok.TotalSupply - units
	newPrice, err := curve.PriceAt(tok.Curve, newSupply)
	if err != nil {
		return nil, fmt.Errorf("price after sell: %w", err)
	}

	now := e.now()

	removed := basisRemoved(pos.CostBasis, units, pos.Amount)
	pnl := proceeds - removed

	pos.Amount -= units
	pos.CostBasis -= removed
	pos.RealizedPnL += pnl
	pos.UpdatedAt = now

	bal.Balance += proceeds
	bal.UpdatedAt = now

	tok.TotalSupply = newSupply
	tok.ReserveBalance -= proceeds
	tok.CurrentPrice = newPrice
	tok.Volume24h += proceeds
	tok.TradeCount++
	if !pos.IsHolder() && tok.HolderCount > 0 {
		tok.HolderCount--
	}
	tok.UpdatedAt = now
	tok.RefreshDerived()

	trade := &domain.Trade{
		ID:           e.newID(),
		TokenAddress: tok.Address,
		AgentID:      req.AgentID,
		Side:         domain.SideSell,
		SolAmount:    proceeds,
		TokenAmount:  units,
		Price:        newPrice,
		AvgPrice:     avgPrice(proceeds, units),
		RealizedPnL:  pnl,
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

	return &SellResult{
		Trade:       trade,
		Token:       tok,
		Position:    pos,
		Balance:     bal,
		RealizedPnL: pnl,
	}, nil
}
