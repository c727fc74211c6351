package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"curve-market/internal/domain"
	"curve-market/internal/storage"
)

// pgTx implements storage.Tx over a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

var _ storage.Tx = (*pgTx)(nil)

func (t *pgTx) LockToken(ctx context.Context, address string) (*domain.Token, error) {
	return getToken(ctx, t.tx, address, true)
}

func (t *pgTx) LockBalance(ctx context.Context, agentID string) (*domain.AgentBalance, error) {
	var b domain.AgentBalance
	err := t.tx.QueryRow(ctx,
		`SELECT agent_id, balance, updated_at FROM agent_balances WHERE agent_id = $1 FOR UPDATE`,
		agentID,
	).Scan(&b.AgentID, &b.Balance, &b.UpdatedAt)
	if err != nil {
		return nil, mapError("lock balance", err)
	}
	return &b, nil
}

func (t *pgTx) GetPosition(ctx context.Context, agentID, tokenAddress string) (*domain.Position, error) {
	return getPosition(ctx, t.tx, agentID, tokenAddress)
}

func (t *pgTx) GetTokenBySymbol(ctx context.Context, symbol string) (*domain.Token, error) {
	return getTokenBySymbol(ctx, t.tx, symbol)
}

func (t *pgTx) InsertToken(ctx context.Context, tok *domain.Token) error {
	if tok == nil || tok.Address == "" || tok.SymbolKey() == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO tokens (
			address, symbol, symbol_key, name, thesis, creator_id, base_price, slope,
			total_supply, reserve_balance, current_price, market_cap,
			volume_24h, price_change_24h_bps, holder_count, trade_count,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12::numeric,
			$13, $14, $15, $16,
			$17, $18
		)
	`

	_, err := t.tx.Exec(ctx, query,
		tok.Address, tok.Symbol, tok.SymbolKey(), tok.Name, tok.Thesis, tok.CreatorID,
		tok.Curve.BasePrice, tok.Curve.Slope,
		tok.TotalSupply, tok.ReserveBalance, tok.CurrentPrice, tok.MarketCap.String(),
		tok.Volume24h, tok.PriceChange24hBps, tok.HolderCount, tok.TradeCount,
		tok.CreatedAt, tok.UpdatedAt,
	)
	return mapError("insert token", err)
}

func (t *pgTx) UpdateToken(ctx context.Context, tok *domain.Token) error {
	if tok == nil {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE tokens SET
			name = $2,
			thesis = $3,
			total_supply = $4,
			reserve_balance = $5,
			current_price = $6,
			market_cap = $7::numeric,
			volume_24h = $8,
			price_change_24h_bps = $9,
			holder_count = $10,
			trade_count = $11,
			updated_at = $12
		WHERE address = $1
	`

	tag, err := t.tx.Exec(ctx, query,
		tok.Address, tok.Name, tok.Thesis,
		tok.TotalSupply, tok.ReserveBalance, tok.CurrentPrice, tok.MarketCap.String(),
		tok.Volume24h, tok.PriceChange24hBps, tok.HolderCount, tok.TradeCount,
		tok.UpdatedAt,
	)
	if err != nil {
		return mapError("update token", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, b *domain.AgentBalance) error {
	if b == nil || b.Balance < 0 {
		return storage.ErrInvalidInput
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE agent_balances SET balance = $2, updated_at = $3 WHERE agent_id = $1`,
		b.AgentID, b.Balance, b.UpdatedAt,
	)
	if err != nil {
		return mapError("update balance", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *domain.Position) error {
	if p == nil || p.AgentID == "" || p.TokenAddress == "" || p.Amount < 0 {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO positions (agent_id, token_address, amount, cost_basis, realized_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id, token_address) DO UPDATE SET
			amount = EXCLUDED.amount,
			cost_basis = EXCLUDED.cost_basis,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at = EXCLUDED.updated_at
	`

	_, err := t.tx.Exec(ctx, query,
		p.AgentID, p.TokenAddress, p.Amount, p.CostBasis, p.RealizedPnL, p.UpdatedAt,
	)
	return mapError("upsert position", err)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *domain.Trade) error {
	if tr == nil || tr.ID == "" || !tr.Side.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trades (
			id, token_address, agent_id, side, sol_amount, token_amount, price,
			avg_price, realized_pnl, supply_after, reserve_after, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9, $10, $11, $12
		)
	`

	_, err := t.tx.Exec(ctx, query,
		tr.ID, tr.TokenAddress, tr.AgentID, string(tr.Side), tr.SolAmount, tr.TokenAmount, tr.Price,
		tr.AvgPrice.String(), tr.RealizedPnL, tr.SupplyAfter, tr.ReserveAfter, tr.CreatedAt,
	)
	return mapError("insert trade", err)
}

func (t *pgTx) CountHolders(ctx context.Context, tokenAddress string) (int64, error) {
	return countHolders(ctx, t.tx, tokenAddress)
}
