package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"curve-market/internal/domain"
)

// querier is implemented by both the pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const tokenColumns = `
	address, symbol, name, thesis, creator_id, base_price, slope,
	total_supply, reserve_balance, current_price, market_cap::text,
	volume_24h, price_change_24h_bps, holder_count, trade_count,
	created_at, updated_at`

const positionColumns = `agent_id, token_address, amount, cost_basis, realized_pnl, updated_at`

const tradeColumns = `
	id, token_address, agent_id, side, sol_amount, token_amount, price,
	avg_price::text, realized_pnl, supply_after, reserve_after, created_at`

func scanToken(row pgx.Row) (*domain.Token, error) {
	var t domain.Token
	var marketCap string
	err := row.Scan(
		&t.Address, &t.Symbol, &t.Name, &t.Thesis, &t.CreatorID,
		&t.Curve.BasePrice, &t.Curve.Slope,
		&t.TotalSupply, &t.ReserveBalance, &t.CurrentPrice, &marketCap,
		&t.Volume24h, &t.PriceChange24hBps, &t.HolderCount, &t.TradeCount,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.MarketCap, err = decimal.NewFromString(marketCap)
	if err != nil {
		return nil, fmt.Errorf("parse market_cap %q: %w", marketCap, err)
	}
	return &t, nil
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	err := row.Scan(&p.AgentID, &p.TokenAddress, &p.Amount, &p.CostBasis, &p.RealizedPnL, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanTrade(row pgx.Row) (*domain.Trade, error) {
	var t domain.Trade
	var side, avgPrice string
	err := row.Scan(
		&t.ID, &t.TokenAddress, &t.AgentID, &side, &t.SolAmount, &t.TokenAmount, &t.Price,
		&avgPrice, &t.RealizedPnL, &t.SupplyAfter, &t.ReserveAfter, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Side = domain.Side(side)
	t.AvgPrice, err = decimal.NewFromString(avgPrice)
	if err != nil {
		return nil, fmt.Errorf("parse avg_price %q: %w", avgPrice, err)
	}
	return &t, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()

	var result []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

func getToken(ctx context.Context, q querier, address string, forUpdate bool) (*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE address = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanToken(q.QueryRow(ctx, query, address))
	if err != nil {
		return nil, mapError("get token", err)
	}
	return t, nil
}

func getTokenBySymbol(ctx context.Context, q querier, symbol string) (*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE symbol_key = $1`
	t, err := scanToken(q.QueryRow(ctx, query, domain.SymbolKey(symbol)))
	if err != nil {
		return nil, mapError("get token by symbol", err)
	}
	return t, nil
}

func getPosition(ctx context.Context, q querier, agentID, tokenAddress string) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE agent_id = $1 AND token_address = $2`
	p, err := scanPosition(q.QueryRow(ctx, query, agentID, tokenAddress))
	if err != nil {
		return nil, mapError("get position", err)
	}
	return p, nil
}

func countHolders(ctx context.Context, q querier, tokenAddress string) (int64, error) {
	var n int64
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE token_address = $1 AND amount > 0`,
		tokenAddress,
	).Scan(&n)
	if err != nil {
		return 0, mapError("count holders", err)
	}
	return n, nil
}
