package clickhouse

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"curve-market/internal/domain"
	"curve-market/internal/storage"
)

// TradeStore is the append-only ClickHouse mirror of the trade ledger.
// It serves windowed aggregates for the rollup without touching the
// transactional store.
type TradeStore struct {
	conn *Conn
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(conn *Conn) *TradeStore {
	return &TradeStore{conn: conn}
}

// Compile-time interface checks.
var (
	_ storage.TradeAppender     = (*TradeStore)(nil)
	_ storage.TradeWindowReader = (*TradeStore)(nil)
	_ storage.TradeCounter      = (*TradeStore)(nil)
)

// InsertBulk appends trades. Re-delivered IDs collapse in ReplacingMergeTree.
func (s *TradeStore) InsertBulk(ctx context.Context, trades []*domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trades (
			id, token_address, agent_id, side, sol_amount, token_amount, price,
			avg_price, realized_pnl, supply_after, reserve_after, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range trades {
		if t == nil || t.ID == "" {
			return storage.ErrInvalidInput
		}
		err = batch.Append(
			t.ID, t.TokenAddress, t.AgentID, string(t.Side),
			t.SolAmount, t.TokenAmount, t.Price,
			t.AvgPrice.Round(9), t.RealizedPnL, t.SupplyAfter, t.ReserveAfter, t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// WindowStats aggregates trades of a token within [start, end].
func (s *TradeStore) WindowStats(ctx context.Context, tokenAddress string, start, end int64) (*domain.WindowStats, error) {
	if end < start {
		return nil, storage.ErrInvalidInput
	}

	stats := &domain.WindowStats{TokenAddress: tokenAddress, Start: start, End: end}

	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT
			sum(sol_amount),
			sumIf(sol_amount, side = 'buy'),
			sumIf(sol_amount, side = 'sell'),
			count()
		FROM trades FINAL
		WHERE token_address = ? AND created_at BETWEEN ? AND ?
	`, tokenAddress, start, end).Scan(&stats.Volume, &stats.BuyVolume, &stats.SellVolume, &count)
	if err != nil {
		return nil, fmt.Errorf("query window stats: %w", err)
	}
	stats.TradeCount = int64(count)

	rows, err := s.conn.Query(ctx, `
		SELECT price FROM trades FINAL
		WHERE token_address = ? AND created_at <= ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, tokenAddress, start)
	if err != nil {
		return nil, fmt.Errorf("query reference price: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&stats.ReferencePrice); err != nil {
			return nil, fmt.Errorf("scan reference price: %w", err)
		}
		stats.HasReference = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference price: %w", err)
	}

	return stats, nil
}

// CountTrades returns the number of mirrored trades of a token.
func (s *TradeStore) CountTrades(ctx context.Context, tokenAddress string) (int64, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count() FROM trades FINAL WHERE token_address = ?
	`, tokenAddress).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return int64(count), nil
}

// ListByToken returns mirrored trades of a token in time order.
func (s *TradeStore) ListByToken(ctx context.Context, tokenAddress string) ([]*domain.Trade, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT
			id, token_address, agent_id, side, sol_amount, token_amount, price,
			avg_price, realized_pnl, supply_after, reserve_after, created_at
		FROM trades FINAL
		WHERE token_address = ?
		ORDER BY created_at, id
	`, tokenAddress)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var result []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side string
		var avg decimal.Decimal
		err := rows.Scan(
			&t.ID, &t.TokenAddress, &t.AgentID, &side, &t.SolAmount, &t.TokenAmount, &t.Price,
			&avg, &t.RealizedPnL, &t.SupplyAfter, &t.ReserveAfter, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = domain.Side(side)
		t.AvgPrice = avg
		result = append(result, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return result, nil
}
