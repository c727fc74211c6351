package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"curve-market/internal/domain"
	"curve-market/internal/storage"
)

// Ledger implements storage.Ledger using PostgreSQL.
//
// Transactions run at READ COMMITTED; rows that a transaction mutates are
// read with SELECT ... FOR UPDATE so concurrent writers of the same token or
// balance queue on the row lock.
type Ledger struct {
	pool        *Pool
	now         func() int64
	lockTimeout string
}

// Compile-time interface check.
var _ storage.Ledger = (*Ledger)(nil)

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock sets the time source used for Credit.
func WithClock(now func() int64) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithLockTimeout bounds how long a transaction waits for a row lock,
// e.g. "5s". Timeouts surface as storage.ErrConflict.
func WithLockTimeout(timeout string) LedgerOption {
	return func(l *Ledger) { l.lockTimeout = timeout }
}

// NewLedger creates a new Ledger.
func NewLedger(pool *Pool, opts ...LedgerOption) *Ledger {
	l := &Ledger{pool: pool, now: domain.NowMs, lockTimeout: "5s"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunInTx executes fn in a transaction and commits if fn returns nil.
func (l *Ledger) RunInTx(ctx context.Context, fn storage.TxFunc) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if l.lockTimeout != "" {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", l.lockTimeout)); err != nil {
			return mapError("set lock timeout", err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if isConflictError(err) && !errors.Is(err, storage.ErrConflict) {
			return mapError("run tx", err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError("commit tx", err)
	}
	return nil
}

// Credit adds lamports to an agent balance, creating it if needed.
func (l *Ledger) Credit(ctx context.Context, agentID string, amount int64) (*domain.AgentBalance, error) {
	if agentID == "" || amount <= 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO agent_balances (agent_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET
			balance = agent_balances.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
		RETURNING agent_id, balance, updated_at
	`

	var b domain.AgentBalance
	err := l.pool.QueryRow(ctx, query, agentID, amount, l.now()).Scan(&b.AgentID, &b.Balance, &b.UpdatedAt)
	if err != nil {
		return nil, mapError("credit balance", err)
	}
	return &b, nil
}

// GetToken retrieves a token by address. Returns ErrNotFound if not exists.
func (l *Ledger) GetToken(ctx context.Context, address string) (*domain.Token, error) {
	return getToken(ctx, l.pool, address, false)
}

// GetTokenBySymbol retrieves a token by symbol, case-insensitively.
func (l *Ledger) GetTokenBySymbol(ctx context.Context, symbol string) (*domain.Token, error) {
	return getTokenBySymbol(ctx, l.pool, symbol)
}

// ListTokens retrieves tokens in the requested order.
func (l *Ledger) ListTokens(ctx context.Context, opts storage.ListTokensOptions) ([]*domain.Token, error) {
	var orderBy string
	switch opts.OrderBy {
	case "", storage.OrderByCreatedAt:
		orderBy = "created_at DESC, address"
	case storage.OrderByMarketCap:
		orderBy = "market_cap DESC, address"
	case storage.OrderByVolume:
		orderBy = "volume_24h DESC, address"
	default:
		return nil, storage.ErrInvalidInput
	}

	// LIMIT NULL means no limit.
	var limit any
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	query := `SELECT ` + tokenColumns + ` FROM tokens ORDER BY ` + orderBy + ` LIMIT $1 OFFSET $2`
	rows, err := l.pool.Query(ctx, query, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	return collect(rows, scanToken)
}

// GetPosition retrieves one position. Returns ErrNotFound if not exists.
func (l *Ledger) GetPosition(ctx context.Context, agentID, tokenAddress string) (*domain.Position, error) {
	return getPosition(ctx, l.pool, agentID, tokenAddress)
}

// ListPositionsByAgent retrieves all positions of an agent, ordered by token address.
func (l *Ledger) ListPositionsByAgent(ctx context.Context, agentID string) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE agent_id = $1 ORDER BY token_address`
	rows, err := l.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query positions by agent: %w", err)
	}
	return collect(rows, scanPosition)
}

// ListPositionsByToken retrieves all positions in a token ordered by amount DESC.
func (l *Ledger) ListPositionsByToken(ctx context.Context, tokenAddress string) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE token_address = $1 ORDER BY amount DESC, agent_id`
	rows, err := l.pool.Query(ctx, query, tokenAddress)
	if err != nil {
		return nil, fmt.Errorf("query positions by token: %w", err)
	}
	return collect(rows, scanPosition)
}

// CountHolders returns the number of positions with amount > 0.
func (l *Ledger) CountHolders(ctx context.Context, tokenAddress string) (int64, error) {
	return countHolders(ctx, l.pool, tokenAddress)
}

// SumPositions returns the sum of all position amounts for a token.
func (l *Ledger) SumPositions(ctx context.Context, tokenAddress string) (int64, error) {
	var sum int64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::bigint FROM positions WHERE token_address = $1`,
		tokenAddress,
	).Scan(&sum)
	if err != nil {
		return 0, mapError("sum positions", err)
	}
	return sum, nil
}

// GetTrade retrieves a trade by ID. Returns ErrNotFound if not exists.
func (l *Ledger) GetTrade(ctx context.Context, id string) (*domain.Trade, error) {
	t, err := scanTrade(l.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("get trade", err)
	}
	return t, nil
}

// ListTradesByToken retrieves the most recent trades of a token, newest first.
func (l *Ledger) ListTradesByToken(ctx context.Context, tokenAddress string, limit int) ([]*domain.Trade, error) {
	return l.listTrades(ctx, "token_address", tokenAddress, limit)
}

// ListTradesByAgent retrieves the most recent trades of an agent, newest first.
func (l *Ledger) ListTradesByAgent(ctx context.Context, agentID string, limit int) ([]*domain.Trade, error) {
	return l.listTrades(ctx, "agent_id", agentID, limit)
}

func (l *Ledger) listTrades(ctx context.Context, column, value string, limit int) ([]*domain.Trade, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}

	query := `SELECT ` + tradeColumns + ` FROM trades WHERE ` + column + ` = $1
		ORDER BY created_at DESC, seq DESC LIMIT $2`
	rows, err := l.pool.Query(ctx, query, value, lim)
	if err != nil {
		return nil, fmt.Errorf("query trades by %s: %w", column, err)
	}
	return collect(rows, scanTrade)
}

// WindowStats aggregates trades of a token within [start, end] using the
// (token_address, created_at) index.
func (l *Ledger) WindowStats(ctx context.Context, tokenAddress string, start, end int64) (*domain.WindowStats, error) {
	if end < start {
		return nil, storage.ErrInvalidInput
	}

	stats := &domain.WindowStats{TokenAddress: tokenAddress, Start: start, End: end}

	err := l.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(sol_amount), 0)::bigint,
			COALESCE(SUM(sol_amount) FILTER (WHERE side = 'buy'), 0)::bigint,
			COALESCE(SUM(sol_amount) FILTER (WHERE side = 'sell'), 0)::bigint,
			COUNT(*)
		FROM trades
		WHERE token_address = $1 AND created_at BETWEEN $2 AND $3
	`, tokenAddress, start, end).Scan(&stats.Volume, &stats.BuyVolume, &stats.SellVolume, &stats.TradeCount)
	if err != nil {
		return nil, mapError("window stats", err)
	}

	err = l.pool.QueryRow(ctx, `
		SELECT price FROM trades
		WHERE token_address = $1 AND created_at <= $2
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, tokenAddress, start).Scan(&stats.ReferencePrice)
	switch {
	case err == nil:
		stats.HasReference = true
	case isNotFoundError(err):
	default:
		return nil, mapError("window reference price", err)
	}

	return stats, nil
}

// GetBalance retrieves an agent balance. Returns ErrNotFound if not exists.
func (l *Ledger) GetBalance(ctx context.Context, agentID string) (*domain.AgentBalance, error) {
	var b domain.AgentBalance
	err := l.pool.QueryRow(ctx,
		`SELECT agent_id, balance, updated_at FROM agent_balances WHERE agent_id = $1`,
		agentID,
	).Scan(&b.AgentID, &b.Balance, &b.UpdatedAt)
	if err != nil {
		return nil, mapError("get balance", err)
	}
	return &b, nil
}

// ListBalances retrieves all agent balances ordered by agent ID.
func (l *Ledger) ListBalances(ctx context.Context) ([]*domain.AgentBalance, error) {
	rows, err := l.pool.Query(ctx, `SELECT agent_id, balance, updated_at FROM agent_balances ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	return collect(rows, func(row pgx.Row) (*domain.AgentBalance, error) {
		var b domain.AgentBalance
		if err := row.Scan(&b.AgentID, &b.Balance, &b.UpdatedAt); err != nil {
			return nil, err
		}
		return &b, nil
	})
}
