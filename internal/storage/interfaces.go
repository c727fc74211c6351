package storage

import (
	"context"

	"curve-market/internal/domain"
)

// TokenOrder selects the sort order for ListTokens.
type TokenOrder string

// Token orderings
const (
	OrderByCreatedAt TokenOrder = "created_at" // newest first
	OrderByMarketCap TokenOrder = "market_cap" // largest first
	OrderByVolume    TokenOrder = "volume_24h" // largest first
)

// ListTokensOptions controls ListTokens.
type ListTokensOptions struct {
	OrderBy TokenOrder
	Limit   int // 0 means no limit
	Offset  int
}

// TokenReader provides read access to tokens.
type TokenReader interface {
	// GetToken retrieves a token by address. Returns ErrNotFound if not exists.
	GetToken(ctx context.Context, address string) (*domain.Token, error)

	// GetTokenBySymbol retrieves a token by symbol, case-insensitively.
	// Returns ErrNotFound if not exists.
	GetTokenBySymbol(ctx context.Context, symbol string) (*domain.Token, error)

	// ListTokens retrieves tokens in the requested order.
	ListTokens(ctx context.Context, opts ListTokensOptions) ([]*domain.Token, error)
}

// PositionReader provides read access to positions.
type PositionReader interface {
	// GetPosition retrieves one position. Returns ErrNotFound if the agent never traded the token.
	GetPosition(ctx context.Context, agentID, tokenAddress string) (*domain.Position, error)

	// ListPositionsByAgent retrieves all positions of an agent, including zero amounts.
	ListPositionsByAgent(ctx context.Context, agentID string) ([]*domain.Position, error)

	// ListPositionsByToken retrieves all positions in a token ordered by amount DESC,
	// including zero amounts.
	ListPositionsByToken(ctx context.Context, tokenAddress string) ([]*domain.Position, error)

	// CountHolders returns the number of positions with amount > 0.
	CountHolders(ctx context.Context, tokenAddress string) (int64, error)

	// SumPositions returns the sum of all position amounts for a token.
	SumPositions(ctx context.Context, tokenAddress string) (int64, error)
}

// TradeReader provides read access to the append-only trade ledger.
type TradeReader interface {
	// GetTrade retrieves a trade by ID. Returns ErrNotFound if not exists.
	GetTrade(ctx context.Context, id string) (*domain.Trade, error)

	// ListTradesByToken retrieves the most recent trades of a token, newest first.
	ListTradesByToken(ctx context.Context, tokenAddress string, limit int) ([]*domain.Trade, error)

	// ListTradesByAgent retrieves the most recent trades of an agent, newest first.
	ListTradesByAgent(ctx context.Context, agentID string, limit int) ([]*domain.Trade, error)
}

// TradeWindowReader computes windowed aggregates over the trade ledger.
type TradeWindowReader interface {
	// WindowStats aggregates trades of a token within [start, end] (inclusive, ms).
	WindowStats(ctx context.Context, tokenAddress string, start, end int64) (*domain.WindowStats, error)
}

// TradeCounter is implemented by trade mirrors that may lag the ledger.
type TradeCounter interface {
	// CountTrades returns the number of trades of a token the store holds.
	CountTrades(ctx context.Context, tokenAddress string) (int64, error)
}

// BalanceReader provides read access to agent balances.
type BalanceReader interface {
	// GetBalance retrieves an agent balance. Returns ErrNotFound if the agent was never funded.
	GetBalance(ctx context.Context, agentID string) (*domain.AgentBalance, error)

	// ListBalances retrieves all agent balances.
	ListBalances(ctx context.Context) ([]*domain.AgentBalance, error)
}

// Tx is a unit of work over ledger state. Writes become visible only when the
// enclosing RunInTx commits. Lock* methods hold the row until commit.
type Tx interface {
	// LockToken loads a token and locks it for update. Returns ErrNotFound if not exists.
	LockToken(ctx context.Context, address string) (*domain.Token, error)

	// LockBalance loads an agent balance and locks it for update.
	// Returns ErrNotFound if the agent was never funded.
	LockBalance(ctx context.Context, agentID string) (*domain.AgentBalance, error)

	// GetPosition loads a position. Returns ErrNotFound if not exists.
	// Positions are only written under their token's lock.
	GetPosition(ctx context.Context, agentID, tokenAddress string) (*domain.Position, error)

	// GetTokenBySymbol looks a token up by symbol, case-insensitively.
	GetTokenBySymbol(ctx context.Context, symbol string) (*domain.Token, error)

	// InsertToken adds a new token. Returns ErrDuplicateKey if address or symbol exists.
	InsertToken(ctx context.Context, t *domain.Token) error

	// UpdateToken writes the mutable state of a locked token.
	UpdateToken(ctx context.Context, t *domain.Token) error

	// UpdateBalance writes a locked agent balance.
	UpdateBalance(ctx context.Context, b *domain.AgentBalance) error

	// UpsertPosition inserts or replaces a position.
	UpsertPosition(ctx context.Context, p *domain.Position) error

	// InsertTrade appends a trade. Returns ErrDuplicateKey if the ID exists.
	InsertTrade(ctx context.Context, t *domain.Trade) error

	// CountHolders returns the number of positions with amount > 0, as seen by this tx.
	CountHolders(ctx context.Context, tokenAddress string) (int64, error)
}

// TxFunc is executed inside a transaction. Returning an error rolls back.
type TxFunc func(ctx context.Context, tx Tx) error

// Ledger is the persistent store for tokens, positions, balances and trades.
type Ledger interface {
	TokenReader
	PositionReader
	TradeReader
	TradeWindowReader
	BalanceReader

	// RunInTx executes fn atomically. If fn returns an error nothing is written.
	// Returns ErrConflict (wrapped) when the transaction lost a race and may be retried.
	RunInTx(ctx context.Context, fn TxFunc) error

	// Credit adds lamports to an agent balance, creating it if needed.
	// This is the funding capability used by the external airdrop collaborator.
	Credit(ctx context.Context, agentID string, amount int64) (*domain.AgentBalance, error)
}

// TradeAppender accepts trades for an append-only analytical mirror.
type TradeAppender interface {
	// InsertBulk appends trades. Duplicated IDs are ignored by the mirror.
	InsertBulk(ctx context.Context, trades []*domain.Trade) error
}
