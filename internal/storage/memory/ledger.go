package memory

import (
	"context"
	"sort"
	"sync"

	"curve-market/internal/domain"
	"curve-market/internal/storage"
)

type positionKey struct {
	agentID      string
	tokenAddress string
}

// Ledger is an in-memory implementation of storage.Ledger.
//
// Transactions are serialized by txMu and stage their writes; the staged
// writes are applied under mu when the transaction function returns nil.
// Readers see only committed state. A single txMu means trades on different
// tokens settle one at a time; the postgres ledger locks rows and settles
// them in parallel.
type Ledger struct {
	txMu sync.Mutex

	mu            sync.RWMutex
	tokens        map[string]*domain.Token // keyed by address
	symbols       map[string]string        // symbol key -> address
	positions     map[positionKey]*domain.Position
	balances      map[string]*domain.AgentBalance
	trades        map[string]*domain.Trade   // keyed by trade id
	tradesByToken map[string][]*domain.Trade // ordered by created_at ASC
	tradesByAgent map[string][]*domain.Trade // ordered by created_at ASC

	now func() int64
}

// Compile-time interface check.
var _ storage.Ledger = (*Ledger)(nil)

// NewLedger creates a new in-memory ledger. now supplies UpdatedAt for
// Credit; nil uses domain.NowMs.
func NewLedger(now func() int64) *Ledger {
	if now == nil {
		now = domain.NowMs
	}
	return &Ledger{
		tokens:        make(map[string]*domain.Token),
		symbols:       make(map[string]string),
		positions:     make(map[positionKey]*domain.Position),
		balances:      make(map[string]*domain.AgentBalance),
		trades:        make(map[string]*domain.Trade),
		tradesByToken: make(map[string][]*domain.Trade),
		tradesByAgent: make(map[string][]*domain.Trade),
		now:           now,
	}
}

// RunInTx executes fn with exclusive write access and commits its staged
// writes if fn returns nil.
func (l *Ledger) RunInTx(ctx context.Context, fn storage.TxFunc) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := newTx(l)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.commit(tx)
	return nil
}

// Credit adds lamports to an agent balance, creating it if needed.
func (l *Ledger) Credit(ctx context.Context, agentID string, amount int64) (*domain.AgentBalance, error) {
	if agentID == "" || amount <= 0 {
		return nil, storage.ErrInvalidInput
	}

	l.txMu.Lock()
	defer l.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[agentID]
	if !ok {
		b = &domain.AgentBalance{AgentID: agentID}
		l.balances[agentID] = b
	}
	b.Balance += amount
	b.UpdatedAt = l.now()

	copy := *b
	return &copy, nil
}

func (l *Ledger) commit(tx *memTx) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for addr, t := range tx.tokens {
		if _, exists := l.tokens[addr]; !exists {
			l.symbols[t.SymbolKey()] = addr
		}
		l.tokens[addr] = t
	}
	for k, p := range tx.positions {
		l.positions[k] = p
	}
	for id, b := range tx.balances {
		l.balances[id] = b
	}
	for _, t := range tx.trades {
		l.trades[t.ID] = t
		l.tradesByToken[t.TokenAddress] = insertByTime(l.tradesByToken[t.TokenAddress], t)
		l.tradesByAgent[t.AgentID] = insertByTime(l.tradesByAgent[t.AgentID], t)
	}
}

// insertByTime inserts t after every trade with CreatedAt <= t.CreatedAt.
func insertByTime(list []*domain.Trade, t *domain.Trade) []*domain.Trade {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt > t.CreatedAt
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = t
	return list
}

// GetToken retrieves a token by address. Returns ErrNotFound if not exists.
func (l *Ledger) GetToken(_ context.Context, address string) (*domain.Token, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.tokens[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *t
	return &copy, nil
}

// GetTokenBySymbol retrieves a token by symbol, case-insensitively.
func (l *Ledger) GetTokenBySymbol(_ context.Context, symbol string) (*domain.Token, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	addr, ok := l.symbols[domain.SymbolKey(symbol)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *l.tokens[addr]
	return &copy, nil
}

// ListTokens retrieves tokens in the requested order.
func (l *Ledger) ListTokens(_ context.Context, opts storage.ListTokensOptions) ([]*domain.Token, error) {
	l.mu.RLock()
	result := make([]*domain.Token, 0, len(l.tokens))
	for _, t := range l.tokens {
		copy := *t
		result = append(result, &copy)
	}
	l.mu.RUnlock()

	less, err := tokenLess(opts.OrderBy)
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return less(result[i], result[j])
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func tokenLess(order storage.TokenOrder) (func(a, b *domain.Token) bool, error) {
	byAddress := func(a, b *domain.Token) bool { return a.Address < b.Address }

	switch order {
	case "", storage.OrderByCreatedAt:
		return func(a, b *domain.Token) bool {
			if a.CreatedAt != b.CreatedAt {
				return a.CreatedAt > b.CreatedAt
			}
			return byAddress(a, b)
		}, nil
	case storage.OrderByMarketCap:
		return func(a, b *domain.Token) bool {
			if c := a.MarketCap.Cmp(b.MarketCap); c != 0 {
				return c > 0
			}
			return byAddress(a, b)
		}, nil
	case storage.OrderByVolume:
		return func(a, b *domain.Token) bool {
			if a.Volume24h != b.Volume24h {
				return a.Volume24h > b.Volume24h
			}
			return byAddress(a, b)
		}, nil
	default:
		return nil, storage.ErrInvalidInput
	}
}

func paginate[T any](list []T, offset, limit int) []T {
	if offset > len(list) {
		return list[:0]
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}

// GetPosition retrieves one position. Returns ErrNotFound if not exists.
func (l *Ledger) GetPosition(_ context.Context, agentID, tokenAddress string) (*domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[positionKey{agentID, tokenAddress}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *p
	return &copy, nil
}

// ListPositionsByAgent retrieves all positions of an agent, ordered by token address.
func (l *Ledger) ListPositionsByAgent(_ context.Context, agentID string) ([]*domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*domain.Position
	for k, p := range l.positions {
		if k.agentID == agentID {
			copy := *p
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TokenAddress < result[j].TokenAddress
	})
	return result, nil
}

// ListPositionsByToken retrieves all positions in a token ordered by amount DESC.
func (l *Ledger) ListPositionsByToken(_ context.Context, tokenAddress string) ([]*domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*domain.Position
	for k, p := range l.positions {
		if k.tokenAddress == tokenAddress {
			copy := *p
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Amount != result[j].Amount {
			return result[i].Amount > result[j].Amount
		}
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}

// CountHolders returns the number of positions with amount > 0.
func (l *Ledger) CountHolders(_ context.Context, tokenAddress string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var n int64
	for k, p := range l.positions {
		if k.tokenAddress == tokenAddress && p.IsHolder() {
			n++
		}
	}
	return n, nil
}

// SumPositions returns the sum of all position amounts for a token.
func (l *Ledger) SumPositions(_ context.Context, tokenAddress string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var sum int64
	for k, p := range l.positions {
		if k.tokenAddress == tokenAddress {
			sum += p.Amount
		}
	}
	return sum, nil
}

// GetTrade retrieves a trade by ID. Returns ErrNotFound if not exists.
func (l *Ledger) GetTrade(_ context.Context, id string) (*domain.Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.trades[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *t
	return &copy, nil
}

// ListTradesByToken retrieves the most recent trades of a token, newest first.
func (l *Ledger) ListTradesByToken(_ context.Context, tokenAddress string, limit int) ([]*domain.Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return newestFirst(l.tradesByToken[tokenAddress], limit), nil
}

// ListTradesByAgent retrieves the most recent trades of an agent, newest first.
func (l *Ledger) ListTradesByAgent(_ context.Context, agentID string, limit int) ([]*domain.Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return newestFirst(l.tradesByAgent[agentID], limit), nil
}

func newestFirst(list []*domain.Trade, limit int) []*domain.Trade {
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]*domain.Trade, 0, n)
	for i := len(list) - 1; i >= 0 && len(result) < n; i-- {
		copy := *list[i]
		result = append(result, &copy)
	}
	return result
}

// WindowStats aggregates trades of a token within [start, end].
// Trades are kept ordered by time, so both bounds are found by binary search.
func (l *Ledger) WindowStats(_ context.Context, tokenAddress string, start, end int64) (*domain.WindowStats, error) {
	if end < start {
		return nil, storage.ErrInvalidInput
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	list := l.tradesByToken[tokenAddress]
	stats := &domain.WindowStats{TokenAddress: tokenAddress, Start: start, End: end}

	// First trade strictly after start; the one before it is the reference.
	after := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt > start
	})
	if after > 0 {
		stats.ReferencePrice = list[after-1].Price
		stats.HasReference = true
	}

	from := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt >= start
	})
	for _, t := range list[from:] {
		if t.CreatedAt > end {
			break
		}
		stats.Volume += t.SolAmount
		stats.TradeCount++
		if t.Side == domain.SideBuy {
			stats.BuyVolume += t.SolAmount
		} else {
			stats.SellVolume += t.SolAmount
		}
	}

	return stats, nil
}

// GetBalance retrieves an agent balance. Returns ErrNotFound if not exists.
func (l *Ledger) GetBalance(_ context.Context, agentID string) (*domain.AgentBalance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.balances[agentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *b
	return &copy, nil
}

// ListBalances retrieves all agent balances ordered by agent ID.
func (l *Ledger) ListBalances(_ context.Context) ([]*domain.AgentBalance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*domain.AgentBalance, 0, len(l.balances))
	for _, b := range l.balances {
		copy := *b
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}
