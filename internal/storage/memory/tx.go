package memory

import (
	"context"

	"curve-market/internal/domain"
	"curve-market/internal/storage"
)

// memTx stages writes over a Ledger. It is only used while the ledger's
// txMu is held, so staged state needs no locking of its own.
type memTx struct {
	l *Ledger

	tokens    map[string]*domain.Token
	positions map[positionKey]*domain.Position
	balances  map[string]*domain.AgentBalance
	trades    []*domain.Trade
	tradeIDs  map[string]struct{}
	symbols   map[string]string
}

var _ storage.Tx = (*memTx)(nil)

func newTx(l *Ledger) *memTx {
	return &memTx{
		l:         l,
		tokens:    make(map[string]*domain.Token),
		positions: make(map[positionKey]*domain.Position),
		balances:  make(map[string]*domain.AgentBalance),
		tradeIDs:  make(map[string]struct{}),
		symbols:   make(map[string]string),
	}
}

func (tx *memTx) LockToken(_ context.Context, address string) (*domain.Token, error) {
	if t, ok := tx.tokens[address]; ok {
		copy := *t
		return &copy, nil
	}

	tx.l.mu.RLock()
	defer tx.l.mu.RUnlock()

	t, ok := tx.l.tokens[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *t
	return &copy, nil
}

func (tx *memTx) LockBalance(_ context.Context, agentID string) (*domain.AgentBalance, error) {
	if b, ok := tx.balances[agentID]; ok {
		copy := *b
		return &copy, nil
	}

	tx.l.mu.RLock()
	defer tx.l.mu.RUnlock()

	b, ok := tx.l.balances[agentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *b
	return &copy, nil
}

func (tx *memTx) GetPosition(_ context.Context, agentID, tokenAddress string) (*domain.Position, error) {
	key := positionKey{agentID, tokenAddress}
	if p, ok := tx.positions[key]; ok {
		copy := *p
		return &copy, nil
	}

	tx.l.mu.RLock()
	defer tx.l.mu.RUnlock()

	p, ok := tx.l.positions[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (tx *memTx) GetTokenBySymbol(ctx context.Context, symbol string) (*domain.Token, error) {
	key := domain.SymbolKey(symbol)
	if addr, ok := tx.symbols[key]; ok {
		return tx.LockToken(ctx, addr)
	}
	return tx.l.GetTokenBySymbol(ctx, symbol)
}

func (tx *memTx) InsertToken(ctx context.Context, t *domain.Token) error {
	if t == nil || t.Address == "" || t.SymbolKey() == "" {
		return storage.ErrInvalidInput
	}
	if _, err := tx.LockToken(ctx, t.Address); err == nil {
		return storage.ErrDuplicateKey
	}
	if _, err := tx.GetTokenBySymbol(ctx, t.Symbol); err == nil {
		return storage.ErrDuplicateKey
	}

	copy := *t
	tx.tokens[t.Address] = &copy
	tx.symbols[t.SymbolKey()] = t.Address
	return nil
}

func (tx *memTx) UpdateToken(ctx context.Context, t *domain.Token) error {
	if t == nil {
		return storage.ErrInvalidInput
	}
	existing, err := tx.LockToken(ctx, t.Address)
	if err != nil {
		return err
	}
	if existing.SymbolKey() != t.SymbolKey() || existing.CreatedAt != t.CreatedAt {
		return storage.ErrInvalidInput
	}

	copy := *t
	tx.tokens[t.Address] = &copy
	return nil
}

func (tx *memTx) UpdateBalance(ctx context.Context, b *domain.AgentBalance) error {
	if b == nil || b.Balance < 0 {
		return storage.ErrInvalidInput
	}
	if _, err := tx.LockBalance(ctx, b.AgentID); err != nil {
		return err
	}

	copy := *b
	tx.balances[b.AgentID] = &copy
	return nil
}

func (tx *memTx) UpsertPosition(_ context.Context, p *domain.Position) error {
	if p == nil || p.AgentID == "" || p.TokenAddress == "" || p.Amount < 0 {
		return storage.ErrInvalidInput
	}

	copy := *p
	tx.positions[positionKey{p.AgentID, p.TokenAddress}] = &copy
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *domain.Trade) error {
	if t == nil || t.ID == "" || !t.Side.IsValid() {
		return storage.ErrInvalidInput
	}
	if _, ok := tx.tradeIDs[t.ID]; ok {
		return storage.ErrDuplicateKey
	}

	tx.l.mu.RLock()
	_, exists := tx.l.trades[t.ID]
	tx.l.mu.RUnlock()
	if exists {
		return storage.ErrDuplicateKey
	}

	copy := *t
	tx.trades = append(tx.trades, &copy)
	tx.tradeIDs[t.ID] = struct{}{}
	return nil
}

func (tx *memTx) CountHolders(_ context.Context, tokenAddress string) (int64, error) {
	tx.l.mu.RLock()
	defer tx.l.mu.RUnlock()

	var n int64
	for k, p := range tx.l.positions {
		if k.tokenAddress != tokenAddress {
			continue
		}
		if staged, ok := tx.positions[k]; ok {
			p = staged
		}
		if p.IsHolder() {
			n++
		}
	}
	for k, p := range tx.positions {
		if k.tokenAddress != tokenAddress {
			continue
		}
		if _, committed := tx.l.positions[k]; !committed && p.IsHolder() {
			n++
		}
	}
	return n, nil
}
