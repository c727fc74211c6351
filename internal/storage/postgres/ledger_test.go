package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curve-market/internal/domain"
	"curve-market/internal/storage"
)

func fixedNow() int64 { return 1_700_000_000_000 }

func newToken(addr, symbol string, createdAt int64) *domain.Token {
	return &domain.Token{
		Address:      addr,
		Symbol:       symbol,
		Name:         symbol + " token",
		CreatorID:    "creator",
		Curve:        domain.CurveParams{BasePrice: 1_000, Slope: 10},
		CurrentPrice: 1_000,
		MarketCap:    decimal.Zero,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func insertToken(t *testing.T, l *Ledger, tok *domain.Token) {
	t.Helper()
	err := l.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertToken(ctx, tok)
	})
	require.NoError(t, err)
}

func TestLedger(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := NewLedger(pool, WithClock(fixedNow))
	ctx := context.Background()

	t.Run("insert and get token", func(t *testing.T) {
		truncateAll(t, pool)

		tok := newToken("addr1", "Moon", 100)
		tok.MarketCap = decimal.RequireFromString("123456789012345678901234567890")
		insertToken(t, l, tok)

		got, err := l.GetToken(ctx, "addr1")
		require.NoError(t, err)
		assert.Equal(t, "Moon", got.Symbol)
		assert.Equal(t, tok.Curve, got.Curve)
		assert.True(t, tok.MarketCap.Equal(got.MarketCap))

		got, err = l.GetTokenBySymbol(ctx, "mOoN")
		require.NoError(t, err)
		assert.Equal(t, "addr1", got.Address)

		_, err = l.GetToken(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("duplicate symbol is case-insensitive", func(t *testing.T) {
		truncateAll(t, pool)
		insertToken(t, l, newToken("addr1", "MOON", 100))

		err := l.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.InsertToken(ctx, newToken("addr2", "moon", 200))
		})
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)
	})

	t.Run("rollback on error", func(t *testing.T) {
		truncateAll(t, pool)
		insertToken(t, l, newToken("addr1", "MOON", 100))
		_, err := l.Credit(ctx, "agent", 5_000)
		require.NoError(t, err)

		boom := errors.New("boom")
		err = l.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			tok, err := tx.LockToken(ctx, "addr1")
			require.NoError(t, err)
			tok.TotalSupply = 10
			require.NoError(t, tx.UpdateToken(ctx, tok))

			bal, err := tx.LockBalance(ctx, "agent")
			require.NoError(t, err)
			bal.Balance = 1
			require.NoError(t, tx.UpdateBalance(ctx, bal))

			require.NoError(t, tx.UpsertPosition(ctx, &domain.Position{AgentID: "agent", TokenAddress: "addr1", Amount: 10}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		tok, err := l.GetToken(ctx, "addr1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), tok.TotalSupply)

		bal, err := l.GetBalance(ctx, "agent")
		require.NoError(t, err)
		assert.Equal(t, int64(5_000), bal.Balance)

		_, err = l.GetPosition(ctx, "agent", "addr1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("commit writes all rows", func(t *testing.T) {
		truncateAll(t, pool)
		insertToken(t, l, newToken("addr1", "MOON", 100))
		_, err := l.Credit(ctx, "agent", 5_000)
		require.NoError(t, err)

		err = l.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			tok, err := tx.LockToken(ctx, "addr1")
			require.NoError(t, err)
			tok.TotalSupply = 3
			tok.ReserveBalance = 3_030
			tok.CurrentPrice = 1_030
			tok.TradeCount = 1
			tok.HolderCount = 1
			tok.RefreshDerived()
			require.NoError(t, tx.UpdateToken(ctx, tok))

			bal, err := tx.LockBalance(ctx, "agent")
			require.NoError(t, err)
			bal.Balance -= 3_030
			require.NoError(t, tx.UpdateBalance(ctx, bal))

			require.NoError(t, tx.UpsertPosition(ctx, &domain.Position{
				AgentID: "agent", TokenAddress: "addr1", Amount: 3, CostBasis: 3_030,
			}))
			n, err := tx.CountHolders(ctx, "addr1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			return tx.InsertTrade(ctx, &domain.Trade{
				ID: "t1", TokenAddress: "addr1", AgentID: "agent", Side: domain.SideBuy,
				SolAmount: 3_030, TokenAmount: 3, Price: 1_030,
				AvgPrice: decimal.NewFromInt(1_010), SupplyAfter: 3, ReserveAfter: 3_030, CreatedAt: 500,
			})
		})
		require.NoError(t, err)

		tok, err := l.GetToken(ctx, "addr1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), tok.TotalSupply)
		assert.True(t, decimal.NewFromInt(3_090).Equal(tok.MarketCap))

		sum, err := l.SumPositions(ctx, "addr1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), sum)

		trade, err := l.GetTrade(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, domain.SideBuy, trade.Side)
		assert.True(t, decimal.NewFromInt(1_010).Equal(trade.AvgPrice))

		trades, err := l.ListTradesByAgent(ctx, "agent", 10)
		require.NoError(t, err)
		assert.Len(t, trades, 1)
	})

	t.Run("negative balance is rejected", func(t *testing.T) {
		truncateAll(t, pool)
		_, err := l.Credit(ctx, "agent", 10)
		require.NoError(t, err)

		err = l.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.UpdateBalance(ctx, &domain.AgentBalance{AgentID: "agent", Balance: -1})
		})
		assert.ErrorIs(t, err, storage.ErrInvalidInput)

		err = l.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.UpdateBalance(ctx, &domain.AgentBalance{AgentID: "nobody", Balance: 1})
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("credit accumulates", func(t *testing.T) {
		truncateAll(t, pool)

		b, err := l.Credit(ctx, "agent", 100)
		require.NoError(t, err)
		assert.Equal(t, int64(100), b.Balance)

		b, err = l.Credit(ctx, "agent", 50)
		require.NoError(t, err)
		assert.Equal(t, int64(150), b.Balance)
		assert.Equal(t, fixedNow(), b.UpdatedAt)
	})

	t.Run("concurrent credits serialize", func(t *testing.T) {
		truncateAll(t, pool)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Credit(ctx, "agent", 7)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		b, err := l.GetBalance(ctx, "agent")
		require.NoError(t, err)
		assert.Equal(t, int64(140), b.Balance)
	})

	t.Run("list tokens ordering", func(t *testing.T) {
		truncateAll(t, pool)

		a := newToken("a", "AAA", 100)
		a.MarketCap = decimal.NewFromInt(10)
		a.Volume24h = 300
		b := newToken("b", "BBB", 300)
		b.MarketCap = decimal.NewFromInt(30)
		b.Volume24h = 100
		c := newToken("c", "CCC", 200)
		c.MarketCap = decimal.NewFromInt(20)
		c.Volume24h = 200
		for _, tok := range []*domain.Token{a, b, c} {
			insertToken(t, l, tok)
		}

		addresses := func(tokens []*domain.Token) []string {
			out := make([]string, 0, len(tokens))
			for _, tok := range tokens {
				out = append(out, tok.Address)
			}
			return out
		}

		tokens, err := l.ListTokens(ctx, storage.ListTokensOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "a"}, addresses(tokens))

		tokens, err = l.ListTokens(ctx, storage.ListTokensOptions{OrderBy: storage.OrderByVolume, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, addresses(tokens))

		tokens, err = l.ListTokens(ctx, storage.ListTokensOptions{OrderBy: storage.OrderByMarketCap, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a"}, addresses(tokens))
	})

	t.Run("window stats", func(t *testing.T) {
		truncateAll(t, pool)
		insertToken(t, l, newToken("x", "XXX", 0))

		err := l.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			for i, at := range []int64{1_000, 2_000, 3_000, 4_000, 5_000} {
				side := domain.SideBuy
				if i%2 == 1 {
					side = domain.SideSell
				}
				err := tx.InsertTrade(ctx, &domain.Trade{
					ID:           string(rune('a' + i)),
					TokenAddress: "x",
					AgentID:      "agent",
					Side:         side,
					SolAmount:    int64(i+1) * 100,
					Price:        int64(i+1) * 1_000,
					AvgPrice:     decimal.Zero,
					CreatedAt:    at,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		stats, err := l.WindowStats(ctx, "x", 2_500, 4_000)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.TradeCount)
		assert.Equal(t, int64(700), stats.Volume)
		assert.Equal(t, int64(300), stats.BuyVolume)
		assert.Equal(t, int64(400), stats.SellVolume)
		assert.True(t, stats.HasReference)
		assert.Equal(t, int64(2_000), stats.ReferencePrice)

		stats, err = l.WindowStats(ctx, "x", 0, 500)
		require.NoError(t, err)
		assert.False(t, stats.HasReference)
	})
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, storage.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: pgErrUniqueViolation}, storage.ErrDuplicateKey},
		{"check violation", &pgconn.PgError{Code: pgErrCheckViolation}, storage.ErrInvalidInput},
		{"serialization failure", &pgconn.PgError{Code: pgErrSerializationFailure}, storage.ErrConflict},
		{"deadlock", &pgconn.PgError{Code: pgErrDeadlockDetected}, storage.ErrConflict},
		{"lock timeout", &pgconn.PgError{Code: pgErrLockNotAvailable}, storage.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError("op", tt.err), tt.want)
		})
	}

	assert.NoError(t, mapError("op", nil))

	plain := errors.New("plain")
	err := mapError("op", plain)
	assert.ErrorIs(t, err, plain)
	assert.NotErrorIs(t, err, storage.ErrConflict)
}
