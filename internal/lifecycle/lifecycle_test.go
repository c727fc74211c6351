package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curve-market/internal/domain"
	"curve-market/internal/events"
	"curve-market/internal/settlement"
	"curve-market/internal/storage"
	"curve-market/internal/storage/memory"
)

const t0 = int64(1_700_000_000_000)

type capture struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *capture) Publish(_ context.Context, _ string, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return nil
}

type env struct {
	clock  atomic.Int64
	ledger *memory.Ledger
	engine *settlement.Engine
	token  *domain.Token
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{}
	e.clock.Store(t0)
	now := func() int64 { return e.clock.Load() }

	e.ledger = memory.NewLedger(now)
	e.engine = settlement.NewEngine(settlement.Options{Ledger: e.ledger, Clock: now})

	curve := domain.CurveParams{BasePrice: 1_000_000, Slope: 1_000}
	res, err := e.engine.CreateToken(context.Background(), settlement.CreateTokenRequest{
		CreatorID: "creator",
		Name:      "Alpha",
		Symbol:    "ALPHA",
		Curve:     &curve,
	})
	require.NoError(t, err)
	e.token = res.Token

	for _, a := range []string{"alice", "bob"} {
		_, err := e.ledger.Credit(context.Background(), a, 1_000_000_000)
		require.NoError(t, err)
	}
	return e
}

func (e *env) buy(t *testing.T, agent string, units int64) {
	t.Helper()
	_, err := e.engine.Buy(context.Background(), settlement.BuyRequest{
		TokenAddress: e.token.Address,
		AgentID:      agent,
		TokenAmount:  units,
	})
	require.NoError(t, err)
}

func (e *env) get(t *testing.T) *domain.Token {
	t.Helper()
	tok, err := e.ledger.GetToken(context.Background(), e.token.Address)
	require.NoError(t, err)
	return tok
}

func (e *env) corruptHolderCount(t *testing.T, n int64) {
	t.Helper()
	err := e.ledger.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		tok, err := tx.LockToken(ctx, e.token.Address)
		if err != nil {
			return err
		}
		tok.HolderCount = n
		return tx.UpdateToken(ctx, tok)
	})
	require.NoError(t, err)
}

func TestHolderCounter_Recompute(t *testing.T) {
	e := newEnv(t)
	counter := NewHolderCounter(e.ledger, nil)
	ctx := context.Background()

	n, err := counter.Recompute(ctx, e.token.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "creator is not a holder before buying")

	e.buy(t, "alice", 3)
	e.buy(t, "bob", 2)
	e.corruptHolderCount(t, 7)

	n, err = counter.Recompute(ctx, e.token.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), e.get(t).HolderCount)

	_, err = counter.Recompute(ctx, "missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRoller_AgesTradesOutOfWindow(t *testing.T) {
	e := newEnv(t)
	pub := &capture{}
	roller := NewRoller(RollerOptions{
		Ledger:    e.ledger,
		Publisher: pub,
		Clock:     e.clock.Load,
	})
	ctx := context.Background()

	e.buy(t, "alice", 10) // cost 10_050_000, price 1_010_000
	e.clock.Add((25 * time.Hour).Milliseconds())
	e.buy(t, "bob", 10) // cost 10_150_000, price 1_020_000

	before := e.get(t)
	assert.Equal(t, int64(20_200_000), before.Volume24h)
	assert.Equal(t, int64(0), before.PriceChange24hBps)

	e.clock.Add(1)
	stats, err := roller.RollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RollupStats{Tokens: 1, Updated: 1}, stats)

	after := e.get(t)
	assert.Equal(t, int64(10_150_000), after.Volume24h)
	// (1_020_000 - 1_010_000) * 10_000 / 1_010_000
	assert.Equal(t, int64(99), after.PriceChange24hBps)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.ReserveBalance, after.ReserveBalance)

	require.Len(t, pub.evs, 1)
	ev := pub.evs[0].(events.PriceUpdated)
	assert.Equal(t, int64(99), ev.PriceChange24hBps)
	assert.Equal(t, e.clock.Load(), ev.Timestamp)

	// Nothing moved since the last pass.
	stats, err = roller.RollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Updated)
	assert.Len(t, pub.evs, 1)
}

func TestRoller_UsesBasePriceWithoutEarlierTrade(t *testing.T) {
	e := newEnv(t)
	roller := NewRoller(RollerOptions{Ledger: e.ledger, Clock: e.clock.Load})

	e.buy(t, "alice", 100) // price 1_100_000
	e.clock.Add(1)

	_, err := roller.RollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), e.get(t).PriceChange24hBps)
}

func TestRoller_RepairsHolderDrift(t *testing.T) {
	e := newEnv(t)
	roller := NewRoller(RollerOptions{Ledger: e.ledger, Clock: e.clock.Load})

	e.buy(t, "alice", 1)
	e.corruptHolderCount(t, 5)

	stats, err := roller.RollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, int64(1), e.get(t).HolderCount)
}

// fakeMirror is a window source that reports how many trades it holds.
type fakeMirror struct {
	trades  int64
	queried int
}

func (m *fakeMirror) CountTrades(context.Context, string) (int64, error) {
	return m.trades, nil
}

func (m *fakeMirror) WindowStats(_ context.Context, address string, start, end int64) (*domain.WindowStats, error) {
	m.queried++
	return &domain.WindowStats{TokenAddress: address, Start: start, End: end}, nil
}

func TestRoller_KeepsWindowFieldsWhileSourceLags(t *testing.T) {
	e := newEnv(t)
	mirror := &fakeMirror{}
	roller := NewRoller(RollerOptions{Ledger: e.ledger, Window: mirror, Clock: e.clock.Load})
	ctx := context.Background()

	e.buy(t, "alice", 10) // cost 10_050_000, price 1_010_000
	e.corruptHolderCount(t, 5)
	e.clock.Add(1)

	stats, err := roller.RollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RollupStats{Tokens: 1, Updated: 1, Lagging: 1}, stats)
	assert.Equal(t, 0, mirror.queried)

	tok := e.get(t)
	assert.Equal(t, int64(10_050_000), tok.Volume24h)
	assert.Equal(t, int64(0), tok.PriceChange24hBps)
	assert.Equal(t, int64(1), tok.HolderCount)

	// Caught up: the window is trusted again.
	mirror.trades = 1
	stats, err = roller.RollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RollupStats{Tokens: 1, Updated: 1}, stats)
	assert.Equal(t, 1, mirror.queried)

	tok = e.get(t)
	assert.Equal(t, int64(0), tok.Volume24h)
	assert.Equal(t, int64(100), tok.PriceChange24hBps)
}

func TestRoller_RunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	roller := NewRoller(RollerOptions{Ledger: e.ledger, Interval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, roller.Run(ctx), context.DeadlineExceeded)
}

func TestChangeBps(t *testing.T) {
	tests := []struct {
		reference, current, want int64
	}{
		{1_000, 1_000, 0},
		{1_000, 1_500, 5_000},
		{1_000, 500, -5_000},
		{3, 4, 3_333},
		{3, 2, -3_333},
		{0, 100, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChangeBps(tt.reference, tt.current), "%d -> %d", tt.reference, tt.current)
	}
}
