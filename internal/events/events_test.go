package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curve-market/internal/domain"
)

func sampleTrade() *domain.Trade {
	return &domain.Trade{
		ID:           "trade-1",
		TokenAddress: "TokenAddr",
		AgentID:      "agent-1",
		Side:         domain.SideBuy,
		SolAmount:    10_050_000,
		TokenAmount:  10,
		Price:        1_010_000,
		AvgPrice:     decimal.NewFromInt(1_005_000),
		SupplyAfter:  10,
		ReserveAfter: 10_050_000,
		CreatedAt:    1_700_000_000_000,
	}
}

func TestTradeExecuted_Envelope(t *testing.T) {
	ev := NewTradeExecuted(sampleTrade())
	assert.Equal(t, "trades.TokenAddr", ev.Topic())
	assert.Len(t, ev.ID(), 64)

	data, err := Marshal(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "trade", raw["type"])
	assert.Equal(t, "TokenAddr", raw["tokenAddress"])
	assert.Equal(t, "agent-1", raw["agentId"])
	assert.Equal(t, float64(1_010_000), raw["resultingPrice"])
	assert.Equal(t, float64(1_700_000_000_000), raw["timestamp"])

	amounts := raw["amounts"].(map[string]any)
	assert.Equal(t, "buy", amounts["side"])
	assert.Equal(t, float64(10_050_000), amounts["sol"])
	assert.Equal(t, float64(10), amounts["tokens"])
	assert.Equal(t, "1005000", amounts["avgPrice"])
}

func TestUnmarshal_RestoresVariant(t *testing.T) {
	token := &domain.Token{
		Address:      "TokenAddr",
		Symbol:       "MOON",
		Name:         "Moon",
		CreatorID:    "creator",
		Curve:        domain.CurveParams{BasePrice: 1_000_000, Slope: 1_000},
		TotalSupply:  10,
		CurrentPrice: 1_010_000,
		MarketCap:    decimal.NewFromInt(10_100_000),
		CreatedAt:    1,
		UpdatedAt:    2,
	}

	tests := []struct {
		name string
		ev   Event
	}{
		{"trade", NewTradeExecuted(sampleTrade())},
		{"token created", NewTokenCreated(token)},
		{"price update", NewPriceUpdated(token, 1_000_000, "agent-1", "trade-1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.ev)
			require.NoError(t, err)

			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.ev.Type(), got.Type())
			assert.Equal(t, tt.ev.ID(), got.ID())
			assert.Equal(t, tt.ev.Topic(), got.Topic())
			assert.Equal(t, tt.ev.Envelope().ResultingPrice, got.Envelope().ResultingPrice)
		})
	}

	_, err := Unmarshal([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)
}

func TestTokenCreated_Topic(t *testing.T) {
	ev := NewTokenCreated(&domain.Token{Address: "a", Curve: domain.CurveParams{BasePrice: 5}})
	assert.Equal(t, TopicTokens, ev.Topic())
	assert.Equal(t, int64(5), ev.Envelope().ResultingPrice)
}

type recorder struct {
	mu     sync.Mutex
	topics []string
	evs    []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, topic string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.evs = append(r.evs, ev)
	return r.err
}

func (r *recorder) Handle(ctx context.Context, topic string, ev Event) error {
	return r.Publish(ctx, topic, ev)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func TestMultiPublisher(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("down")}
	m := MultiPublisher{failing, nil, ok}

	err := m.Publish(context.Background(), "tokens", NewTokenCreated(&domain.Token{Address: "a"}))
	assert.Error(t, err)
	assert.Equal(t, []string{"tokens"}, ok.snapshot())
	assert.Equal(t, []string{"tokens"}, failing.snapshot())
}

func TestPublishAll_UsesEventTopics(t *testing.T) {
	r := &recorder{}
	trade := NewTradeExecuted(sampleTrade())
	price := NewPriceUpdated(&domain.Token{Address: "TokenAddr"}, 1, "", "x")

	require.NoError(t, PublishAll(context.Background(), r, trade, price))
	assert.Equal(t, []string{"trades.TokenAddr", "prices.TokenAddr"}, r.snapshot())
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(nil, 64)
	trades := &recorder{}
	all := &recorder{}
	bus.Subscribe(TypeTrade, trades)
	bus.SubscribeAll(all)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		tr := sampleTrade()
		tr.ID = string(rune('a' + i))
		require.NoError(t, bus.Publish(ctx, "trades.TokenAddr", NewTradeExecuted(tr)))
	}
	require.NoError(t, bus.Publish(ctx, TopicTokens, NewTokenCreated(&domain.Token{Address: "x"})))

	require.NoError(t, bus.Shutdown(ctx))

	assert.Len(t, trades.snapshot(), 10)
	assert.Len(t, all.snapshot(), 11)
	for i, ev := range trades.evs {
		assert.Equal(t, string(rune('a'+i)), ev.(TradeExecuted).TradeID)
	}

	assert.ErrorIs(t, bus.Publish(ctx, TopicTokens, NewTokenCreated(&domain.Token{})), ErrBusClosed)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil, 8)
	r := &recorder{}
	sub := bus.Subscribe(TypeTokenCreated, r)
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), TopicTokens, NewTokenCreated(&domain.Token{})))
	require.NoError(t, bus.Shutdown(context.Background()))
	assert.Empty(t, r.snapshot())
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus(nil, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	bus.SubscribeAll(HandlerFunc(func(context.Context, string, Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}))

	ctx := context.Background()
	ev := NewTokenCreated(&domain.Token{})

	require.NoError(t, bus.Publish(ctx, TopicTokens, ev))
	<-started // dispatcher is blocked in the handler

	require.NoError(t, bus.Publish(ctx, TopicTokens, ev)) // fills the buffer
	assert.Equal(t, 1, bus.Pending())
	assert.ErrorIs(t, bus.Publish(ctx, TopicTokens, ev), ErrBusFull)

	close(release)
	require.NoError(t, bus.Shutdown(ctx))
	assert.Equal(t, 0, bus.Pending())
}

type memAppender struct {
	mu     sync.Mutex
	trades []*domain.Trade
	fails  int
}

func (a *memAppender) InsertBulk(_ context.Context, trades []*domain.Trade) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fails > 0 {
		a.fails--
		return errors.New("unavailable")
	}
	a.trades = append(a.trades, trades...)
	return nil
}

func (a *memAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.trades)
}

func TestTradeMirror_FlushesBatches(t *testing.T) {
	appender := &memAppender{fails: 1}
	mirror := NewTradeMirror(appender, nil, TradeMirrorOptions{BatchSize: 3, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mirror.Run(ctx) }()

	for i := 0; i < 4; i++ {
		tr := sampleTrade()
		tr.ID = string(rune('a' + i))
		require.NoError(t, mirror.Handle(ctx, "trades.TokenAddr", NewTradeExecuted(tr)))
	}
	// Non-trade events are ignored.
	require.NoError(t, mirror.Handle(ctx, TopicTokens, NewTokenCreated(&domain.Token{})))

	assert.Eventually(t, func() bool { return appender.count() == 3 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 4, appender.count())
	assert.Equal(t, "d", appender.trades[3].ID)
}
