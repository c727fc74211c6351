package settlement

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curve-market/internal/domain"
	"curve-market/internal/events"
	"curve-market/internal/idhash"
	"curve-market/internal/storage"
)

func TestCreateToken_InitialState(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.CreateToken(context.Background(), CreateTokenRequest{
		CreatorID: "creator",
		Name:      " Alpha Token ",
		Symbol:    "Alpha",
		Thesis:    "number go up",
	})
	require.NoError(t, err)
	require.Nil(t, res.InitialBuy)

	want, err := idhash.TokenAddress(idhash.DefaultProgramID, "creator", "ALPHA")
	require.NoError(t, err)

	tok := h.token(t, res.Token.Address)
	assert.Equal(t, want, tok.Address)
	assert.Equal(t, "Alpha", tok.Symbol)
	assert.Equal(t, "Alpha Token", tok.Name)
	assert.Equal(t, DefaultCurve, tok.Curve)
	assert.Equal(t, int64(0), tok.TotalSupply)
	assert.Equal(t, int64(0), tok.ReserveBalance)
	assert.Equal(t, DefaultCurve.BasePrice, tok.CurrentPrice)
	assert.True(t, tok.MarketCap.IsZero())
	assert.Equal(t, int64(0), tok.HolderCount, "creator is not a holder before buying")
	assert.Equal(t, tok.CreatedAt, tok.UpdatedAt)

	require.Equal(t, []events.Type{events.TypeTokenCreated}, h.pub.types())
	created := h.pub.events[0].(events.TokenCreated)
	assert.Equal(t, events.TopicTokens, created.Topic())
	assert.Equal(t, tok.Address, created.TokenAddress)
}

func TestCreateToken_Validation(t *testing.T) {
	h := newHarness(t)
	bad := domain.CurveParams{BasePrice: 0, Slope: 1}

	tests := []struct {
		name  string
		req   CreateTokenRequest
		field string
	}{
		{"missing creator", CreateTokenRequest{Name: "n", Symbol: "AB"}, "creator_id"},
		{"missing name", CreateTokenRequest{CreatorID: "c", Symbol: "AB"}, "name"},
		{"long name", CreateTokenRequest{CreatorID: "c", Name: strings.Repeat("n", MaxNameLen+1), Symbol: "AB"}, "name"},
		{"short symbol", CreateTokenRequest{CreatorID: "c", Name: "n", Symbol: "A"}, "symbol"},
		{"long symbol", CreateTokenRequest{CreatorID: "c", Name: "n", Symbol: "ABCDEFGHIJK"}, "symbol"},
		{"symbol punctuation", CreateTokenRequest{CreatorID: "c", Name: "n", Symbol: "AB-C"}, "symbol"},
		{"symbol non ascii", CreateTokenRequest{CreatorID: "c", Name: "n", Symbol: "ÄBC"}, "symbol"},
		{"long thesis", CreateTokenRequest{CreatorID: "c", Name: "n", Symbol: "AB", Thesis: strings.Repeat("t", MaxThesisLen+1)}, "thesis"},
		{"bad curve", CreateTokenRequest{CreatorID: "c", Name: "n", Symbol: "AB", Curve: &bad}, "curve"},
		{"negative initial buy", CreateTokenRequest{CreatorID: "c", Name: "n", Symbol: "AB", InitialBuy: -1}, "initial_buy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.CreateToken(context.Background(), tt.req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	tokens, err := h.ledger.ListTokens(context.Background(), storage.ListTokensOptions{})
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestCreateToken_DuplicateSymbolIsCaseInsensitive(t *testing.T) {
	h := newHarness(t)
	first := h.createToken(t, "MOON")

	for _, req := range []CreateTokenRequest{
		{CreatorID: "creator", Name: "again", Symbol: "MOON"},
		{CreatorID: "someone-else", Name: "copycat", Symbol: "moon"},
	} {
		_, err := h.engine.CreateToken(context.Background(), req)

		var exists *TokenAlreadyExistsError
		require.ErrorAs(t, err, &exists)
		assert.Equal(t, first.Address, exists.Address)
		assert.Equal(t, KindTokenAlreadyExists, KindOf(err))
	}
}

func TestCreateToken_InitialBuyIsAtomic(t *testing.T) {
	h := newHarness(t)
	h.credit(t, "creator", 20_000_000)
	curve := fixtureCurve

	res, err := h.engine.CreateToken(context.Background(), CreateTokenRequest{
		CreatorID:  "creator",
		Name:       "Alpha",
		Symbol:     "ALPHA",
		Curve:      &curve,
		InitialBuy: 10_010_000,
	})
	require.NoError(t, err)
	require.NotNil(t, res.InitialBuy)
	assert.Equal(t, int64(9), res.InitialBuy.Trade.TokenAmount)
	assert.Equal(t, int64(969_500), res.InitialBuy.Refund)

	tok := h.token(t, res.Token.Address)
	assert.Equal(t, int64(9), tok.TotalSupply)
	assert.Equal(t, int64(9_040_500), tok.ReserveBalance)
	assert.Equal(t, int64(1), tok.HolderCount)
	assert.Equal(t, int64(1), tok.TradeCount)
	assert.Equal(t, tok.TotalSupply, res.Token.TotalSupply)

	assert.Equal(t,
		[]events.Type{events.TypeTokenCreated, events.TypeTrade, events.TypePriceUpdate},
		h.pub.types())
	created := h.pub.events[0].(events.TokenCreated)
	assert.Equal(t, fixtureCurve.BasePrice, created.BasePrice)
}

func TestCreateToken_FailedInitialBuyCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.credit(t, "creator", 1_000)

	_, err := h.engine.CreateToken(context.Background(), CreateTokenRequest{
		CreatorID:  "creator",
		Name:       "Alpha",
		Symbol:     "ALPHA",
		InitialBuy: 5_000_000,
	})
	assert.Equal(t, KindInsufficientBalance, KindOf(err))

	_, err = h.ledger.GetTokenBySymbol(context.Background(), "ALPHA")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, int64(1_000), h.balance(t, "creator"))
	assert.Empty(t, h.pub.types())
}
