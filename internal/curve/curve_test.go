package curve

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curve-market/internal/domain"
)

var fixture = domain.CurveParams{BasePrice: 1_000_000, Slope: 1_000}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  domain.CurveParams
		wantErr bool
	}{
		{"fixture", fixture, false},
		{"flat curve", domain.CurveParams{BasePrice: 1, Slope: 0}, false},
		{"zero base price", domain.CurveParams{BasePrice: 0, Slope: 1}, true},
		{"negative base price", domain.CurveParams{BasePrice: -5, Slope: 1}, true},
		{"negative slope", domain.CurveParams{BasePrice: 10, Slope: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParams)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPriceAt(t *testing.T) {
	price, err := PriceAt(fixture, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), price)

	price, err = PriceAt(fixture, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1_010_000), price)

	_, err = PriceAt(fixture, -1)
	assert.ErrorIs(t, err, ErrNegativeSupply)

	_, err = PriceAt(domain.CurveParams{BasePrice: 1, Slope: math.MaxInt64}, 2)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestPriceAt_NonDecreasing(t *testing.T) {
	params := []domain.CurveParams{fixture, {BasePrice: 7, Slope: 0}, {BasePrice: 1, Slope: 3}}
	for _, p := range params {
		prev := int64(0)
		for s := int64(0); s < 500; s++ {
			price, err := PriceAt(p, s)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, price, prev)
			prev = price
		}
	}
}

func TestCostToBuy_Fixture(t *testing.T) {
	// 1_000_000*10 + 1_000*10*(0+10)/2
	cost, err := CostToBuy(fixture, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10_050_000), cost)

	// 1_000_000*5 + 1_000*5*(2*10+5)/2
	cost, err = CostToBuy(fixture, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5_062_500), cost)
}

func TestCostToBuy_MatchesClosedForm(t *testing.T) {
	// With an even slope the floor never applies and the formula is exact.
	p := domain.CurveParams{BasePrice: 3_000, Slope: 42}
	for supply := int64(0); supply < 50; supply++ {
		for delta := int64(1); delta < 50; delta++ {
			want := p.BasePrice*delta + p.Slope*delta*(2*supply+delta)/2
			got, err := CostToBuy(p, supply, delta)
			require.NoError(t, err)
			assert.Equal(t, want, got, "supply=%d delta=%d", supply, delta)
		}
	}
}

func TestCostToBuy_ChargesIntegralNotPerTradeFloor(t *testing.T) {
	p := domain.CurveParams{BasePrice: 1, Slope: 1}

	// F(2) - F(1) = (2 + 2) - (1 + 0)
	cost, err := CostToBuy(p, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cost)

	perTrade := p.BasePrice*1 + p.Slope*1*(2*1+1)/2
	assert.Equal(t, int64(2), perTrade)

	// Buying the same two units in one trade costs the sum of the parts.
	first, err := CostToBuy(p, 0, 1)
	require.NoError(t, err)
	both, err := CostToBuy(p, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, both, first+cost)

	reserve, err := Integral(p, 2)
	require.NoError(t, err)
	assert.Equal(t, reserve, first+cost)
}

func TestCostToBuy_StrictlyIncreasing(t *testing.T) {
	params := []domain.CurveParams{fixture, {BasePrice: 1, Slope: 0}, {BasePrice: 1, Slope: 1}}
	for _, p := range params {
		for _, supply := range []int64{0, 1, 99, 12_345} {
			prev := int64(0)
			for delta := int64(1); delta < 200; delta++ {
				cost, err := CostToBuy(p, supply, delta)
				require.NoError(t, err)
				assert.Greater(t, cost, prev)
				prev = cost
			}
		}
	}
}

func TestCostToBuy_Errors(t *testing.T) {
	_, err := CostToBuy(fixture, -1, 1)
	assert.ErrorIs(t, err, ErrNegativeSupply)

	_, err = CostToBuy(fixture, 0, 0)
	assert.ErrorIs(t, err, ErrNonPositiveAmount)

	_, err = CostToBuy(fixture, math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = CostToBuy(fixture, 0, math.MaxInt64/2)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestProceedsFromSell(t *testing.T) {
	proceeds, err := ProceedsFromSell(fixture, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10_050_000), proceeds)

	// Lower interval [10, 15]
	proceeds, err = ProceedsFromSell(fixture, 15, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5_062_500), proceeds)

	_, err = ProceedsFromSell(fixture, 3, 4)
	assert.ErrorIs(t, err, ErrSellExceedsSupply)

	_, err = ProceedsFromSell(fixture, 3, 0)
	assert.ErrorIs(t, err, ErrNonPositiveAmount)
}

func TestProceedsFromSell_SymmetricWithBuy(t *testing.T) {
	// Odd slope exercises the half-unit floor.
	p := domain.CurveParams{BasePrice: 5, Slope: 3}
	for supply := int64(0); supply < 40; supply++ {
		for delta := int64(1); delta < 40; delta++ {
			cost, err := CostToBuy(p, supply, delta)
			require.NoError(t, err)
			proceeds, err := ProceedsFromSell(p, supply+delta, delta)
			require.NoError(t, err)
			assert.Equal(t, cost, proceeds, "supply=%d delta=%d", supply, delta)
		}
	}
}

func TestIntegral_Telescopes(t *testing.T) {
	p := domain.CurveParams{BasePrice: 17, Slope: 5}
	rng := rand.New(rand.NewSource(7))

	supply := int64(0)
	reserve := int64(0)
	for i := 0; i < 2000; i++ {
		if supply > 0 && rng.Intn(2) == 0 {
			delta := rng.Int63n(supply) + 1
			proceeds, err := ProceedsFromSell(p, supply, delta)
			require.NoError(t, err)
			supply -= delta
			reserve -= proceeds
		} else {
			delta := rng.Int63n(1000) + 1
			cost, err := CostToBuy(p, supply, delta)
			require.NoError(t, err)
			supply += delta
			reserve += cost
		}

		oracle, err := Integral(p, supply)
		require.NoError(t, err)
		require.Equal(t, oracle, reserve, "step %d", i)
	}
}

func TestMaxUnitsForBudget_Fixture(t *testing.T) {
	tests := []struct {
		name      string
		supply    int64
		budget    int64
		wantUnits int64
		wantCost  int64
	}{
		{"exact budget for ten units", 0, 10_050_000, 10, 10_050_000},
		{"uneven budget floors to nine", 0, 10_010_000, 9, 9_040_500},
		{"one lamport short of one unit", 0, 1_000_499, 0, 0},
		{"exactly one unit", 0, 1_000_500, 1, 1_000_500},
		{"from non-zero supply", 10, 5_062_500, 5, 5_062_500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units, cost, err := MaxUnitsForBudget(fixture, tt.supply, tt.budget)
			require.NoError(t, err)
			assert.Equal(t, tt.wantUnits, units)
			assert.Equal(t, tt.wantCost, cost)
		})
	}
}

func TestMaxUnitsForBudget_IsTightBound(t *testing.T) {
	params := []domain.CurveParams{
		fixture,
		{BasePrice: 1, Slope: 0},
		{BasePrice: 3, Slope: 1},
		{BasePrice: 999, Slope: 7},
	}
	rng := rand.New(rand.NewSource(42))

	for _, p := range params {
		for i := 0; i < 500; i++ {
			supply := rng.Int63n(100_000)
			budget := rng.Int63n(1_000_000_000) + 1

			units, cost, err := MaxUnitsForBudget(p, supply, budget)
			require.NoError(t, err)
			assert.LessOrEqual(t, cost, budget)

			if units > 0 {
				exact, err := CostToBuy(p, supply, units)
				require.NoError(t, err)
				assert.Equal(t, exact, cost)
			}

			next, err := CostToBuy(p, supply, units+1)
			require.NoError(t, err)
			assert.Greater(t, next, budget, "units+1 must not be affordable")
		}
	}
}

func TestMaxUnitsForBudget_Errors(t *testing.T) {
	_, _, err := MaxUnitsForBudget(fixture, 0, 0)
	assert.ErrorIs(t, err, ErrNonPositiveAmount)

	_, _, err = MaxUnitsForBudget(fixture, -1, 10)
	assert.ErrorIs(t, err, ErrNegativeSupply)

	_, _, err = MaxUnitsForBudget(domain.CurveParams{BasePrice: 0}, 0, 10)
	assert.True(t, errors.Is(err, ErrInvalidParams))

	// Flat curve with a one-lamport price: units equal the budget and the
	// resulting supply overflows.
	_, _, err = MaxUnitsForBudget(domain.CurveParams{BasePrice: 1}, math.MaxInt64-5, 10)
	assert.ErrorIs(t, err, ErrOverflow)
}
