package settlement

import (
	"errors"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"curve-market/internal/curve"
	"curve-market/internal/domain"
)

const maxInt64 = math.MaxInt64

var hundred = decimal.NewFromInt(100)

// avgPrice returns sol/units rounded to 9 decimal places.
func avgPrice(sol, units int64) decimal.Decimal {
	if units == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(sol).DivRound(decimal.NewFromInt(units), 9)
}

// slippagePercent returns how far the executed amount deviates from spot*units,
// in percent of spot*units. Buys deviate upward and sells downward; a
// favourable deviation is negative.
func slippagePercent(spot, amount, units int64, side domain.Side) decimal.Decimal {
	ideal := decimal.NewFromInt(spot).Mul(decimal.NewFromInt(units))
	if ideal.IsZero() {
		return decimal.Zero
	}
	diff := decimal.NewFromInt(amount).Sub(ideal)
	if side == domain.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(hundred).DivRound(ideal, 6)
}

// checkSlippage compares without division: the trade is rejected when
// (amount - spot*units)*100 > max*spot*units for buys, mirrored for sells.
func checkSlippage(spot, amount, units int64, max *decimal.Decimal, side domain.Side) error {
	if max == nil {
		return nil
	}

	ideal := decimal.NewFromInt(spot).Mul(decimal.NewFromInt(units))
	diff := decimal.NewFromInt(amount).Sub(ideal)
	if side == domain.SideSell {
		diff = diff.Neg()
	}

	if diff.Mul(hundred).GreaterThan(max.Mul(ideal)) {
		return &SlippageExceededError{
			SpotPrice:     spot,
			ExecutedPrice: avgPrice(amount, units),
			MaxPercent:    *max,
			ActualPercent: slippagePercent(spot, amount, units, side),
		}
	}
	return nil
}

// basisRemoved returns the cost basis released by selling delta of amount
// units: floor(costBasis*delta/amount). Selling everything releases all of it.
func basisRemoved(costBasis, delta, amount int64) int64 {
	if delta >= amount {
		return costBasis
	}
	v := new(big.Int).Mul(big.NewInt(costBasis), big.NewInt(delta))
	v.Quo(v, big.NewInt(amount))
	return v.Int64()
}

// curveError maps curve failures on caller-supplied amounts to validation errors.
func curveError(field string, err error) error {
	switch {
	case errors.Is(err, curve.ErrOverflow):
		return &ValidationError{Field: field, Reason: "amount too large"}
	case errors.Is(err, curve.ErrNonPositiveAmount):
		return &ValidationError{Field: field, Reason: "must be positive"}
	case errors.Is(err, curve.ErrInvalidParams):
		return &ValidationError{Field: "curve", Reason: err.Error()}
	case errors.Is(err, curve.ErrSellExceedsSupply):
		return &ValidationError{Field: field, Reason: err.Error()}
	default:
		return err
	}
}
