// Package curve implements the linear bonding curve pricing functions.
//
// The curve is price(s) = BasePrice + Slope*s. All amounts are integers in the
// smallest indivisible unit; intermediate products are computed with math/big
// and results that do not fit int64 return ErrOverflow.
//
// Trade amounts are defined as differences of a single integral
//
//	F(x) = BasePrice*x + floor(Slope*x*x / 2)
//
// so that any sequence of buys and sells telescopes: the reserve of a token
// equals F(totalSupply) exactly, with no rounding drift.
package curve

import (
	"errors"
	"fmt"
	"math/big"

	"curve-market/internal/domain"
)

// Curve errors.
var (
	// ErrInvalidParams is returned when BasePrice <= 0 or Slope < 0.
	ErrInvalidParams = errors.New("invalid curve params")

	// ErrNegativeSupply is returned for a negative supply level.
	ErrNegativeSupply = errors.New("negative supply")

	// ErrNonPositiveAmount is returned when a trade size or budget is <= 0.
	ErrNonPositiveAmount = errors.New("amount must be positive")

	// ErrSellExceedsSupply is returned when selling more units than issued.
	ErrSellExceedsSupply = errors.New("sell amount exceeds supply")

	// ErrOverflow is returned when a result does not fit in int64.
	ErrOverflow = errors.New("curve arithmetic overflow")
)

var bigTwo = big.NewInt(2)

// Validate checks curve parameters.
func Validate(p domain.CurveParams) error {
	if p.BasePrice <= 0 {
		return fmt.Errorf("%w: base price must be > 0, got %d", ErrInvalidParams, p.BasePrice)
	}
	if p.Slope < 0 {
		return fmt.Errorf("%w: slope must be >= 0, got %d", ErrInvalidParams, p.Slope)
	}
	return nil
}

// PriceAt returns the marginal price at the given supply.
func PriceAt(p domain.CurveParams, supply int64) (int64, error) {
	if err := Validate(p); err != nil {
		return 0, err
	}
	if supply < 0 {
		return 0, ErrNegativeSupply
	}
	v := new(big.Int).Mul(big.NewInt(p.Slope), big.NewInt(supply))
	v.Add(v, big.NewInt(p.BasePrice))
	return toInt64(v)
}

// Integral returns F(supply), the reserve required to back supply units.
func Integral(p domain.CurveParams, supply int64) (int64, error) {
	if err := Validate(p); err != nil {
		return 0, err
	}
	if supply < 0 {
		return 0, ErrNegativeSupply
	}
	return toInt64(integral(p, big.NewInt(supply)))
}

// CostToBuy returns the lamports required to move supply to supply+delta,
// F(supply+delta) - F(supply).
//
// When Slope*supply*supply is odd this is one lamport above the per-trade
// floor of BasePrice*delta + Slope*delta*(2*supply+delta)/2: the half
// lamport F dropped at supply is charged here instead. Floors taken per
// trade would not telescope, and the reserve would drift from F(supply).
func CostToBuy(p domain.CurveParams, supply, delta int64) (int64, error) {
	if err := Validate(p); err != nil {
		return 0, err
	}
	if supply < 0 {
		return 0, ErrNegativeSupply
	}
	if delta <= 0 {
		return 0, ErrNonPositiveAmount
	}

	from := big.NewInt(supply)
	to := new(big.Int).Add(from, big.NewInt(delta))
	if !to.IsInt64() {
		return 0, ErrOverflow
	}

	cost := new(big.Int).Sub(integral(p, to), integral(p, from))
	return toInt64(cost)
}

// ProceedsFromSell returns the lamports released by moving supply down to
// supply-delta, i.e. the integral over [supply-delta, supply].
func ProceedsFromSell(p domain.CurveParams, supply, delta int64) (int64, error) {
	if err := Validate(p); err != nil {
		return 0, err
	}
	if supply < 0 {
		return 0, ErrNegativeSupply
	}
	if delta <= 0 {
		return 0, ErrNonPositiveAmount
	}
	if delta > supply {
		return 0, fmt.Errorf("%w: selling %d of %d", ErrSellExceedsSupply, delta, supply)
	}

	to := big.NewInt(supply)
	from := big.NewInt(supply - delta)

	proceeds := new(big.Int).Sub(integral(p, to), integral(p, from))
	return toInt64(proceeds)
}

// MaxUnitsForBudget returns the largest number of units purchasable at the
// given supply without exceeding budget, and the exact cost of those units.
//
// The solve is closed form. With R = F(supply) + budget, the target supply T
// is the largest integer with F(T) <= R, which for Slope > 0 is
//
//	T = floor((-b + isqrt(b*b + s*(2R+1))) / s)
//
// Rounding is floor: cost <= budget and the remainder is never charged.
// units may be zero when the budget does not cover a single unit.
func MaxUnitsForBudget(p domain.CurveParams, supply, budget int64) (units, cost int64, err error) {
	if err := Validate(p); err != nil {
		return 0, 0, err
	}
	if supply < 0 {
		return 0, 0, ErrNegativeSupply
	}
	if budget <= 0 {
		return 0, 0, ErrNonPositiveAmount
	}

	b := big.NewInt(p.BasePrice)
	s := big.NewInt(p.Slope)
	start := big.NewInt(supply)
	base := integral(p, start)
	limit := new(big.Int).Add(base, big.NewInt(budget))

	var target *big.Int
	if p.Slope == 0 {
		target = new(big.Int).Quo(limit, b)
	} else {
		// disc = b^2 + s*(2R+1)
		disc := new(big.Int).Mul(limit, bigTwo)
		disc.Add(disc, big.NewInt(1))
		disc.Mul(disc, s)
		disc.Add(disc, new(big.Int).Mul(b, b))

		target = new(big.Int).Sqrt(disc)
		target.Sub(target, b)
		target.Quo(target, s)
	}

	// isqrt is exact, but guard the boundary against any off-by-one.
	one := big.NewInt(1)
	for i := 0; i < 4; i++ {
		next := new(big.Int).Add(target, one)
		if integral(p, next).Cmp(limit) > 0 {
			break
		}
		target = next
	}
	for i := 0; i < 4 && target.Cmp(start) > 0 && integral(p, target).Cmp(limit) > 0; i++ {
		target.Sub(target, one)
	}
	if target.Cmp(start) < 0 {
		target.Set(start)
	}

	if !target.IsInt64() {
		return 0, 0, ErrOverflow
	}

	delta := new(big.Int).Sub(target, start)
	spent := new(big.Int).Sub(integral(p, target), base)

	units, err = toInt64(delta)
	if err != nil {
		return 0, 0, err
	}
	cost, err = toInt64(spent)
	if err != nil {
		return 0, 0, err
	}
	return units, cost, nil
}

// integral computes F(x) = b*x + floor(s*x*x/2) for x >= 0.
func integral(p domain.CurveParams, x *big.Int) *big.Int {
	quad := new(big.Int).Mul(x, x)
	quad.Mul(quad, big.NewInt(p.Slope))
	quad.Quo(quad, bigTwo)

	lin := new(big.Int).Mul(x, big.NewInt(p.BasePrice))
	return lin.Add(lin, quad)
}

func toInt64(v *big.Int) (int64, error) {
	if !v.IsInt64() {
		return 0, ErrOverflow
	}
	return v.Int64(), nil
}
