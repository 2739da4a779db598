package uniswapv3

import (
	"fmt"
	"math"
	"math/big"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/model"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272

	DefaultRangePct = 5.0
)

// FeeTiers is the pool discovery order.
var FeeTiers = []uint32{500, 3000, 10000, 100}

var tickSpacings = map[uint32]int32{
	100:   1,
	500:   10,
	3000:  60,
	10000: 200,
}

var q96 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

func TickSpacing(fee uint32) (int32, bool) {
	spacing, ok := tickSpacings[fee]
	return spacing, ok
}

// NearestUsableTick rounds tick to the closest multiple of spacing, halves
// rounding up, and keeps the result inside the valid tick bounds.
func NearestUsableTick(tick, spacing int32) int32 {
	if spacing <= 0 {
		return tick
	}
	rounded := int32(math.Floor(float64(tick)/float64(spacing)+0.5)) * spacing
	if rounded < MinTick {
		return rounded + spacing
	}
	if rounded > MaxTick {
		return rounded - spacing
	}
	return rounded
}

// RangeDelta converts a price band in percent to a tick distance:
// floor(ln(1+pct/100) / ln(1.0001)).
func RangeDelta(pct float64) int32 {
	return int32(math.Floor(math.Log(1+pct/100) / math.Log(1.0001)))
}

// SuggestRange centers a position of +/- pct around currentTick, aligned to
// the fee tier's tick spacing.
func SuggestRange(currentTick int32, fee uint32, pct float64) (model.TickRange, error) {
	if pct <= 0 || math.IsNaN(pct) || math.IsInf(pct, 0) {
		return model.TickRange{}, clierr.New(clierr.CodeUsage, "range pct must be positive")
	}
	spacing, ok := TickSpacing(fee)
	if !ok {
		return model.TickRange{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unknown fee tier %d", fee))
	}
	delta := RangeDelta(pct)
	lower := NearestUsableTick(currentTick-delta, spacing)
	upper := NearestUsableTick(currentTick+delta, spacing)
	if lower >= upper {
		return model.TickRange{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("range collapsed: tick lower %d >= tick upper %d; widen --range-pct", lower, upper))
	}
	return model.TickRange{
		CurrentTick: currentTick,
		TickSpacing: spacing,
		TickLower:   lower,
		TickUpper:   upper,
		RangePct:    pct,
	}, nil
}

func sqrtRatioAtTick(tick int32) *big.Float {
	ratio := new(big.Float).SetFloat64(math.Pow(1.0001, float64(tick)/2))
	return ratio.Mul(ratio, q96)
}

// EstimateAmounts returns the token0/token1 base units a position of
// liquidity between tickLower and tickUpper represents at sqrtPriceX96. It
// is a float approximation for display and never feeds a transaction.
func EstimateAmounts(liquidity, sqrtPriceX96 *big.Int, tickLower, tickUpper int32) (*big.Int, *big.Int) {
	zero := func() *big.Int { return big.NewInt(0) }
	if liquidity == nil || liquidity.Sign() <= 0 || tickLower >= tickUpper {
		return zero(), zero()
	}
	liq := new(big.Float).SetInt(liquidity)
	sqrtA := sqrtRatioAtTick(tickLower)
	sqrtB := sqrtRatioAtTick(tickUpper)
	sqrtP := new(big.Float).Set(sqrtA)
	if sqrtPriceX96 != nil && sqrtPriceX96.Sign() > 0 {
		sqrtP.SetInt(sqrtPriceX96)
	}

	// amount0 = L * Q96 * (sqrtB - sqrtX) / (sqrtB * sqrtX)
	amount0For := func(sqrtX *big.Float) *big.Float {
		out := new(big.Float).Mul(liq, q96)
		out.Mul(out, new(big.Float).Sub(sqrtB, sqrtX))
		out.Quo(out, sqrtB)
		return out.Quo(out, sqrtX)
	}
	// amount1 = L * (sqrtX - sqrtA) / Q96
	amount1For := func(sqrtX *big.Float) *big.Float {
		out := new(big.Float).Mul(liq, new(big.Float).Sub(sqrtX, sqrtA))
		return out.Quo(out, q96)
	}

	switch {
	case sqrtP.Cmp(sqrtA) <= 0:
		a0, _ := amount0For(sqrtA).Int(nil)
		return a0, zero()
	case sqrtP.Cmp(sqrtB) >= 0:
		a1, _ := amount1For(sqrtB).Int(nil)
		return zero(), a1
	default:
		a0, _ := amount0For(sqrtP).Int(nil)
		a1, _ := amount1For(sqrtP).Int(nil)
		return a0, a1
	}
}
