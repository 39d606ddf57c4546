package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundDownToTick aligns a price to the venue tick, rounding toward zero.
// Used for LONG-side prices so a printed level is always reachable.
func RoundDownToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// RoundUpToTick aligns a price to the venue tick, rounding away from zero.
// Used for SHORT-side prices.
func RoundUpToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}

// TruncateToStep aligns a quantity to the venue step, truncating toward
// smaller size. Oversized close quantities trigger reduce-only rejections.
func TruncateToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// WeightedAvgPrice computes the quantity-weighted average of (price, qty)
// pairs in quote terms.
func WeightedAvgPrice(prices, qtys []decimal.Decimal) decimal.Decimal {
	totalQty := decimal.Zero
	totalValue := decimal.Zero
	for i := range prices {
		totalQty = totalQty.Add(qtys[i])
		totalValue = totalValue.Add(prices[i].Mul(qtys[i]))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalValue.Div(totalQty)
}

// NetPnL computes realized profit after fees for a close.
// Gross is (exit-avg)*qty for longs, mirrored for shorts; entryFees is the
// quote fee already paid on the closed quantity; exitFeeRate applies to the
// exit notional.
func NetPnL(avgPrice, exitPrice, qty, entryFees, exitFeeRate decimal.Decimal, long bool) decimal.Decimal {
	var gross decimal.Decimal
	if long {
		gross = exitPrice.Sub(avgPrice).Mul(qty)
	} else {
		gross = avgPrice.Sub(exitPrice).Mul(qty)
	}
	exitFee := exitPrice.Mul(qty).Mul(exitFeeRate)
	return gross.Sub(entryFees).Sub(exitFee)
}
