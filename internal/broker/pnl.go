package broker

import "math"

// LinearPnL is (exit - entry) * qty, sign flipped for SELL.
func LinearPnL(dir Direction, entry, exit, qty float64) float64 {
	q := math.Abs(qty)
	if q == 0 {
		return 0
	}
	if dir == Sell {
		return (entry - exit) * q
	}
	return (exit - entry) * q
}

// MultiplierPnL is stake * (multiplier - 1) where multiplier is exit/entry for
// BUY and entry/exit for SELL.
func MultiplierPnL(dir Direction, entry, exit, stake float64) float64 {
	if entry <= 0 || exit <= 0 {
		return 0
	}
	mult := exit / entry
	if dir == Sell {
		mult = entry / exit
	}
	return stake * (mult - 1)
}

// PnL dispatches on the instrument class.
func PnL(class Class, dir Direction, entry, exit, stake, qty float64) float64 {
	if class == Linear {
		return LinearPnL(dir, entry, exit, qty)
	}
	return MultiplierPnL(dir, entry, exit, stake)
}

// OutcomeOf maps a realized P/L to a settlement status.
func OutcomeOf(pnl float64) ContractStatus {
	if pnl > 0 {
		return StatusSettledWin
	}
	return StatusSettledLoss
}
