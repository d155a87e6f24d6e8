package risk

import "math"

// RawStake is the unclamped risk-based stake. With a stop distance the
// amount at risk is spread over the distance; without one (fixed payout
// contracts) the stake is the risk amount itself.
func RawStake(balance, riskPercent, entry, stop float64) float64 {
	if balance <= 0 || riskPercent <= 0 {
		return 0
	}
	riskAmount := balance * riskPercent / 100
	if entry <= 0 || stop <= 0 {
		return riskAmount
	}
	distance := math.Abs(entry-stop) / entry
	if distance == 0 {
		return riskAmount
	}
	return riskAmount / distance
}

// CalculateStakeSize returns a stake within [MinStake, MaxStakeSize]. ok is
// false when the raw stake is below MinStake; callers must decline the trade.
func CalculateStakeSize(balance float64, p Policy, entry, stop float64) (float64, bool) {
	return ClampStake(RawStake(balance, p.RiskPerTrade, entry, stop), p)
}

// ClampStake caps a raw stake, such as one from an adapter's
// ComputeStakeFromRisk, at MaxStakeSize and rejects it below MinStake.
func ClampStake(raw float64, p Policy) (float64, bool) {
	stake := math.Min(raw, p.MaxStakeSize)
	if stake < MinStake || math.IsNaN(stake) {
		return MinStake, false
	}
	return stake, true
}
