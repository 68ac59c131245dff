// Package analytics derives risk statistics from cached trade history. Every
// function is pure; empty or degenerate input yields zero, never NaN.
package analytics

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orchestrator/internal/domain/schema"
)

// TradingDays annualises daily Sharpe ratios.
const TradingDays = 252

// ComputeReturns turns trades into per-trade returns ordered by timestamp.
// Each return is the trade's P&L over balance; with no positive balance the
// trade's own notional is used, and trades without either are skipped.
func ComputeReturns(trades []schema.Trade, balance decimal.Decimal) []float64 {
	if len(trades) == 0 {
		return nil
	}
	ordered := make([]schema.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	out := make([]float64, 0, len(ordered))
	for _, t := range ordered {
		base := balance
		if !base.IsPositive() {
			base = t.Notional().Abs()
		}
		if base.IsZero() {
			continue
		}
		r, _ := t.PnL.Div(base).Float64()
		out = append(out, r)
	}
	return out
}

// quantileIndex is floor((1-confidence)·n), clamped into the slice.
func quantileIndex(n int, confidence float64) int {
	idx := int(math.Floor((1 - confidence) * float64(n)))
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

func sorted(returns []float64) []float64 {
	out := make([]float64, len(returns))
	copy(out, returns)
	sort.Float64s(out)
	return out
}

func validConfidence(confidence float64) bool {
	return confidence > 0 && confidence < 1 && !math.IsNaN(confidence)
}

// ValueAtRisk is the historical VaR as a positive loss fraction. Gains at
// the quantile report zero risk.
func ValueAtRisk(returns []float64, confidence float64) float64 {
	if len(returns) == 0 || !validConfidence(confidence) {
		return 0
	}
	s := sorted(returns)
	return math.Max(0, -s[quantileIndex(len(s), confidence)])
}

// ConditionalVaR is the mean loss of returns at or below the VaR quantile.
func ConditionalVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 || !validConfidence(confidence) {
		return 0
	}
	s := sorted(returns)
	cutoff := s[quantileIndex(len(s), confidence)]
	sum, n := 0.0, 0
	for _, r := range s {
		if r > cutoff {
			break
		}
		sum += r
		n++
	}
	return math.Max(0, -sum/float64(n))
}

// MaxDrawdown is the largest peak-to-trough decline of the compounded equity
// curve, as a fraction of the peak.
func MaxDrawdown(returns []float64) float64 {
	equity, peak, worst := 1.0, 1.0, 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - equity) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

// SharpeRatio is mean over sample standard deviation, annualised by √252.
func SharpeRatio(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(n-1))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(TradingDays)
}

// ScaleHorizon applies square-root-of-time scaling to a one-day figure. The
// result is directional, not a recomputation over resampled returns.
func ScaleHorizon(oneDay float64, days int) float64 {
	if days <= 0 {
		return 0
	}
	return oneDay * math.Sqrt(float64(days))
}
