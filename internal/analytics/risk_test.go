package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/orchestrator/internal/domain/schema"
)

var sampleReturns = []float64{-0.05, -0.02, 0.01, 0.03, -0.01}

func tradesFor(returns []float64, balance int64) []schema.Trade {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]schema.Trade, len(returns))
	for i, r := range returns {
		out[i] = schema.Trade{
			ID:        string(rune('a' + i)),
			PnL:       decimal.NewFromFloat(r).Mul(decimal.NewFromInt(balance)),
			Timestamp: start.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestValueAtRiskMonotonicInConfidence(t *testing.T) {
	var95 := ValueAtRisk(sampleReturns, 0.95)
	var99 := ValueAtRisk(sampleReturns, 0.99)
	require.GreaterOrEqual(t, var99, var95)
	require.InDelta(t, 0.05, var95, 1e-12)

	report := BuildReport(tradesFor(sampleReturns, 10000), decimal.NewFromInt(10000), 0.95)
	oneDay, ok := report.Horizon(1)
	require.True(t, ok)
	require.True(t, oneDay.VaRAmount.Equal(decimal.NewFromInt(500)), "got %s", oneDay.VaRAmount)
}

func TestValueAtRiskFlooredAtZero(t *testing.T) {
	require.Zero(t, ValueAtRisk([]float64{0.01, 0.02, 0.03}, 0.95))
	require.Zero(t, ValueAtRisk(sampleReturns, 1.5), "invalid confidence")
}

func TestConditionalVaRAtLeastVaR(t *testing.T) {
	returns := []float64{-0.10, -0.04, -0.02, 0.00, 0.01, 0.02, 0.02, 0.03, 0.04, 0.05}
	// floor(0.25·10) = 2 so the quantile is -0.02 and the tail is {-0.10, -0.04, -0.02}
	require.InDelta(t, 0.02, ValueAtRisk(returns, 0.75), 1e-12)
	require.InDelta(t, 0.16/3, ConditionalVaR(returns, 0.75), 1e-12)
	require.GreaterOrEqual(t, ConditionalVaR(returns, 0.75), ValueAtRisk(returns, 0.75))
}

func TestMaxDrawdownCompoundsEquity(t *testing.T) {
	// equity: 0.95, 0.931, then recovers below the 1.0 peak
	require.InDelta(t, 0.069, MaxDrawdown(sampleReturns), 1e-9)
	require.Zero(t, MaxDrawdown([]float64{0.01, 0.02}))
}

func TestSharpeRatio(t *testing.T) {
	got := SharpeRatio(sampleReturns)
	require.Less(t, got, 0.0, "net losing series")
	require.False(t, math.IsNaN(got))
	require.Zero(t, SharpeRatio([]float64{0.5, 0.5, 0.5}), "zero variance")
}

func TestEmptyInputYieldsZero(t *testing.T) {
	require.Empty(t, ComputeReturns(nil, decimal.NewFromInt(100)))
	require.Zero(t, SharpeRatio(nil))
	require.Zero(t, MaxDrawdown(nil))
	require.Zero(t, ValueAtRisk(nil, 0.95))
	require.Zero(t, ConditionalVaR(nil, 0.95))

	report := BuildReport(nil, decimal.Zero, 0.95)
	require.Zero(t, report.Observations)
	for _, h := range report.Horizons {
		require.Zero(t, h.VaR)
		require.True(t, h.VaRAmount.IsZero())
	}
}

func TestComputeReturnsOrdersAndFallsBackToNotional(t *testing.T) {
	trades := tradesFor([]float64{0.02, -0.01}, 1000)
	trades[0], trades[1] = trades[1], trades[0]
	require.Equal(t, []float64{0.02, -0.01}, ComputeReturns(trades, decimal.NewFromInt(1000)))

	noBalance := []schema.Trade{
		{PnL: decimal.NewFromInt(5), Amount: decimal.NewFromInt(2), Price: decimal.NewFromInt(50)},
		{PnL: decimal.NewFromInt(5)},
	}
	require.Equal(t, []float64{0.05}, ComputeReturns(noBalance, decimal.Zero))
}

func TestScaleHorizon(t *testing.T) {
	require.InDelta(t, 0.05*math.Sqrt(7), ScaleHorizon(0.05, 7), 1e-12)
	require.Zero(t, ScaleHorizon(0.05, 0))

	report := BuildReport(tradesFor(sampleReturns, 10000), decimal.NewFromInt(10000), 0.95)
	thirty, ok := report.Horizon(30)
	require.True(t, ok)
	oneDay, _ := report.Horizon(1)
	require.InDelta(t, oneDay.VaR*math.Sqrt(30), thirty.VaR, 1e-12)
}

func TestCalculatorMemoisesOnFingerprint(t *testing.T) {
	calc := NewCalculator(0.95)
	trades := tradesFor(sampleReturns, 10000)
	balance := decimal.NewFromInt(10000)

	first := calc.Report(trades, balance)
	calc.Report(trades, balance)
	require.Equal(t, 1, calc.computed)

	calc.Report(trades[:4], balance)
	require.Equal(t, 2, calc.computed, "trade count changed")
	calc.Report(trades[:4], decimal.NewFromInt(20000))
	require.Equal(t, 3, calc.computed, "balance changed")

	calc.Reset()
	again := calc.Report(trades, balance)
	require.Equal(t, 4, calc.computed)
	require.Equal(t, first, again)
}
