package analytics

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orchestrator/internal/domain/schema"
)

// DefaultConfidence is used when a Calculator is built with an invalid level.
const DefaultConfidence = 0.95

// Horizons reported by BuildReport, in days.
var Horizons = []int{1, 7, 30}

// HorizonRisk is VaR and expected shortfall over one horizon, as fractions
// and in balance currency.
type HorizonRisk struct {
	Days      int
	VaR       float64
	ES        float64
	VaRAmount decimal.Decimal
	ESAmount  decimal.Decimal
}

// Report summarises the risk of a trade history against a balance.
type Report struct {
	Confidence   float64
	Balance      decimal.Decimal
	Observations int
	Horizons     []HorizonRisk
	Sharpe       float64
	MaxDrawdown  float64
}

// Horizon returns the entry for days.
func (r Report) Horizon(days int) (HorizonRisk, bool) {
	for _, h := range r.Horizons {
		if h.Days == days {
			return h, true
		}
	}
	return HorizonRisk{}, false
}

// BuildReport computes the full report.
func BuildReport(trades []schema.Trade, balance decimal.Decimal, confidence float64) Report {
	if !validConfidence(confidence) {
		confidence = DefaultConfidence
	}
	returns := ComputeReturns(trades, balance)
	oneDayVaR := ValueAtRisk(returns, confidence)
	oneDayES := ConditionalVaR(returns, confidence)

	report := Report{
		Confidence:   confidence,
		Balance:      balance,
		Observations: len(returns),
		Sharpe:       SharpeRatio(returns),
		MaxDrawdown:  MaxDrawdown(returns),
		Horizons:     make([]HorizonRisk, 0, len(Horizons)),
	}
	for _, days := range Horizons {
		v := ScaleHorizon(oneDayVaR, days)
		es := ScaleHorizon(oneDayES, days)
		report.Horizons = append(report.Horizons, HorizonRisk{
			Days:      days,
			VaR:       v,
			ES:        es,
			VaRAmount: amount(balance, v),
			ESAmount:  amount(balance, es),
		})
	}
	return report
}

func amount(balance decimal.Decimal, fraction float64) decimal.Decimal {
	if !balance.IsPositive() {
		return decimal.Zero
	}
	return balance.Mul(decimal.NewFromFloat(fraction)).Round(2)
}

type fingerprint struct {
	trades  int
	balance string
}

// Calculator memoises BuildReport on the trade count and balance, so callers
// can ask on every read without recomputing.
type Calculator struct {
	confidence float64

	mu       sync.Mutex
	last     fingerprint
	report   Report
	valid    bool
	computed int
}

func NewCalculator(confidence float64) *Calculator {
	if !validConfidence(confidence) {
		confidence = DefaultConfidence
	}
	return &Calculator{confidence: confidence}
}

// Report returns the memoised report, recomputing when the trade count or
// balance changed.
func (c *Calculator) Report(trades []schema.Trade, balance decimal.Decimal) Report {
	fp := fingerprint{trades: len(trades), balance: balance.String()}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.last == fp {
		return c.report
	}
	c.report = BuildReport(trades, balance, c.confidence)
	c.last = fp
	c.valid = true
	c.computed++
	return c.report
}

// Reset forgets the memoised report.
func (c *Calculator) Reset() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
