package client

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orchestrator/internal/analytics"
	"github.com/coachpo/orchestrator/internal/domain/keys"
	"github.com/coachpo/orchestrator/internal/observability"
)

func (c *Client) calculator(mode string) *analytics.Calculator {
	c.riskMu.Lock()
	defer c.riskMu.Unlock()
	calc, ok := c.risk[mode]
	if !ok {
		calc = analytics.NewCalculator(c.confidence)
		c.risk[mode] = calc
	}
	return calc
}

// RiskReport derives VaR, expected shortfall, Sharpe and drawdown for mode
// from the cached trade history and portfolio balance. A missing portfolio
// falls back to per-trade notional returns.
func (c *Client) RiskReport(ctx context.Context, mode string) (analytics.Report, error) {
	trades := c.Trades(ctx, "", mode)
	if trades.IsError && !trades.HasData {
		return analytics.Report{}, trades.Err
	}
	balance := decimal.Zero
	portfolio := c.Portfolio(ctx, mode)
	switch {
	case portfolio.HasData:
		balance = portfolio.Data.TotalBalance
	case portfolio.IsError:
		observability.Log().Debug("risk report without balance",
			observability.F("mode", mode), observability.F("err", portfolio.Err))
	}
	report := c.calculator(mode).Report(trades.Data, balance)
	c.cache.Set(keys.RiskReport(mode), report)
	return report, nil
}
