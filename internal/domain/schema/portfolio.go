package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a single asset holding inside a portfolio.
type Position struct {
	Asset             string          `json:"asset"`
	Amount            decimal.Decimal `json:"amount"`
	AveragePrice      decimal.Decimal `json:"averagePrice"`
	CurrentPrice      decimal.Decimal `json:"currentPrice"`
	TotalValue        decimal.Decimal `json:"totalValue"`
	ProfitLoss        decimal.Decimal `json:"profitLoss"`
	ProfitLossPercent decimal.Decimal `json:"profitLossPercent"`
}

// Portfolio is the full account snapshot for one trading mode.
type Portfolio struct {
	TotalBalance     decimal.Decimal     `json:"totalBalance"`
	AvailableBalance decimal.Decimal     `json:"availableBalance"`
	Positions        map[string]Position `json:"positions"`
	ProfitLoss24h    decimal.Decimal     `json:"profitLoss24h"`
	ProfitLossTotal  decimal.Decimal     `json:"profitLossTotal"`
	SuccessfulTrades int                 `json:"successfulTrades"`
	FailedTrades     int                 `json:"failedTrades"`
	TotalTrades      int                 `json:"totalTrades"`
	WinRate          decimal.Decimal     `json:"winRate"`
	AverageWin       decimal.Decimal     `json:"averageWin"`
	AverageLoss      decimal.Decimal     `json:"averageLoss"`
	UpdatedAt        time.Time           `json:"updatedAt,omitempty"`
}

// Clone returns a deep copy of the portfolio.
func (p Portfolio) Clone() Portfolio {
	out := p
	if p.Positions != nil {
		out.Positions = make(map[string]Position, len(p.Positions))
		for k, v := range p.Positions {
			out.Positions[k] = v
		}
	}
	return out
}

// PortfolioDelta is an incremental update applied on top of a Portfolio snapshot.
// Positions are upserts keyed by asset; Removed lists assets to drop.
type PortfolioDelta struct {
	Positions             map[string]Position `json:"positions,omitempty"`
	Removed               []string            `json:"removed,omitempty"`
	TotalBalanceDelta     decimal.Decimal     `json:"totalBalanceDelta"`
	AvailableBalanceDelta decimal.Decimal     `json:"availableBalanceDelta"`
	ProfitLoss24hDelta    decimal.Decimal     `json:"profitLoss24hDelta"`
	ProfitLossTotalDelta  decimal.Decimal     `json:"profitLossTotalDelta"`
}

// Apply returns p with d merged in. p is left untouched.
func (p Portfolio) Apply(d PortfolioDelta) Portfolio {
	out := p.Clone()
	if out.Positions == nil && len(d.Positions) > 0 {
		out.Positions = make(map[string]Position, len(d.Positions))
	}
	for asset, pos := range d.Positions {
		if pos.Asset == "" {
			pos.Asset = asset
		}
		out.Positions[asset] = pos
	}
	for _, asset := range d.Removed {
		delete(out.Positions, asset)
	}
	out.TotalBalance = out.TotalBalance.Add(d.TotalBalanceDelta)
	out.AvailableBalance = out.AvailableBalance.Add(d.AvailableBalanceDelta)
	out.ProfitLoss24h = out.ProfitLoss24h.Add(d.ProfitLoss24hDelta)
	out.ProfitLossTotal = out.ProfitLossTotal.Add(d.ProfitLossTotalDelta)
	return out
}

// WalletBalance is the per-currency balance in a wallet.
type WalletBalance struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// Stake is an active staking position.
type Stake struct {
	ID        string          `json:"id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	APY       decimal.Decimal `json:"apy"`
	Rewards   decimal.Decimal `json:"rewards"`
	Status    string          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
}

// StakeRequest is the body for stake and unstake calls.
type StakeRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}
