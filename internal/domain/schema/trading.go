package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus enumerates the lifecycle states reported for a trading bot.
type BotStatus string

const (
	BotStatusRunning BotStatus = "running"
	BotStatusStopped BotStatus = "stopped"
	BotStatusError   BotStatus = "error"
)

// Bot is a server-side trading bot as seen by the client.
type Bot struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Symbol    string         `json:"symbol"`
	Strategy  string         `json:"strategy"`
	IsActive  bool           `json:"is_active"`
	Status    BotStatus      `json:"status,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// WithStatus returns a copy of b flipped to status.
func (b Bot) WithStatus(status BotStatus) Bot {
	b.Status = status
	b.IsActive = status == BotStatusRunning
	return b
}

// TradeSide enumerates order directions.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade is an executed trade from the history endpoint.
type Trade struct {
	ID        string          `json:"id"`
	BotID     string          `json:"botId,omitempty"`
	Pair      string          `json:"pair"`
	Side      TradeSide       `json:"side"`
	Type      string          `json:"type,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Total     decimal.Decimal `json:"total"`
	PnL       decimal.Decimal `json:"pnl"`
	Status    string          `json:"status"`
	Mode      string          `json:"mode,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notional returns amount × price, or Total when the server supplied it.
func (t Trade) Notional() decimal.Decimal {
	if !t.Total.IsZero() {
		return t.Total
	}
	return t.Amount.Mul(t.Price)
}

// Ticker is a market-data price update.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// Candle is one OHLCV bar delivered in backfill messages.
type Candle struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}
