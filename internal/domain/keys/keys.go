// Package keys names the query cache keys shared by the REST facade and the
// realtime stream handlers.
package keys

import "github.com/coachpo/orchestrator/internal/cache"

func Bots() cache.Key { return cache.K("bots") }

// Trades is keyed by bot and mode; empty segments mean "all".
func Trades(botID, mode string) cache.Key { return cache.K("trades", botID, mode) }

// TradesAll is the prefix covering every trades query.
func TradesAll() cache.Key { return cache.K("trades") }

func Portfolio(mode string) cache.Key { return cache.K("portfolio", mode) }

func PortfolioAll() cache.Key { return cache.K("portfolio") }

func Wallets() cache.Key { return cache.K("wallets", "balance") }

func WalletTransactions() cache.Key { return cache.K("wallets", "transactions") }

func Stakes() cache.Key { return cache.K("staking", "stakes") }

func Notifications() cache.Key { return cache.K("notifications", "list") }

func UnreadCount() cache.Key { return cache.K("notifications", "unread") }

func NotificationsAll() cache.Key { return cache.K("notifications") }

func RiskScenario() cache.Key { return cache.K("notifications", "risk-scenario") }

func Preferences() cache.Key { return cache.K("preferences") }

func Ticker(symbol string) cache.Key { return cache.K("market", "ticker", symbol) }

func Candles(symbol string) cache.Key { return cache.K("market", "candles", symbol) }

func RiskReport(mode string) cache.Key { return cache.K("analytics", "risk", mode) }
