package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/orchestrator/internal/cache"
	"github.com/coachpo/orchestrator/internal/domain/keys"
	"github.com/coachpo/orchestrator/internal/domain/schema"
	"github.com/coachpo/orchestrator/internal/observability"
)

// Stream names, matching the backend websocket routes.
const (
	StreamMarketData    = "market-data"
	StreamPortfolio     = "portfolio"
	StreamWallet        = "wallet"
	StreamBotStatus     = "bot-status"
	StreamNotifications = "notifications"
)

// Paths maps each stream to its route under the websocket base.
var Paths = map[string]string{
	StreamMarketData:    "/ws/market-data",
	StreamPortfolio:     "/api/ws/portfolio",
	StreamWallet:        "/ws/wallet",
	StreamBotStatus:     "/ws/bot-status",
	StreamNotifications: "/ws/notifications",
}

// MarketSubscribe is the market-data subscribe command.
func MarketSubscribe(symbols ...string) any {
	return map[string]any{"action": "subscribe", "symbols": symbols}
}

// WalletSubscribe is the wallet subscribe command.
func WalletSubscribe(currency string) any {
	return map[string]any{"action": "subscribe", "currency": currency}
}

// BotStatusRequest asks for the status of one bot.
func BotStatusRequest(botID string) any {
	return map[string]any{"action": "get_status", "bot_id": botID}
}

// MarketHandler folds tickers and candle backfills into the cache.
type MarketHandler struct {
	flusher *Flusher

	mu      sync.Mutex
	symbols []string
	since   map[string]int64
}

// NormaliseSymbol is the form market keys are stored under.
func NormaliseSymbol(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func NewMarketHandler(f *Flusher) *MarketHandler {
	return &MarketHandler{flusher: f, since: make(map[string]int64)}
}

// Track adds symbols to the owned key set.
func (h *MarketHandler) Track(symbols ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range symbols {
		s = NormaliseSymbol(s)
		if s == "" {
			continue
		}
		known := false
		for _, existing := range h.symbols {
			if existing == s {
				known = true
				break
			}
		}
		if !known {
			h.symbols = append(h.symbols, s)
		}
	}
}

// Symbols returns the tracked symbols in subscription order.
func (h *MarketHandler) Symbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.symbols...)
}

func (h *MarketHandler) Decode(env Envelope) (Message, error) { return DecodeMarket(env) }

func (h *MarketHandler) Keys() []cache.Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]cache.Key, 0, 2*len(h.symbols))
	for _, s := range h.symbols {
		out = append(out, keys.Ticker(s), keys.Candles(s))
	}
	return out
}

// Replay asks for candles missed while disconnected.
func (h *MarketHandler) Replay() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.since) == 0 {
		return nil
	}
	since := make(map[string]int64, len(h.since))
	for k, v := range h.since {
		since[k] = v
	}
	return []any{map[string]any{"action": "backfill_request", "since": since}}
}

func (h *MarketHandler) Reset() {}

func (h *MarketHandler) Handle(_ context.Context, msg Message) error {
	switch m := msg.(type) {
	case TickerMessage:
		symbol := NormaliseSymbol(m.Ticker.Symbol)
		if symbol == "" {
			return nil
		}
		h.flusher.Put(keys.Ticker(symbol), m.Ticker)
	case BackfillMessage:
		symbol := NormaliseSymbol(m.Symbol)
		if symbol == "" || len(m.Candles) == 0 {
			return nil
		}
		prev, _ := latest[[]schema.Candle](h.flusher, keys.Candles(symbol))
		merged := mergeCandles(prev, m.Candles)
		h.flusher.Put(keys.Candles(symbol), merged)
		h.mu.Lock()
		h.since[symbol] = merged[len(merged)-1].Timestamp
		h.mu.Unlock()
	case BackfillErrorMessage:
		observability.Log().Error("market backfill failed",
			observability.F("symbol", m.Symbol), observability.F("error", m.Error))
	}
	return nil
}

// mergeCandles unions two candle series by timestamp; incoming bars win.
func mergeCandles(existing, incoming []schema.Candle) []schema.Candle {
	byTS := make(map[int64]schema.Candle, len(existing)+len(incoming))
	for _, c := range existing {
		byTS[c.Timestamp] = c
	}
	for _, c := range incoming {
		byTS[c.Timestamp] = c
	}
	out := make([]schema.Candle, 0, len(byTS))
	for _, c := range byTS {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// PortfolioHandler keeps a snapshot and applies deltas on top of it. Deltas
// that arrive before the first snapshot of a connection are ignored.
type PortfolioHandler struct {
	flusher *Flusher
	mode    string

	mu    sync.Mutex
	state *schema.Portfolio
}

func NewPortfolioHandler(f *Flusher, mode string) *PortfolioHandler {
	if mode == "" {
		mode = "paper"
	}
	return &PortfolioHandler{flusher: f, mode: mode}
}

func (h *PortfolioHandler) Decode(env Envelope) (Message, error) {
	if env.Type == "market_data" {
		// the portfolio route piggybacks price ticks the market stream owns
		return PongMessage{}, nil
	}
	return DecodePortfolio(env)
}

func (h *PortfolioHandler) Keys() []cache.Key { return []cache.Key{keys.Portfolio(h.mode)} }

func (h *PortfolioHandler) Replay() []any { return nil }

func (h *PortfolioHandler) Reset() {
	h.mu.Lock()
	h.state = nil
	h.mu.Unlock()
}

// Current returns the applied state, or nil before the first snapshot.
func (h *PortfolioHandler) Current() *schema.Portfolio {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		return nil
	}
	p := h.state.Clone()
	return &p
}

func (h *PortfolioHandler) Handle(_ context.Context, msg Message) error {
	h.mu.Lock()
	switch m := msg.(type) {
	case PortfolioSnapshotMessage:
		p := m.Portfolio.Clone()
		h.state = &p
	case PortfolioDeltaMessage:
		if h.state == nil {
			h.mu.Unlock()
			observability.Log().Debug("portfolio delta before snapshot ignored", observability.F("mode", h.mode))
			return nil
		}
		p := h.state.Apply(m.Delta)
		h.state = &p
	default:
		h.mu.Unlock()
		return nil
	}
	out := h.state.Clone()
	h.mu.Unlock()
	h.flusher.Put(keys.Portfolio(h.mode), out)
	return nil
}

const transactionRefetchTimeout = 30 * time.Second

// WalletHandler merges balance updates by currency.
type WalletHandler struct {
	flusher   *Flusher
	refetches conc.WaitGroup
}

func NewWalletHandler(f *Flusher) *WalletHandler { return &WalletHandler{flusher: f} }

func (h *WalletHandler) Decode(env Envelope) (Message, error) { return DecodeWallet(env) }

func (h *WalletHandler) Keys() []cache.Key { return []cache.Key{keys.Wallets()} }

func (h *WalletHandler) Replay() []any { return nil }

func (h *WalletHandler) Reset() {}

func (h *WalletHandler) Handle(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case BalanceMessage:
		prev, _ := latest[[]schema.WalletBalance](h.flusher, keys.Wallets())
		h.flusher.Put(keys.Wallets(), mergeBalances(prev, m.Balances))
	case TransactionMessage:
		// transaction history is paged server-side; refetch instead of splicing
		h.refetches.Go(func() {
			refetchCtx, cancel := context.WithTimeout(ctx, transactionRefetchTimeout)
			defer cancel()
			if err := h.flusher.cache.Invalidate(refetchCtx, keys.WalletTransactions()); err != nil {
				observability.Log().Debug("wallet transactions refetch failed", observability.F("err", err))
			}
		})
	}
	return nil
}

// Wait blocks until in-flight transaction refetches return. Handle's context
// bounds them, so Wait after cancelling it is prompt.
func (h *WalletHandler) Wait() { h.refetches.Wait() }

func mergeBalances(existing, incoming []schema.WalletBalance) []schema.WalletBalance {
	out := make([]schema.WalletBalance, len(existing))
	copy(out, existing)
	for _, b := range incoming {
		replaced := false
		for i := range out {
			if strings.EqualFold(out[i].Currency, b.Currency) {
				out[i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, b)
		}
	}
	return out
}

// BotStatusHandler patches bot status into the bot list.
type BotStatusHandler struct {
	flusher *Flusher
}

func NewBotStatusHandler(f *Flusher) *BotStatusHandler { return &BotStatusHandler{flusher: f} }

func (h *BotStatusHandler) Decode(env Envelope) (Message, error) { return DecodeBotStatus(env) }

func (h *BotStatusHandler) Keys() []cache.Key { return []cache.Key{keys.Bots()} }

func (h *BotStatusHandler) Replay() []any { return nil }

func (h *BotStatusHandler) Reset() {}

func (h *BotStatusHandler) Handle(_ context.Context, msg Message) error {
	m, ok := msg.(BotStatusMessage)
	if !ok {
		return nil
	}
	bots, ok := latest[[]schema.Bot](h.flusher, keys.Bots())
	if !ok {
		// nothing to patch until the list has been fetched
		return nil
	}
	next := make([]schema.Bot, len(bots))
	copy(next, bots)
	found := false
	for i := range next {
		if next[i].ID != m.BotID {
			continue
		}
		found = true
		if m.Bot != nil {
			next[i] = *m.Bot
		} else if m.Status != "" {
			next[i] = next[i].WithStatus(m.Status)
		}
	}
	if !found && m.Bot != nil {
		next = append(next, *m.Bot)
	}
	h.flusher.Put(keys.Bots(), next)
	return nil
}

// NotificationsHandler maintains the notification list and unread count.
type NotificationsHandler struct {
	flusher *Flusher
}

func NewNotificationsHandler(f *Flusher) *NotificationsHandler {
	return &NotificationsHandler{flusher: f}
}

func (h *NotificationsHandler) Decode(env Envelope) (Message, error) { return DecodeNotifications(env) }

func (h *NotificationsHandler) Keys() []cache.Key {
	return []cache.Key{keys.Notifications(), keys.UnreadCount()}
}

func (h *NotificationsHandler) Replay() []any { return nil }

func (h *NotificationsHandler) Reset() {}

func (h *NotificationsHandler) Handle(_ context.Context, msg Message) error {
	list, _ := latest[[]schema.Notification](h.flusher, keys.Notifications())
	switch m := msg.(type) {
	case InitialNotificationsMessage:
		list = append([]schema.Notification(nil), m.Notifications...)
	case NotificationMessage:
		list = schema.UpsertNotification(list, m.Notification)
	case RiskScenarioMessage:
		h.flusher.Put(keys.RiskScenario(), m.Notification)
		list = schema.UpsertNotification(list, m.Notification)
	case NotificationReadMessage:
		list = schema.MarkRead(list, m.ID)
	case NotificationDeletedMessage:
		list = schema.RemoveNotification(list, m.ID)
	case AllNotificationsReadMessage:
		list = schema.MarkAllRead(list)
	case UnreadCountMessage:
		h.flusher.Put(keys.UnreadCount(), m.Count)
		return nil
	default:
		return nil
	}
	h.flusher.Put(keys.Notifications(), list)
	h.flusher.Put(keys.UnreadCount(), schema.CountUnread(list))
	return nil
}
