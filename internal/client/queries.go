package client

import (
	"context"
	"net/url"
	"time"

	"github.com/coachpo/orchestrator/internal/cache"
	"github.com/coachpo/orchestrator/internal/domain/keys"
	"github.com/coachpo/orchestrator/internal/domain/schema"
	"github.com/coachpo/orchestrator/internal/infra/rest"
	"github.com/coachpo/orchestrator/internal/realtime"
)

// Backend REST paths.
const (
	PathBots          = "/api/bots"
	PathTrades        = "/api/trades"
	PathPortfolio     = "/api/portfolio/"
	PathWallets       = "/api/wallets/balance"
	PathStakes        = "/api/staking/stakes"
	PathStake         = "/api/staking/stake"
	PathUnstake       = "/api/staking/unstake"
	PathNotifications = "/api/notifications"
	PathReadAll       = "/api/notifications/read-all"
	PathPreferences   = "/api/preferences"
)

// Poll intervals for observed queries. Polling pauses while the key's
// stream is live.
const (
	PollBots          = 30 * time.Second
	PollPortfolio     = 30 * time.Second
	PollWallets       = 30 * time.Second
	PollNotifications = time.Minute
)

func get[V any](c *Client, path string, query url.Values) func(ctx context.Context) (V, error) {
	return func(ctx context.Context) (V, error) {
		var out V
		var opts []rest.RequestOption
		if len(query) > 0 {
			opts = append(opts, rest.WithQuery(query))
		}
		err := c.rest.Get(ctx, path, &out, opts...)
		return out, err
	}
}

func tradesQuery(botID, mode string) url.Values {
	q := url.Values{}
	if botID != "" {
		q.Set("bot_id", botID)
	}
	if mode != "" {
		q.Set("mode", mode)
	}
	return q
}

func (c *Client) fetchNotifications(ctx context.Context) ([]schema.Notification, error) {
	list, err := get[[]schema.Notification](c, PathNotifications, nil)(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(keys.UnreadCount(), schema.CountUnread(list))
	return list, nil
}

// Bots lists the user's trading bots.
func (c *Client) Bots(ctx context.Context) cache.Result[[]schema.Bot] {
	return cache.Query(ctx, c.cache, keys.Bots(), get[[]schema.Bot](c, PathBots, nil), cache.Options{})
}

// Trades lists trade history. Empty botID or mode means all.
func (c *Client) Trades(ctx context.Context, botID, mode string) cache.Result[[]schema.Trade] {
	return cache.Query(ctx, c.cache, keys.Trades(botID, mode),
		get[[]schema.Trade](c, PathTrades, tradesQuery(botID, mode)), cache.Options{})
}

// Portfolio loads the portfolio for mode ("paper" or "real").
func (c *Client) Portfolio(ctx context.Context, mode string) cache.Result[schema.Portfolio] {
	return cache.Query(ctx, c.cache, keys.Portfolio(mode),
		get[schema.Portfolio](c, PathPortfolio+url.PathEscape(mode), nil), cache.Options{})
}

// Wallets lists balances per currency.
func (c *Client) Wallets(ctx context.Context) cache.Result[[]schema.WalletBalance] {
	return cache.Query(ctx, c.cache, keys.Wallets(), get[[]schema.WalletBalance](c, PathWallets, nil), cache.Options{})
}

// Stakes lists active stakes.
func (c *Client) Stakes(ctx context.Context) cache.Result[[]schema.Stake] {
	return cache.Query(ctx, c.cache, keys.Stakes(), get[[]schema.Stake](c, PathStakes, nil), cache.Options{})
}

// Notifications lists notifications newest first and refreshes the unread count.
func (c *Client) Notifications(ctx context.Context) cache.Result[[]schema.Notification] {
	return cache.Query(ctx, c.cache, keys.Notifications(), c.fetchNotifications, cache.Options{})
}

// UnreadCount reads the cached unread count, loading notifications when
// nothing is cached yet.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	if n, ok := cache.Value[int](c.cache, keys.UnreadCount()); ok {
		return n, nil
	}
	res := c.Notifications(ctx)
	if res.IsError && !res.HasData {
		return 0, res.Err
	}
	return schema.CountUnread(res.Data), nil
}

// Preferences loads the user's preferences.
func (c *Client) Preferences(ctx context.Context) cache.Result[schema.Preferences] {
	return cache.Query(ctx, c.cache, keys.Preferences(), get[schema.Preferences](c, PathPreferences, nil), cache.Options{})
}

// Ticker returns the last streamed ticker for symbol.
func (c *Client) Ticker(symbol string) (schema.Ticker, bool) {
	return cache.Value[schema.Ticker](c.cache, keys.Ticker(realtime.NormaliseSymbol(symbol)))
}

// Candles returns the streamed candle history for symbol, oldest first.
func (c *Client) Candles(symbol string) ([]schema.Candle, bool) {
	return cache.Value[[]schema.Candle](c.cache, keys.Candles(realtime.NormaliseSymbol(symbol)))
}

// RiskScenario returns the last pushed risk scenario alert.
func (c *Client) RiskScenario() (schema.Notification, bool) {
	return cache.Value[schema.Notification](c.cache, keys.RiskScenario())
}

// Watch keeps the dashboard queries fresh: each is observed with its poll
// interval until the returned func is called.
func (c *Client) Watch() func() {
	stops := []func(){
		c.cache.Observe(keys.Bots(), cache.Typed(get[[]schema.Bot](c, PathBots, nil)), cache.Options{PollInterval: PollBots}),
		c.cache.Observe(keys.Portfolio(c.mode), cache.Typed(get[schema.Portfolio](c, PathPortfolio+url.PathEscape(c.mode), nil)), cache.Options{PollInterval: PollPortfolio}),
		c.cache.Observe(keys.Wallets(), cache.Typed(get[[]schema.WalletBalance](c, PathWallets, nil)), cache.Options{PollInterval: PollWallets}),
		c.cache.Observe(keys.Stakes(), cache.Typed(get[[]schema.Stake](c, PathStakes, nil)), cache.Options{}),
		c.cache.Observe(keys.Notifications(), cache.Typed(c.fetchNotifications), cache.Options{PollInterval: PollNotifications}),
		c.cache.Observe(keys.Trades("", c.mode), cache.Typed(get[[]schema.Trade](c, PathTrades, tradesQuery("", c.mode))), cache.Options{}),
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}
