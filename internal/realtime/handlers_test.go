package realtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/orchestrator/internal/cache"
	"github.com/coachpo/orchestrator/internal/domain/keys"
	"github.com/coachpo/orchestrator/internal/domain/schema"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.Config{RetryDelay: time.Millisecond})
	t.Cleanup(c.Teardown)
	return c
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestPortfolioDeltaBeforeSnapshotIgnored(t *testing.T) {
	c := newTestCache(t)
	h := NewPortfolioHandler(NewFlusher(c, 0), "paper")
	ctx := context.Background()

	delta := PortfolioDeltaMessage{Delta: schema.PortfolioDelta{TotalBalanceDelta: dec("5")}}
	require.NoError(t, h.Handle(ctx, delta))
	require.Nil(t, h.Current())
	_, ok := c.Get(keys.Portfolio("paper"))
	require.False(t, ok, "nothing published before a snapshot")

	snapshot := schema.Portfolio{
		TotalBalance: dec("100"),
		Positions:    map[string]schema.Position{"BTC": {Asset: "BTC", Amount: dec("1")}},
	}
	require.NoError(t, h.Handle(ctx, PortfolioSnapshotMessage{Portfolio: snapshot}))
	require.NoError(t, h.Handle(ctx, PortfolioDeltaMessage{Delta: schema.PortfolioDelta{
		TotalBalanceDelta: dec("5"),
		Positions:         map[string]schema.Position{"ETH": {Amount: dec("2")}},
		Removed:           []string{"BTC"},
	}}))

	got, ok := cache.Value[schema.Portfolio](c, keys.Portfolio("paper"))
	require.True(t, ok)
	require.True(t, got.TotalBalance.Equal(dec("105")))
	require.Contains(t, got.Positions, "ETH")
	require.Equal(t, "ETH", got.Positions["ETH"].Asset)
	require.NotContains(t, got.Positions, "BTC")
	require.True(t, snapshot.TotalBalance.Equal(dec("100")), "snapshot input untouched")

	h.Reset()
	require.Nil(t, h.Current())
}

func TestWalletBalancesMergeByCurrency(t *testing.T) {
	c := newTestCache(t)
	c.Set(keys.Wallets(), []schema.WalletBalance{{Currency: "USD", Total: dec("10")}, {Currency: "BTC", Total: dec("1")}})
	h := NewWalletHandler(NewFlusher(c, 0))

	require.NoError(t, h.Handle(context.Background(), BalanceMessage{Balances: []schema.WalletBalance{
		{Currency: "usd", Total: dec("12")},
		{Currency: "ETH", Total: dec("3")},
	}}))

	got, _ := cache.Value[[]schema.WalletBalance](c, keys.Wallets())
	require.Len(t, got, 3)
	require.True(t, got[0].Total.Equal(dec("12")))
	require.Equal(t, "ETH", got[2].Currency)
}

func TestBotStatusPatchesList(t *testing.T) {
	c := newTestCache(t)
	h := NewBotStatusHandler(NewFlusher(c, 0))
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, BotStatusMessage{BotID: "a", Status: schema.BotStatusRunning}))
	_, ok := c.Get(keys.Bots())
	require.False(t, ok, "no list to patch yet")

	c.Set(keys.Bots(), []schema.Bot{{ID: "a", Status: schema.BotStatusStopped}, {ID: "b", Status: schema.BotStatusStopped}})
	require.NoError(t, h.Handle(ctx, BotStatusMessage{BotID: "a", Status: schema.BotStatusRunning}))
	require.NoError(t, h.Handle(ctx, BotStatusMessage{BotID: "c", Bot: &schema.Bot{ID: "c", Status: schema.BotStatusError}}))

	bots, _ := cache.Value[[]schema.Bot](c, keys.Bots())
	require.Len(t, bots, 3)
	require.Equal(t, schema.BotStatusRunning, bots[0].Status)
	require.True(t, bots[0].IsActive)
	require.Equal(t, schema.BotStatusStopped, bots[1].Status)
	require.Equal(t, schema.BotStatusError, bots[2].Status)
}

func TestNotificationsKeepUnreadCountInStep(t *testing.T) {
	c := newTestCache(t)
	h := NewNotificationsHandler(NewFlusher(c, 0))
	ctx := context.Background()
	unread := func() int {
		n, _ := cache.Value[int](c, keys.UnreadCount())
		return n
	}

	require.NoError(t, h.Handle(ctx, InitialNotificationsMessage{Notifications: []schema.Notification{
		{ID: "a"}, {ID: "b", Read: true},
	}}))
	require.Equal(t, 1, unread())

	require.NoError(t, h.Handle(ctx, NotificationMessage{Notification: schema.Notification{ID: "c"}}))
	require.Equal(t, 2, unread())
	list, _ := cache.Value[[]schema.Notification](c, keys.Notifications())
	require.Equal(t, "c", list[0].ID, "new notifications go first")

	require.NoError(t, h.Handle(ctx, NotificationReadMessage{ID: "a"}))
	require.Equal(t, 1, unread())

	require.NoError(t, h.Handle(ctx, NotificationDeletedMessage{ID: "c"}))
	require.Equal(t, 0, unread())

	require.NoError(t, h.Handle(ctx, RiskScenarioMessage{Notification: schema.Notification{ID: "r"}}))
	scenario, ok := cache.Value[schema.Notification](c, keys.RiskScenario())
	require.True(t, ok)
	require.Equal(t, "r", scenario.ID)

	require.NoError(t, h.Handle(ctx, AllNotificationsReadMessage{Count: 1}))
	require.Equal(t, 0, unread())

	require.NoError(t, h.Handle(ctx, UnreadCountMessage{Count: 9}))
	require.Equal(t, 9, unread())
}

func TestMarketBackfillMergesAndReplays(t *testing.T) {
	c := newTestCache(t)
	h := NewMarketHandler(NewFlusher(c, 0))
	h.Track("btc/usd", "BTC/USD", " ")
	require.Equal(t, []string{"BTC/USD"}, h.Symbols())
	require.Nil(t, h.Replay())

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, BackfillMessage{Symbol: "BTC/USD", Candles: []schema.Candle{
		{Timestamp: 120, Close: dec("3")}, {Timestamp: 60, Close: dec("2")},
	}}))
	require.NoError(t, h.Handle(ctx, BackfillMessage{Symbol: "BTC/USD", Candles: []schema.Candle{
		{Timestamp: 120, Close: dec("4")}, {Timestamp: 180, Close: dec("5")},
	}}))

	candles, _ := cache.Value[[]schema.Candle](c, keys.Candles("BTC/USD"))
	require.Len(t, candles, 3)
	require.Equal(t, []int64{60, 120, 180}, []int64{candles[0].Timestamp, candles[1].Timestamp, candles[2].Timestamp})
	require.True(t, candles[1].Close.Equal(dec("4")), "incoming bar wins")

	require.Equal(t, []any{map[string]any{
		"action": "backfill_request",
		"since":  map[string]int64{"BTC/USD": 180},
	}}, h.Replay())

	require.NoError(t, h.Handle(ctx, TickerMessage{Ticker: schema.Ticker{Symbol: "btc/usd", Price: dec("1")}}))
	_, ok := c.Get(keys.Ticker("BTC/USD"))
	require.True(t, ok)
}

func TestFlusherCoalescesWrites(t *testing.T) {
	c := newTestCache(t)
	f := NewFlusher(c, 30*time.Millisecond)
	key := cache.K("market", "ticker", "BTC")

	var notified atomic.Int32
	unsub := c.Subscribe(key, func(cache.Entry) { notified.Add(1) })
	defer unsub()

	for i := 1; i <= 3; i++ {
		f.Put(key, i)
	}
	_, ok := c.Get(key)
	require.False(t, ok, "nothing written before the interval")
	v, ok := latest[int](f, key)
	require.True(t, ok)
	require.Equal(t, 3, v, "pending value visible to handlers")

	require.Eventually(t, func() bool {
		got, ok := cache.Value[int](c, key)
		return ok && got == 3
	}, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, notified.Load())
}

func TestFlusherFlushWritesPendingNow(t *testing.T) {
	c := newTestCache(t)
	f := NewFlusher(c, time.Hour)
	f.Put(cache.K("a"), 1)
	f.Put(cache.K("b"), 2)
	f.Flush()

	a, _ := cache.Value[int](c, cache.K("a"))
	b, _ := cache.Value[int](c, cache.K("b"))
	require.Equal(t, 1, a)
	require.Equal(t, 2, b)
}

func TestWalletTransactionRefetchIsJoinedByWait(t *testing.T) {
	c := newTestCache(t)
	var fetches atomic.Int32
	release := make(chan struct{})
	stop := c.Observe(keys.WalletTransactions(), func(ctx context.Context) (any, error) {
		if fetches.Add(1) > 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []string{"tx"}, nil
	}, cache.Options{StaleTime: time.Minute})
	t.Cleanup(stop)
	require.Eventually(t, func() bool {
		_, ok := c.Get(keys.WalletTransactions())
		return ok
	}, time.Second, time.Millisecond)

	h := NewWalletHandler(NewFlusher(c, 0))
	require.NoError(t, h.Handle(context.Background(), TransactionMessage{}))
	require.Eventually(t, func() bool { return fetches.Load() == 2 }, time.Second, time.Millisecond)

	waited := make(chan struct{})
	go func() {
		h.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned before the refetch finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never returned")
	}
}

func TestWalletTransactionRefetchStopsWaitingOnCancel(t *testing.T) {
	c := newTestCache(t)
	var fetches atomic.Int32
	stop := c.Observe(keys.WalletTransactions(), func(ctx context.Context) (any, error) {
		if fetches.Add(1) > 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []string{"tx"}, nil
	}, cache.Options{StaleTime: time.Minute})
	t.Cleanup(stop)
	require.Eventually(t, func() bool {
		_, ok := c.Get(keys.WalletTransactions())
		return ok
	}, time.Second, time.Millisecond)

	h := NewWalletHandler(NewFlusher(c, 0))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Handle(ctx, TransactionMessage{}))
	require.Eventually(t, func() bool { return fetches.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	waited := make(chan struct{})
	go func() {
		h.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait blocked after the handler context was cancelled")
	}
}
