package client

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/orchestrator/errs"
	"github.com/coachpo/orchestrator/internal/analytics"
	"github.com/coachpo/orchestrator/internal/cache"
	"github.com/coachpo/orchestrator/internal/domain/keys"
	"github.com/coachpo/orchestrator/internal/domain/schema"
	"github.com/coachpo/orchestrator/internal/infra/config"
	"github.com/coachpo/orchestrator/internal/mutation"
	"github.com/coachpo/orchestrator/internal/realtime"
	"github.com/coachpo/orchestrator/internal/session"
	"github.com/coachpo/orchestrator/internal/testutil/fakebackend"
)

type toastLog struct {
	mu     sync.Mutex
	toasts []mutation.Toast
}

func (l *toastLog) add(t mutation.Toast) {
	l.mu.Lock()
	l.toasts = append(l.toasts, t)
	l.mu.Unlock()
}

func (l *toastLog) all() []mutation.Toast {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]mutation.Toast(nil), l.toasts...)
}

type fixture struct {
	backend *fakebackend.Backend
	client  *Client
	toasts  *toastLog
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fb := fakebackend.New(t)
	fb.AddUser("trader@example.com", "trader", "hunter2")

	cfg := config.Default()
	cfg.Channels = config.ChannelConfig{
		BaseDelay:    5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxAttempts:  3,
		PingInterval: time.Hour,
	}
	toasts := &toastLog{}
	c := New(context.Background(), Options{
		Config:    cfg,
		Endpoints: config.Endpoints{API: fb.URL(), WS: fb.WSURL()},
		Notify:    toasts.add,
		Streams:   []string{realtime.StreamBotStatus},
	})
	t.Cleanup(c.Close)
	return &fixture{backend: fb, client: c, toasts: toasts}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	ok, err := f.client.Login(context.Background(), "trader@example.com", "hunter2", false)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) waitStream(t *testing.T, want realtime.State) {
	t.Helper()
	ch := f.client.Streams().Channel(realtime.StreamBotStatus)
	require.Eventually(t, func() bool { return ch.State() == want }, 2*time.Second, 5*time.Millisecond)
}

func TestQueriesWaitForLogin(t *testing.T) {
	f := newFixture(t)
	f.backend.SetBots(schema.Bot{ID: "a", Name: "grid"}, schema.Bot{ID: "b", Name: "dca"})
	ctx := context.Background()

	res := f.client.Bots(ctx)
	require.False(t, res.HasData)
	require.False(t, res.IsError)
	require.Zero(t, f.backend.Calls(http.MethodGet, PathBots), "gated until authenticated")

	f.login(t)
	res = f.client.Bots(ctx)
	require.NoError(t, res.Err)
	require.Len(t, res.Data, 2)
	require.Equal(t, "grid", res.Data[0].Name)
}

func TestLogoutStopsStreamsAndClearsCache(t *testing.T) {
	f := newFixture(t)
	f.backend.SetBots(schema.Bot{ID: "a"})
	ctx := context.Background()
	f.login(t)
	f.waitStream(t, realtime.StateAuthenticated)
	require.True(t, f.client.Bots(ctx).HasData)
	require.Eventually(t, func() bool { return f.client.Cache().IsLive(keys.Bots()) }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.client.Logout(ctx))
	require.Equal(t, realtime.StateIdle, f.client.Streams().Channel(realtime.StreamBotStatus).State())
	require.Empty(t, f.client.Cache().Keys())

	calls := f.backend.Calls(http.MethodGet, PathBots)
	require.False(t, f.client.Bots(ctx).HasData)
	require.Equal(t, calls, f.backend.Calls(http.MethodGet, PathBots))
}

func TestWatchedQueriesResumeAfterRelogin(t *testing.T) {
	f := newFixture(t)
	f.backend.SetBots(schema.Bot{ID: "a"})
	ctx := context.Background()
	stop := f.client.Watch()
	defer stop()

	f.login(t)
	require.Eventually(t, func() bool {
		_, ok := cache.Value[[]schema.Bot](f.client.Cache(), keys.Bots())
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.backend.Calls(http.MethodGet, PathBots))

	require.NoError(t, f.client.Logout(ctx))
	_, ok := cache.Value[[]schema.Bot](f.client.Cache(), keys.Bots())
	require.False(t, ok)

	f.login(t)
	require.Eventually(t, func() bool {
		_, ok := cache.Value[[]schema.Bot](f.client.Cache(), keys.Bots())
		return ok && f.backend.Calls(http.MethodGet, PathBots) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRevokedSessionDuringFetchSignsOutWithoutHanging(t *testing.T) {
	f := newFixture(t)
	f.backend.SetBots(schema.Bot{ID: "a"})
	f.login(t)
	f.backend.RevokeAccessTokens()
	f.backend.FailNext(http.MethodPost, session.PathRefresh, http.StatusUnauthorized, `{"detail":"refresh token revoked"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res := f.client.Bots(ctx)
	require.False(t, res.HasData)
	require.NotErrorIs(t, res.Err, context.DeadlineExceeded)
	require.False(t, f.client.Session().IsAuthenticated())

	torndown := make(chan struct{})
	go func() {
		f.client.Cache().Teardown()
		close(torndown)
	}()
	select {
	case <-torndown:
	case <-time.After(3 * time.Second):
		t.Fatal("cache teardown blocked after refresh failure")
	}
	require.Eventually(t, func() bool {
		return f.client.Streams().Channel(realtime.StreamBotStatus).State() == realtime.StateIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamedBotStatusPatchesCachedList(t *testing.T) {
	f := newFixture(t)
	f.backend.SetBots(schema.Bot{ID: "a", Status: schema.BotStatusStopped})
	ctx := context.Background()
	f.login(t)
	require.True(t, f.client.Bots(ctx).HasData)
	f.waitStream(t, realtime.StateAuthenticated)

	f.backend.Push(realtime.StreamBotStatus, map[string]any{"type": "bot_status", "bot_id": "a", "status": "running"})
	require.Eventually(t, func() bool {
		bots, ok := cache.Value[[]schema.Bot](f.client.Cache(), keys.Bots())
		return ok && bots[0].Status == schema.BotStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartBotPatchesBeforeRequest(t *testing.T) {
	f := newFixture(t)
	f.backend.SetBots(schema.Bot{ID: "a", Status: schema.BotStatusStopped})
	ctx := context.Background()
	f.login(t)
	require.True(t, f.client.Bots(ctx).HasData)

	var mu sync.Mutex
	var first *schema.Bot
	callsAtPatch := -1
	unsub := f.client.Cache().Subscribe(keys.Bots(), func(e cache.Entry) {
		mu.Lock()
		defer mu.Unlock()
		if first != nil {
			return
		}
		bots := e.Value.([]schema.Bot)
		first = &bots[0]
		callsAtPatch = f.backend.Calls(http.MethodPost, "/api/bots/a/start")
	})
	defer unsub()

	bot, err := f.client.StartBot(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, schema.BotStatusRunning, bot.Status)

	mu.Lock()
	require.NotNil(t, first)
	require.Equal(t, schema.BotStatusRunning, first.Status)
	require.True(t, first.IsActive)
	require.Zero(t, callsAtPatch, "cache patched before the request went out")
	mu.Unlock()

	server, _ := f.backend.Bot("a")
	require.Equal(t, schema.BotStatusRunning, server.Status)
	require.Empty(t, f.toasts.all())
}

func TestStartBotFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	original := []schema.Bot{{ID: "a", Status: schema.BotStatusStopped}, {ID: "b", Status: schema.BotStatusRunning}}
	f.backend.SetBots(original...)
	ctx := context.Background()
	f.login(t)
	before := f.client.Bots(ctx).Data

	f.backend.FailNext(http.MethodPost, "/api/bots/a/start", http.StatusInternalServerError, `{"detail":"engine down"}`)
	_, err := f.client.StartBot(ctx, "a")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeServer))

	after, ok := cache.Value[[]schema.Bot](f.client.Cache(), keys.Bots())
	require.True(t, ok)
	require.Equal(t, before, after)

	toasts := f.toasts.all()
	require.Len(t, toasts, 1)
	require.Equal(t, "bot.start", toasts[0].Op)
	require.NotEmpty(t, toasts[0].Message)
}

func TestStakeRejectedRestoresWalletAndStakes(t *testing.T) {
	f := newFixture(t)
	f.backend.SetWallets(schema.WalletBalance{Currency: "USD", Available: dec("100"), Total: dec("100")})
	ctx := context.Background()
	f.login(t)
	require.True(t, f.client.Wallets(ctx).HasData)
	require.NoError(t, f.client.Stakes(ctx).Err)

	_, err := f.client.Stake(ctx, schema.StakeRequest{Asset: "USD", Amount: dec("-5")})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	wallets, _ := cache.Value[[]schema.WalletBalance](f.client.Cache(), keys.Wallets())
	require.True(t, wallets[0].Available.Equal(dec("100")), "got %s", wallets[0].Available)
	stakes, _ := cache.Value[[]schema.Stake](f.client.Cache(), keys.Stakes())
	require.Empty(t, stakes)
	require.Len(t, f.toasts.all(), 1)
}

func TestStakeAndUnstake(t *testing.T) {
	f := newFixture(t)
	f.backend.SetWallets(schema.WalletBalance{Currency: "ETH", Available: dec("3"), Total: dec("3")})
	ctx := context.Background()
	f.login(t)
	require.True(t, f.client.Wallets(ctx).HasData)
	require.NoError(t, f.client.Stakes(ctx).Err)

	stake, err := f.client.Stake(ctx, schema.StakeRequest{Asset: "ETH", Amount: dec("2")})
	require.NoError(t, err)
	require.NotEmpty(t, stake.ID)

	stakes, _ := cache.Value[[]schema.Stake](f.client.Cache(), keys.Stakes())
	require.Len(t, stakes, 1)
	require.Equal(t, stake.ID, stakes[0].ID, "placeholder replaced by the server stake")
	wallets, _ := cache.Value[[]schema.WalletBalance](f.client.Cache(), keys.Wallets())
	require.True(t, wallets[0].Available.Equal(dec("1")))

	require.NoError(t, f.client.Unstake(ctx, schema.StakeRequest{Asset: "ETH", Amount: dec("2")}))
	stakes, _ = cache.Value[[]schema.Stake](f.client.Cache(), keys.Stakes())
	require.Empty(t, stakes)
	wallets, _ = cache.Value[[]schema.WalletBalance](f.client.Cache(), keys.Wallets())
	require.True(t, wallets[0].Available.Equal(dec("3")))
	require.Empty(t, f.backend.Stakes())
}

func TestNotificationMutationsKeepUnreadCount(t *testing.T) {
	f := newFixture(t)
	f.backend.SetNotifications(
		schema.Notification{ID: "a"},
		schema.Notification{ID: "b"},
		schema.Notification{ID: "c", Read: true},
	)
	ctx := context.Background()
	f.login(t)
	require.True(t, f.client.Notifications(ctx).HasData)

	unread := func() int {
		n, err := f.client.UnreadCount(ctx)
		require.NoError(t, err)
		return n
	}
	require.Equal(t, 2, unread())

	require.NoError(t, f.client.MarkNotificationRead(ctx, "a"))
	require.Equal(t, 1, unread())
	require.True(t, f.backend.Notifications()[0].Read)

	require.NoError(t, f.client.DeleteNotification(ctx, "b"))
	require.Equal(t, 0, unread())
	list, _ := cache.Value[[]schema.Notification](f.client.Cache(), keys.Notifications())
	require.Len(t, list, 2)
	require.Len(t, f.backend.Notifications(), 2)

	require.NoError(t, f.client.MarkAllNotificationsRead(ctx))
	require.Equal(t, 0, unread())

	err := f.client.MarkNotificationRead(ctx, "")
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestUpdatePreferencesMergesFields(t *testing.T) {
	f := newFixture(t)
	f.backend.SetPreferences(schema.Preferences{Theme: schema.ThemeDark, Notifications: map[string]bool{"email": true}})
	ctx := context.Background()
	f.login(t)
	require.True(t, f.client.Preferences(ctx).HasData)

	saved, err := f.client.UpdatePreferences(ctx, schema.Preferences{Theme: schema.ThemeLight})
	require.NoError(t, err)
	require.Equal(t, schema.ThemeLight, saved.Theme)
	require.True(t, saved.Notifications["email"], "unspecified fields keep their value")

	cached, ok := cache.Value[schema.Preferences](f.client.Cache(), keys.Preferences())
	require.True(t, ok)
	require.Equal(t, schema.ThemeLight, cached.Theme)
	require.True(t, cached.Notifications["email"])
}

func TestRiskReportFromCachedTrades(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var trades []schema.Trade
	for i, pnl := range []string{"-500", "-200", "100", "300", "-100"} {
		trades = append(trades, schema.Trade{
			ID:        string(rune('a' + i)),
			PnL:       dec(pnl),
			Mode:      "paper",
			Timestamp: start.Add(time.Duration(i) * time.Hour),
		})
	}
	f.backend.SetTrades(trades...)
	f.backend.SetPortfolio("paper", schema.Portfolio{TotalBalance: dec("10000")})
	ctx := context.Background()
	f.login(t)

	report, err := f.client.RiskReport(ctx, "paper")
	require.NoError(t, err)
	require.Equal(t, 5, report.Observations)
	oneDay, ok := report.Horizon(1)
	require.True(t, ok)
	require.True(t, oneDay.VaRAmount.Equal(dec("500")), "got %s", oneDay.VaRAmount)

	cached, ok := cache.Value[analytics.Report](f.client.Cache(), keys.RiskReport("paper"))
	require.True(t, ok)
	require.Equal(t, report, cached)
}
