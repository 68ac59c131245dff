package schema

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPortfolioApplyMergesDelta(t *testing.T) {
	base := Portfolio{
		TotalBalance:     decimal.NewFromInt(1000),
		AvailableBalance: decimal.NewFromInt(400),
		Positions: map[string]Position{
			"BTC": {Asset: "BTC", Amount: decimal.NewFromFloat(0.5)},
			"ETH": {Asset: "ETH", Amount: decimal.NewFromInt(2)},
		},
	}
	delta := PortfolioDelta{
		Positions: map[string]Position{
			"BTC": {Amount: decimal.NewFromFloat(0.75)},
			"SOL": {Asset: "SOL", Amount: decimal.NewFromInt(10)},
		},
		Removed:           []string{"ETH"},
		TotalBalanceDelta: decimal.NewFromInt(-50),
	}

	out := base.Apply(delta)

	if !out.TotalBalance.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("expected 950 total, got %s", out.TotalBalance)
	}
	if !out.AvailableBalance.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("available balance should be unchanged, got %s", out.AvailableBalance)
	}
	if _, ok := out.Positions["ETH"]; ok {
		t.Fatal("expected ETH removed")
	}
	if got := out.Positions["BTC"]; got.Asset != "BTC" || !got.Amount.Equal(decimal.NewFromFloat(0.75)) {
		t.Fatalf("unexpected BTC position %+v", got)
	}
	if len(base.Positions) != 2 || !base.Positions["BTC"].Amount.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatal("base portfolio mutated")
	}
}

func TestPreferencesMergeKeepsUnsetFields(t *testing.T) {
	compact := true
	lang := "en"
	prev := Preferences{
		Theme:         ThemeLight,
		Notifications: map[string]bool{"email": true},
		UISettings:    UISettings{Language: &lang},
	}
	update := Preferences{
		Theme:         ThemeDark,
		Notifications: map[string]bool{"push": false},
		UISettings:    UISettings{CompactMode: &compact},
	}

	out := prev.Merge(update)

	if out.Theme != ThemeDark {
		t.Fatalf("expected dark theme, got %s", out.Theme)
	}
	if !out.Notifications["email"] || out.Notifications["push"] {
		t.Fatalf("unexpected notifications %+v", out.Notifications)
	}
	if out.UISettings.Language == nil || *out.UISettings.Language != "en" {
		t.Fatal("expected language preserved")
	}
	if out.UISettings.CompactMode == nil || !*out.UISettings.CompactMode {
		t.Fatal("expected compact mode set")
	}
	if _, ok := prev.Notifications["push"]; ok {
		t.Fatal("previous document mutated")
	}
}

func TestNotificationHelpers(t *testing.T) {
	list := []Notification{{ID: "a"}, {ID: "b"}, {ID: "c", Read: true}}

	if CountUnread(list) != 2 {
		t.Fatalf("expected 2 unread")
	}
	read := MarkRead(list, "a")
	if !read[0].Read || list[0].Read {
		t.Fatal("MarkRead must copy")
	}
	if CountUnread(MarkAllRead(list)) != 0 {
		t.Fatal("expected all read")
	}
	if got := RemoveNotification(list, "b"); len(got) != 2 || got[1].ID != "c" {
		t.Fatalf("unexpected remove result %+v", got)
	}
	up := UpsertNotification(list, Notification{ID: "b", Title: "new"})
	if len(up) != 3 || up[0].ID != "b" || up[0].Title != "new" {
		t.Fatalf("unexpected upsert result %+v", up)
	}
}

func TestBotWithStatus(t *testing.T) {
	bot := Bot{ID: "1", Status: BotStatusStopped}
	running := bot.WithStatus(BotStatusRunning)
	if !running.IsActive || running.Status != BotStatusRunning {
		t.Fatalf("unexpected %+v", running)
	}
	if bot.IsActive {
		t.Fatal("original mutated")
	}
}

func TestTradeNotional(t *testing.T) {
	tr := Trade{Amount: decimal.NewFromInt(2), Price: decimal.NewFromInt(30)}
	if !tr.Notional().Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected notional %s", tr.Notional())
	}
	tr.Total = decimal.NewFromInt(61)
	if !tr.Notional().Equal(decimal.NewFromInt(61)) {
		t.Fatal("expected server total to win")
	}
}
