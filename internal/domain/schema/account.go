// Package schema defines the canonical client-side entities exchanged with the orchestrator backend.
package schema

import (
	"time"
)

// User is the authenticated account profile returned by the auth endpoints.
type User struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Username        string `json:"username,omitempty"`
	Role            string `json:"role,omitempty"`
	IsActive        bool   `json:"is_active,omitempty"`
	IsEmailVerified bool   `json:"is_email_verified,omitempty"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
}

// Session is the live authentication state of a client.
type Session struct {
	UserID       string    `json:"userId"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         User      `json:"user"`
}

// Valid reports whether the session carries a usable access token.
func (s Session) Valid() bool {
	return s.Token != ""
}

// Expired reports whether the access token is past its expiry at now.
// Sessions without a known expiry never expire client-side.
func (s Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Theme values accepted by the preferences endpoint.
const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

// UISettings holds presentation preferences.
type UISettings struct {
	CompactMode        *bool   `json:"compact_mode,omitempty"`
	AutoRefresh        *bool   `json:"auto_refresh,omitempty"`
	RefreshInterval    *int    `json:"refresh_interval,omitempty"`
	DefaultChartPeriod *string `json:"default_chart_period,omitempty"`
	Language           *string `json:"language,omitempty"`
}

// TradingSettings holds order-entry preferences.
type TradingSettings struct {
	DefaultOrderType *string `json:"default_order_type,omitempty"`
	ConfirmOrders    *bool   `json:"confirm_orders,omitempty"`
	ShowFees         *bool   `json:"show_fees,omitempty"`
}

// Preferences is the user preference document. Pointer fields distinguish
// "unset" from zero values so partial updates can merge onto the previous document.
type Preferences struct {
	UserID          string          `json:"userId,omitempty"`
	Theme           string          `json:"theme,omitempty"`
	Notifications   map[string]bool `json:"notifications,omitempty"`
	UISettings      UISettings      `json:"uiSettings"`
	TradingSettings TradingSettings `json:"tradingSettings"`
}

// Merge overlays the set fields of update onto p and returns the result.
// Fields absent from update keep their previous value.
func (p Preferences) Merge(update Preferences) Preferences {
	out := p.Clone()
	if update.Theme != "" {
		out.Theme = update.Theme
	}
	for k, v := range update.Notifications {
		if out.Notifications == nil {
			out.Notifications = make(map[string]bool, len(update.Notifications))
		}
		out.Notifications[k] = v
	}
	u := update.UISettings
	if u.CompactMode != nil {
		out.UISettings.CompactMode = u.CompactMode
	}
	if u.AutoRefresh != nil {
		out.UISettings.AutoRefresh = u.AutoRefresh
	}
	if u.RefreshInterval != nil {
		out.UISettings.RefreshInterval = u.RefreshInterval
	}
	if u.DefaultChartPeriod != nil {
		out.UISettings.DefaultChartPeriod = u.DefaultChartPeriod
	}
	if u.Language != nil {
		out.UISettings.Language = u.Language
	}
	ts := update.TradingSettings
	if ts.DefaultOrderType != nil {
		out.TradingSettings.DefaultOrderType = ts.DefaultOrderType
	}
	if ts.ConfirmOrders != nil {
		out.TradingSettings.ConfirmOrders = ts.ConfirmOrders
	}
	if ts.ShowFees != nil {
		out.TradingSettings.ShowFees = ts.ShowFees
	}
	return out
}

// Clone returns a copy of p that shares no maps with the original.
func (p Preferences) Clone() Preferences {
	out := p
	if p.Notifications != nil {
		out.Notifications = make(map[string]bool, len(p.Notifications))
		for k, v := range p.Notifications {
			out.Notifications[k] = v
		}
	}
	return out
}
