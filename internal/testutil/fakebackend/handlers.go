package fakebackend

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orchestrator/internal/domain/schema"
)

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (b *Backend) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"body"}, "msg": "invalid body", "type": "value_error"}}})
		return
	}
	b.mu.Lock()
	var acct *account
	for _, candidate := range b.accounts {
		if strings.EqualFold(candidate.user.Email, req.Email) || (req.Username != "" && candidate.user.Username == req.Username) {
			acct = candidate
			break
		}
	}
	if acct == nil || acct.password != req.Password {
		b.mu.Unlock()
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid credentials"})
		return
	}
	if acct.mfa {
		b.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"requiresMfa": true, "message": "MFA code required"})
		return
	}
	access := b.issueLocked(acct.user.ID)
	refresh := uuid.NewString()
	b.refresh[refresh] = acct.user.ID
	user := acct.user
	b.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"user":          user,
	})
}

func (b *Backend) handleRegister(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"body", "email"}, "msg": "field required", "type": "missing"}}})
		return
	}
	b.mu.Lock()
	if _, exists := b.accounts[strings.ToLower(req.Email)]; exists {
		b.mu.Unlock()
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Email already registered"})
		return
	}
	b.mu.Unlock()
	user := b.AddUser(req.Email, req.Username, req.Password)
	c.JSON(http.StatusCreated, gin.H{"message": "registered", "user": user})
}

func (b *Backend) handleRefresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = c.ShouldBindJSON(&req)
	b.mu.Lock()
	userID, ok := b.refresh[req.RefreshToken]
	if !ok {
		b.mu.Unlock()
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid refresh token"})
		return
	}
	delete(b.refresh, req.RefreshToken)
	access := b.issueLocked(userID)
	next := uuid.NewString()
	b.refresh[next] = userID
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"accessToken": access, "refreshToken": next})
}

func (b *Backend) handleLogout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = c.ShouldBindJSON(&req)
	b.mu.Lock()
	delete(b.refresh, req.RefreshToken)
	if token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "); token != "" {
		delete(b.access, token)
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// SetBots replaces the bot list.
func (b *Backend) SetBots(bots ...schema.Bot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bots = make(map[string]schema.Bot, len(bots))
	for _, bot := range bots {
		b.bots[bot.ID] = bot
	}
}

// Bot returns the server-side view of a bot.
func (b *Backend) Bot(id string) (schema.Bot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bot, ok := b.bots[id]
	return bot, ok
}

func (b *Backend) handleListBots(c *gin.Context) {
	b.mu.Lock()
	list := make([]schema.Bot, 0, len(b.bots))
	for _, bot := range b.bots {
		list = append(list, bot)
	}
	b.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (b *Backend) handleBotStatus(status schema.BotStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		b.mu.Lock()
		bot, ok := b.bots[id]
		if ok {
			bot = bot.WithStatus(status)
			bot.UpdatedAt = time.Now().UTC()
			b.bots[id] = bot
		}
		b.mu.Unlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Bot not found"})
			return
		}
		c.JSON(http.StatusOK, bot)
	}
}

// SetTrades replaces the trade history.
func (b *Backend) SetTrades(trades ...schema.Trade) {
	b.mu.Lock()
	b.trades = append([]schema.Trade(nil), trades...)
	b.mu.Unlock()
}

func (b *Backend) handleListTrades(c *gin.Context) {
	botID := c.Query("bot_id")
	mode := c.Query("mode")
	b.mu.Lock()
	out := make([]schema.Trade, 0, len(b.trades))
	for _, tr := range b.trades {
		if botID != "" && tr.BotID != botID {
			continue
		}
		if mode != "" && tr.Mode != "" && tr.Mode != mode {
			continue
		}
		out = append(out, tr)
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

// SetPortfolio replaces the portfolio for mode.
func (b *Backend) SetPortfolio(mode string, p schema.Portfolio) {
	b.mu.Lock()
	b.portfolios[mode] = p
	b.mu.Unlock()
}

func (b *Backend) handlePortfolio(c *gin.Context) {
	b.mu.Lock()
	p, ok := b.portfolios[c.Param("mode")]
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Portfolio not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// SetWallets replaces wallet balances.
func (b *Backend) SetWallets(balances ...schema.WalletBalance) {
	b.mu.Lock()
	b.wallets = append([]schema.WalletBalance(nil), balances...)
	b.mu.Unlock()
}

func (b *Backend) handleWallets(c *gin.Context) {
	b.mu.Lock()
	out := append([]schema.WalletBalance(nil), b.wallets...)
	b.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

// Stakes returns the server-side stake list.
func (b *Backend) Stakes() []schema.Stake {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]schema.Stake(nil), b.stakes...)
}

func (b *Backend) handleStakes(c *gin.Context) {
	c.JSON(http.StatusOK, b.Stakes())
}

func (b *Backend) handleStake(c *gin.Context) {
	var req schema.StakeRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Amount.IsPositive() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"body", "amount"}, "msg": "must be positive", "type": "value_error"}}})
		return
	}
	stake := schema.Stake{
		ID:        uuid.NewString(),
		Asset:     req.Asset,
		Amount:    req.Amount,
		APY:       decimal.NewFromFloat(5.5),
		Status:    "active",
		StartedAt: time.Now().UTC(),
	}
	b.mu.Lock()
	b.stakes = append(b.stakes, stake)
	b.adjustWalletLocked(req.Asset, req.Amount.Neg())
	b.mu.Unlock()
	c.JSON(http.StatusOK, stake)
}

func (b *Backend) handleUnstake(c *gin.Context) {
	var req schema.StakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid body"})
		return
	}
	b.mu.Lock()
	kept := b.stakes[:0]
	for _, s := range b.stakes {
		if s.Asset == req.Asset {
			continue
		}
		kept = append(kept, s)
	}
	b.stakes = kept
	b.adjustWalletLocked(req.Asset, req.Amount)
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "unstaked"})
}

func (b *Backend) adjustWalletLocked(currency string, delta decimal.Decimal) {
	for i, w := range b.wallets {
		if w.Currency == currency {
			b.wallets[i].Available = w.Available.Add(delta)
			b.wallets[i].Total = w.Total.Add(delta)
			return
		}
	}
}

// SetNotifications replaces the notification list.
func (b *Backend) SetNotifications(list ...schema.Notification) {
	b.mu.Lock()
	b.notifications = append([]schema.Notification(nil), list...)
	b.mu.Unlock()
}

// Notifications returns the server-side notification list.
func (b *Backend) Notifications() []schema.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]schema.Notification(nil), b.notifications...)
}

func (b *Backend) handleNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, b.Notifications())
}

func (b *Backend) handleRead(c *gin.Context) {
	b.mu.Lock()
	b.notifications = schema.MarkRead(b.notifications, c.Param("id"))
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "marked read"})
}

func (b *Backend) handleReadAll(c *gin.Context) {
	b.mu.Lock()
	b.notifications = schema.MarkAllRead(b.notifications)
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "all read"})
}

func (b *Backend) handleDeleteNotification(c *gin.Context) {
	b.mu.Lock()
	b.notifications = schema.RemoveNotification(b.notifications, c.Param("id"))
	b.mu.Unlock()
	c.Status(http.StatusNoContent)
}

// SetPreferences replaces the stored preferences.
func (b *Backend) SetPreferences(p schema.Preferences) {
	b.mu.Lock()
	b.preferences = p.Clone()
	b.mu.Unlock()
}

func (b *Backend) handleGetPreferences(c *gin.Context) {
	b.mu.Lock()
	p := b.preferences.Clone()
	b.mu.Unlock()
	c.JSON(http.StatusOK, p)
}

func (b *Backend) handleUpdatePreferences(c *gin.Context) {
	var update schema.Preferences
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid body"})
		return
	}
	b.mu.Lock()
	b.preferences = b.preferences.Merge(update)
	p := b.preferences.Clone()
	b.mu.Unlock()
	c.JSON(http.StatusOK, p)
}
