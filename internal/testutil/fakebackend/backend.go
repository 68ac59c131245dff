// Package fakebackend runs an in-process stand-in for the orchestrator backend
// (REST routes plus websocket streams) for use in tests.
package fakebackend

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coachpo/orchestrator/internal/domain/schema"
)

var signingKey = []byte("fakebackend-secret")

type account struct {
	user     schema.User
	password string
	mfa      bool
}

type failure struct {
	status int
	body   string
}

// Backend is a fake orchestrator server. All state is guarded by mu.
type Backend struct {
	server *httptest.Server

	mu            sync.Mutex
	accounts      map[string]*account
	access        map[string]string
	refresh       map[string]string
	bots          map[string]schema.Bot
	trades        []schema.Trade
	portfolios    map[string]schema.Portfolio
	wallets       []schema.WalletBalance
	stakes        []schema.Stake
	notifications []schema.Notification
	preferences   schema.Preferences
	failures      map[string][]failure
	calls         map[string]int
	latency       time.Duration
	tokenTTL      time.Duration

	rejectWSAuth bool
	streams      map[string]map[*wsConn]struct{}
	subs         map[string][]map[string]any
	wsAttempts   map[string]int
}

// New starts a Backend and registers its shutdown with t.
func New(t testing.TB) *Backend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := &Backend{
		accounts:   make(map[string]*account),
		access:     make(map[string]string),
		refresh:    make(map[string]string),
		bots:       make(map[string]schema.Bot),
		portfolios: make(map[string]schema.Portfolio),
		failures:   make(map[string][]failure),
		calls:      make(map[string]int),
		tokenTTL:   time.Hour,
		streams:    make(map[string]map[*wsConn]struct{}),
		subs:       make(map[string][]map[string]any),
		wsAttempts: make(map[string]int),
	}
	b.server = httptest.NewServer(b.routes())
	t.Cleanup(b.Close)
	return b
}

// URL returns the REST base URL.
func (b *Backend) URL() string { return b.server.URL }

// WSURL returns the websocket base URL.
func (b *Backend) WSURL() string { return "ws" + strings.TrimPrefix(b.server.URL, "http") }

// Close drops websocket clients and stops the server.
func (b *Backend) Close() {
	b.mu.Lock()
	var conns []*wsConn
	for _, set := range b.streams {
		for c := range set {
			conns = append(conns, c)
		}
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
	b.server.Close()
}

// AddUser registers an account.
func (b *Backend) AddUser(email, username, password string) schema.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	user := schema.User{ID: uuid.NewString(), Email: email, Username: username, Role: "user", IsActive: true}
	b.accounts[strings.ToLower(email)] = &account{user: user, password: password}
	return user
}

// RequireMFA flags an account as needing a second factor.
func (b *Backend) RequireMFA(email string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acct, ok := b.accounts[strings.ToLower(email)]; ok {
		acct.mfa = true
	}
}

// SetTokenTTL controls the exp claim on issued access tokens.
func (b *Backend) SetTokenTTL(ttl time.Duration) {
	b.mu.Lock()
	b.tokenTTL = ttl
	b.mu.Unlock()
}

// SetLatency delays every REST response.
func (b *Backend) SetLatency(d time.Duration) {
	b.mu.Lock()
	b.latency = d
	b.mu.Unlock()
}

// FailNext makes the next request to method+path answer with status and body.
func (b *Backend) FailNext(method, path string, status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := method + " " + path
	b.failures[key] = append(b.failures[key], failure{status: status, body: body})
}

// Calls returns how many requests hit method+path.
func (b *Backend) Calls(method, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method+" "+path]
}

// IssueToken mints a signed access token for userID.
func (b *Backend) IssueToken(userID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked(userID)
}

// RevokeAccessTokens invalidates every access token while keeping refresh tokens.
func (b *Backend) RevokeAccessTokens() {
	b.mu.Lock()
	b.access = make(map[string]string)
	b.mu.Unlock()
}

func (b *Backend) issueLocked(userID string) string {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(b.tokenTTL).Unix(),
		"jti": uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(fmt.Sprintf("fakebackend: sign token: %v", err))
	}
	b.access[signed] = userID
	return signed
}

func (b *Backend) userForToken(token string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.access[token]
	return id, ok
}

func (b *Backend) middleware(c *gin.Context) {
	key := c.Request.Method + " " + c.Request.URL.Path
	b.mu.Lock()
	b.calls[key]++
	latency := b.latency
	var injected *failure
	if queue := b.failures[key]; len(queue) > 0 {
		injected = &queue[0]
		b.failures[key] = queue[1:]
	}
	b.mu.Unlock()

	if latency > 0 && !strings.HasPrefix(c.Request.URL.Path, "/ws") && !strings.HasPrefix(c.Request.URL.Path, "/api/ws") {
		select {
		case <-time.After(latency):
		case <-c.Request.Context().Done():
			c.Abort()
			return
		}
	}
	if injected != nil {
		c.Data(injected.status, "application/json", []byte(injected.body))
		c.Abort()
		return
	}
	c.Next()
}

func (b *Backend) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	userID, ok := b.userForToken(token)
	if header == "" || !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
		return
	}
	c.Set("user_id", userID)
	c.Next()
}

func (b *Backend) routes() http.Handler {
	r := gin.New()
	r.Use(b.middleware)

	auth := r.Group("/api/auth")
	auth.POST("/login", b.handleLogin)
	auth.POST("/register", b.handleRegister)
	auth.POST("/refresh", b.handleRefresh)
	auth.POST("/logout", b.handleLogout)

	api := r.Group("/api", b.requireAuth)
	api.GET("/bots", b.handleListBots)
	api.POST("/bots/:id/start", b.handleBotStatus(schema.BotStatusRunning))
	api.POST("/bots/:id/stop", b.handleBotStatus(schema.BotStatusStopped))
	api.GET("/trades", b.handleListTrades)
	api.GET("/portfolio/:mode", b.handlePortfolio)
	api.GET("/wallets/balance", b.handleWallets)
	api.GET("/staking/stakes", b.handleStakes)
	api.POST("/staking/stake", b.handleStake)
	api.POST("/staking/unstake", b.handleUnstake)
	api.GET("/notifications", b.handleNotifications)
	api.POST("/notifications/read-all", b.handleReadAll)
	api.POST("/notifications/:id/read", b.handleRead)
	api.DELETE("/notifications/:id", b.handleDeleteNotification)
	api.GET("/preferences", b.handleGetPreferences)
	api.PUT("/preferences", b.handleUpdatePreferences)

	for _, path := range []string{"/ws/market-data", "/api/ws/portfolio", "/ws/wallet", "/ws/bot-status", "/ws/notifications"} {
		stream := streamName(path)
		r.GET(path, func(c *gin.Context) { b.serveWS(c, stream) })
	}
	return r
}

func streamName(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// upgrader accepts any origin; tests connect from the same process.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}
