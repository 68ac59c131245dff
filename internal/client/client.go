// Package client is the typed facade over the orchestrator backend. It owns
// the session, the query cache and the realtime streams, and ties their
// lifecycles to authentication: login resumes gated queries and opens the
// streams, logout closes them and clears every cached value.
package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coachpo/orchestrator/internal/analytics"
	"github.com/coachpo/orchestrator/internal/cache"
	"github.com/coachpo/orchestrator/internal/domain/schema"
	"github.com/coachpo/orchestrator/internal/infra/config"
	"github.com/coachpo/orchestrator/internal/infra/persistence"
	"github.com/coachpo/orchestrator/internal/infra/rest"
	"github.com/coachpo/orchestrator/internal/mutation"
	"github.com/coachpo/orchestrator/internal/observability"
	"github.com/coachpo/orchestrator/internal/realtime"
	"github.com/coachpo/orchestrator/internal/session"
)

const userAgent = "orchestrator-client/1.0"

// Options configures a Client.
type Options struct {
	Config config.AppConfig
	// Endpoints overrides the URLs resolved from Config.
	Endpoints  config.Endpoints
	HTTPClient *http.Client
	Persistent persistence.KV
	Ephemeral  persistence.KV
	// Notify receives mutation failures. Nil logs them.
	Notify mutation.Notifier
	// Streams limits the realtime streams; empty opens all of them.
	Streams       []string
	PortfolioMode string
	Confidence    float64
	Now           func() time.Time
}

// Client wires the session, cache, mutations and realtime streams together.
type Client struct {
	rest    *rest.Client
	session *session.Store
	cache   *cache.Cache
	streams *realtime.Manager
	notify  mutation.Notifier
	mode    string

	ctx    context.Context
	unsub  func()
	closed sync.Once

	riskMu     sync.Mutex
	confidence float64
	risk       map[string]*analytics.Calculator

	startBot    *mutation.Mutation[string, schema.Bot]
	stopBot     *mutation.Mutation[string, schema.Bot]
	stake       *mutation.Mutation[schema.StakeRequest, schema.Stake]
	unstake     *mutation.Mutation[schema.StakeRequest, struct{}]
	preferences *mutation.Mutation[schema.Preferences, schema.Preferences]
	markRead    *mutation.Mutation[string, struct{}]
	markAllRead *mutation.Mutation[struct{}, struct{}]
	deleteNotif *mutation.Mutation[string, struct{}]
}

// New builds a Client. ctx bounds background fetches and stream
// connections for the Client's lifetime.
func New(ctx context.Context, opts Options) *Client {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config
	if cfg.Environment == "" {
		cfg = config.Default()
	}
	endpoints := opts.Endpoints
	if endpoints.API == "" {
		endpoints = cfg.Endpoints()
	}
	if endpoints.WS == "" {
		endpoints.WS = config.DeriveWSURL(endpoints.API)
	}
	mode := opts.PortfolioMode
	if mode == "" {
		mode = "paper"
	}

	restClient := rest.New(rest.Options{
		BaseURL:    endpoints.API,
		Timeout:    cfg.API.Timeout,
		RateLimit:  cfg.API.RateLimit,
		Burst:      cfg.API.Burst,
		HTTPClient: opts.HTTPClient,
		UserAgent:  userAgent,
	})
	store := session.New(session.Options{
		Client:         restClient,
		Persistent:     opts.Persistent,
		Ephemeral:      opts.Ephemeral,
		RequestTimeout: cfg.Auth.RequestTimeout,
		RefreshBuffer:  cfg.Auth.RefreshBuffer,
		WatchInterval:  cfg.Auth.WatchInterval,
		Now:            opts.Now,
	})
	queryCache := cache.New(cache.Config{
		StaleTime: cfg.Query.StaleTime,
		Retry:     cfg.Query.Retry,
		Enabled:   store.IsAuthenticated,
		Now:       opts.Now,
	})
	queryCache.Init(ctx)

	c := &Client{
		rest:       restClient,
		session:    store,
		cache:      queryCache,
		notify:     opts.Notify,
		mode:       mode,
		ctx:        ctx,
		confidence: opts.Confidence,
		risk:       make(map[string]*analytics.Calculator),
	}
	if c.notify == nil {
		c.notify = logToast
	}
	c.streams = realtime.NewManager(realtime.ManagerOptions{
		WSBase: endpoints.WS,
		Token:  store.Token,
		Cache:  queryCache,
		Config: realtime.Config{
			BaseDelay:    cfg.Channels.BaseDelay,
			MaxDelay:     cfg.Channels.MaxDelay,
			MaxAttempts:  cfg.Channels.MaxAttempts,
			PingInterval: cfg.Channels.PingInterval,
		},
		FlushInterval: cfg.Channels.FlushInterval,
		PortfolioMode: mode,
		Streams:       opts.Streams,
	})
	c.buildMutations()

	c.unsub = store.Subscribe(c.onAuthChange)
	store.OnLogout(c.teardown)
	return c
}

func logToast(t mutation.Toast) {
	observability.Log().Info("operation failed",
		observability.F("op", t.Op), observability.F("message", t.Message), observability.F("err", t.Err))
}

func (c *Client) onAuthChange(authenticated bool) {
	if !authenticated {
		return
	}
	c.cache.Resume()
	c.streams.Start(c.ctx)
}

func (c *Client) teardown(context.Context) error {
	c.streams.Stop()
	c.cache.Teardown()
	c.riskMu.Lock()
	clear(c.risk)
	c.riskMu.Unlock()
	return nil
}

// Session exposes the session store.
func (c *Client) Session() *session.Store { return c.session }

// Cache exposes the query cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Streams exposes the realtime manager.
func (c *Client) Streams() *realtime.Manager { return c.streams }

// PortfolioMode is the mode the portfolio stream and default queries use.
func (c *Client) PortfolioMode() string { return c.mode }

// Login authenticates and, on success, opens the streams. It reports false
// without error when the backend asks for a second factor.
func (c *Client) Login(ctx context.Context, identifier, password string, remember bool) (bool, error) {
	return c.session.Login(ctx, identifier, password, remember)
}

// Register creates an account and logs into it.
func (c *Client) Register(ctx context.Context, email, username, password string, remember bool) (bool, error) {
	return c.session.Register(ctx, email, username, password, remember)
}

// Restore reloads a persisted session.
func (c *Client) Restore(ctx context.Context) (bool, error) {
	return c.session.Restore(ctx)
}

// Logout ends the session, closes the streams and clears the cache.
func (c *Client) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// Reconnect restarts one stream with a fresh attempt budget.
func (c *Client) Reconnect(stream string) error {
	return c.streams.Reconnect(stream)
}

// Close releases background work without logging out.
func (c *Client) Close() {
	c.closed.Do(func() {
		c.unsub()
		c.streams.Stop()
		c.session.Close()
		c.cache.Teardown()
	})
}
