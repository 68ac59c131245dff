package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/orchestrator/internal/cache"
	"github.com/coachpo/orchestrator/internal/observability"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// WSBase is the websocket origin, e.g. ws://localhost:8000.
	WSBase        string
	Token         func() string
	Cache         *cache.Cache
	Config        Config
	FlushInterval time.Duration
	PortfolioMode string
	// Streams limits the managed streams. Empty means all of them.
	Streams []string
}

// Manager owns one channel per stream and starts and stops them together.
type Manager struct {
	flusher *Flusher
	order   []string
	chans   map[string]*Channel

	market    *MarketHandler
	portfolio *PortfolioHandler

	mu  sync.Mutex
	ctx context.Context
}

// NewManager builds the channels. Nothing connects until Start.
func NewManager(opts ManagerOptions) *Manager {
	flusher := NewFlusher(opts.Cache, opts.FlushInterval)
	m := &Manager{
		flusher:   flusher,
		chans:     make(map[string]*Channel),
		market:    NewMarketHandler(flusher),
		portfolio: NewPortfolioHandler(flusher, opts.PortfolioMode),
	}

	handlers := map[string]Handler{
		StreamMarketData:    m.market,
		StreamPortfolio:     m.portfolio,
		StreamWallet:        NewWalletHandler(flusher),
		StreamBotStatus:     NewBotStatusHandler(flusher),
		StreamNotifications: NewNotificationsHandler(flusher),
	}
	streams := opts.Streams
	if len(streams) == 0 {
		streams = []string{StreamMarketData, StreamPortfolio, StreamWallet, StreamBotStatus, StreamNotifications}
	}
	base := strings.TrimRight(opts.WSBase, "/")
	for _, name := range streams {
		handler, ok := handlers[name]
		if !ok {
			observability.Log().Error("unknown realtime stream ignored", observability.F("stream", name))
			continue
		}
		cfg := opts.Config
		if name == StreamPortfolio && cfg.PingFrame == nil {
			cfg.PingFrame = map[string]string{"type": "ping"}
		}
		m.order = append(m.order, name)
		m.chans[name] = NewChannel(Options{
			Name:    name,
			URL:     base + Paths[name],
			Token:   opts.Token,
			Handler: handler,
			Cache:   opts.Cache,
			Flusher: flusher,
			Config:  cfg,
		})
	}
	return m
}

// Channel returns the named channel, or nil.
func (m *Manager) Channel(name string) *Channel { return m.chans[name] }

// Flusher exposes the shared update coalescer.
func (m *Manager) Flusher() *Flusher { return m.flusher }

// Portfolio returns the portfolio stream handler.
func (m *Manager) Portfolio() *PortfolioHandler { return m.portfolio }

// Start connects every channel. Channels without a token stay idle.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	for _, name := range m.order {
		m.chans[name].Connect(ctx)
	}
}

// Stop disconnects every channel and flushes pending updates.
func (m *Manager) Stop() {
	var wg conc.WaitGroup
	for _, name := range m.order {
		ch := m.chans[name]
		wg.Go(ch.Disconnect)
	}
	wg.Wait()
	m.flusher.Flush()
}

// Reconnect restarts one channel with a fresh attempt budget.
func (m *Manager) Reconnect(name string) error {
	ch := m.chans[name]
	if ch == nil {
		return fmt.Errorf("realtime: unknown stream %q", name)
	}
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	ch.Reconnect(ctx)
	return nil
}

// Status reports every channel in stream order.
func (m *Manager) Status() []Status {
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.chans[name].Status())
	}
	return out
}

// WatchSymbols subscribes the market stream to symbols, in addition to
// any already watched.
func (m *Manager) WatchSymbols(ctx context.Context, symbols ...string) error {
	ch := m.chans[StreamMarketData]
	if ch == nil {
		return fmt.Errorf("realtime: %s stream not managed", StreamMarketData)
	}
	m.market.Track(symbols...)
	return ch.Subscribe(ctx, "symbols", MarketSubscribe(m.market.Symbols()...))
}

// WatchWallet subscribes the wallet stream to currency.
func (m *Manager) WatchWallet(ctx context.Context, currency string) error {
	ch := m.chans[StreamWallet]
	if ch == nil {
		return fmt.Errorf("realtime: %s stream not managed", StreamWallet)
	}
	return ch.Subscribe(ctx, "currency:"+currency, WalletSubscribe(currency))
}

// WatchBot requests status pushes for botID.
func (m *Manager) WatchBot(ctx context.Context, botID string) error {
	ch := m.chans[StreamBotStatus]
	if ch == nil {
		return fmt.Errorf("realtime: %s stream not managed", StreamBotStatus)
	}
	return ch.Subscribe(ctx, "bot:"+botID, BotStatusRequest(botID))
}
