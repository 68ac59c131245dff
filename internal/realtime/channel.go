// Package realtime keeps authenticated websocket streams alive and folds
// their messages into the query cache.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/orchestrator/internal/cache"
	"github.com/coachpo/orchestrator/internal/observability"
)

const (
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMaxAttempts  = 10
	defaultPingInterval = 30 * time.Second
	controlWriteTimeout = 5 * time.Second
	dialTimeout         = 10 * time.Second
	authTimeout         = 10 * time.Second
	readLimit           = 2 * 1024 * 1024
)

var (
	// ErrAuthRejected is recorded when the server refuses the auth frame.
	ErrAuthRejected = errors.New("realtime: authentication rejected")
	// ErrNoToken is recorded when a retry finds the session gone.
	ErrNoToken = errors.New("realtime: no access token")
)

// Handler decodes and applies the messages of one stream.
type Handler interface {
	Decode(env Envelope) (Message, error)
	Handle(ctx context.Context, msg Message) error
	// Keys lists the cache keys the stream owns while authenticated.
	Keys() []cache.Key
	// Replay returns commands sent after every successful auth, after
	// subscriptions are restored.
	Replay() []any
	// Reset drops per-connection state before a new session starts.
	Reset()
}

// waiter is implemented by handlers that start background work from Handle.
type waiter interface{ Wait() }

// Config tunes reconnects and heartbeats.
type Config struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	// PingFrame is the application-level ping. Defaults to {"action":"ping"}.
	PingFrame any
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingFrame == nil {
		c.PingFrame = map[string]string{"action": "ping"}
	}
	return c
}

// newBackoff doubles from BaseDelay up to MaxDelay without jitter and never
// gives up on its own; attempts are capped by the channel.
func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.MaxDelay
	b.Reset()
	return b
}

// Options configures a Channel.
type Options struct {
	// Name is the stream name, used for logs and metrics.
	Name string
	// URL is the full websocket endpoint, e.g. ws://host/ws/portfolio.
	URL     string
	Token   func() string
	Handler Handler
	Cache   *cache.Cache
	// Flusher is flushed when a session ends. Optional.
	Flusher *Flusher
	Config  Config
	// OnRetry is called with the attempt number and delay of every scheduled
	// reconnect. Optional.
	OnRetry func(attempt int, delay time.Duration)
}

// Status is a point-in-time view of a channel.
type Status struct {
	Stream    string
	State     State
	Attempts  int
	LastError error
}

type subscription struct {
	id  string
	cmd any
}

// Channel is one authenticated websocket stream with reconnects.
type Channel struct {
	name    string
	url     string
	token   func() string
	handler Handler
	cache   *cache.Cache
	flusher *Flusher
	cfg     Config
	metrics *channelMetrics
	onRetry func(attempt int, delay time.Duration)

	// lifecycle serialises Connect, Disconnect and Reconnect.
	lifecycle sync.Mutex

	mu        sync.Mutex
	state     State
	attempts  int
	lastErr   error
	cancel    context.CancelFunc
	done      chan struct{}
	kick      chan struct{}
	conn      *websocket.Conn
	subs      []subscription
	live      map[string]cache.Key
	listeners map[int]func(State)
	nextID    int

	writeMu sync.Mutex
}

// NewChannel constructs an idle channel.
func NewChannel(opts Options) *Channel {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "stream"
	}
	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}
	return &Channel{
		name:      name,
		url:       opts.URL,
		token:     token,
		handler:   opts.Handler,
		cache:     opts.Cache,
		flusher:   opts.Flusher,
		cfg:       opts.Config.withDefaults(),
		onRetry:   opts.OnRetry,
		metrics:   newChannelMetrics(name),
		state:     StateIdle,
		kick:      make(chan struct{}, 1),
		live:      make(map[string]cache.Key),
		listeners: make(map[int]func(State)),
	}
}

// Name returns the stream name.
func (c *Channel) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the state plus retry bookkeeping.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Stream: c.name, State: c.state, Attempts: c.attempts, LastError: c.lastErr}
}

// OnState registers fn for state changes and returns an unsubscribe func.
func (c *Channel) OnState(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Connect starts the connection loop. It is a no-op without a token or
// while a connection is already underway; a channel waiting to retry dials
// immediately. ctx bounds the lifetime of the loop.
func (c *Channel) Connect(ctx context.Context) {
	if c.token() == "" {
		observability.Log().Debug("realtime connect skipped without token", observability.F("stream", c.name))
		return
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	state, done := c.state, c.done
	running := done != nil && !closed(done)
	c.mu.Unlock()

	if running {
		switch state {
		case StateClosed:
			select {
			case c.kick <- struct{}{}:
			default:
			}
			return
		case StateFailed:
			<-done
		default:
			return
		}
	}
	if state != StateIdle && state != StateFailed {
		// the loop ended with its parent context; settle before restarting
		c.stop()
	}
	c.start(ctx)
}

func (c *Channel) start(ctx context.Context) {
	c.mu.Lock()
	c.attempts = 0
	c.lastErr = nil
	c.mu.Unlock()
	if next, _ := c.fire(EvConnect); next != StateConnecting {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(loopCtx)
	}()
}

// Disconnect stops the loop, closes the socket and returns to Idle.
func (c *Channel) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop()
}

func (c *Channel) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if w, ok := c.handler.(waiter); ok {
		w.Wait()
	}
	_, actions := c.fire(EvDisconnect)
	c.apply(actions)
}

// Reconnect restarts the channel with a fresh attempt budget. It is the way
// out of Failed.
func (c *Channel) Reconnect(ctx context.Context) {
	if c.token() == "" {
		return
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop()
	c.start(ctx)
}

// Subscribe records cmd under id and sends it now when authenticated.
// Recorded commands are replayed after every reconnect.
func (c *Channel) Subscribe(ctx context.Context, id string, cmd any) error {
	c.mu.Lock()
	replaced := false
	for i := range c.subs {
		if c.subs[i].id == id {
			c.subs[i].cmd = cmd
			replaced = true
		}
	}
	if !replaced {
		c.subs = append(c.subs, subscription{id: id, cmd: cmd})
	}
	conn, authed := c.conn, c.state == StateAuthenticated
	c.mu.Unlock()

	if !authed || conn == nil {
		return nil
	}
	c.markLive()
	return c.write(ctx, conn, cmd)
}

// Unsubscribe forgets id and sends cmd, when non-nil, if authenticated.
func (c *Channel) Unsubscribe(ctx context.Context, id string, cmd any) error {
	c.mu.Lock()
	kept := c.subs[:0]
	for _, s := range c.subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	c.subs = kept
	conn, authed := c.conn, c.state == StateAuthenticated
	c.mu.Unlock()

	if cmd == nil || !authed || conn == nil {
		return nil
	}
	return c.write(ctx, conn, cmd)
}

// Send writes cmd on the live connection without recording it.
func (c *Channel) Send(ctx context.Context, cmd any) error {
	c.mu.Lock()
	conn, authed := c.conn, c.state == StateAuthenticated
	c.mu.Unlock()
	if !authed || conn == nil {
		return fmt.Errorf("realtime %s: not connected", c.name)
	}
	return c.write(ctx, conn, cmd)
}

func (c *Channel) fire(ev Event) (State, []Action) {
	c.mu.Lock()
	prev := c.state
	next, actions := Transition(prev, ev)
	c.state = next
	var fns []func(State)
	if next != prev {
		fns = make([]func(State), 0, len(c.listeners))
		for _, fn := range c.listeners {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	if next != prev {
		c.metrics.transition(context.Background(), next)
		observability.Log().Debug("realtime state",
			observability.F("stream", c.name),
			observability.F("event", ev.String()),
			observability.F("from", prev.String()),
			observability.F("to", next.String()))
		for _, fn := range fns {
			fn(next)
		}
	}
	return next, actions
}

// apply runs the teardown actions of a transition that ends a session.
func (c *Channel) apply(actions []Action) {
	if has(actions, ActClearLive) {
		c.clearLive()
	}
	if has(actions, ActFlush) && c.flusher != nil {
		c.flusher.Flush()
	}
	if has(actions, ActCloseSocket) {
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}

func (c *Channel) markLive() {
	if c.cache == nil || c.handler == nil {
		return
	}
	keys := c.handler.Keys()
	c.mu.Lock()
	for _, k := range keys {
		c.live[k.String()] = k
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.cache.SetLive(k, true)
	}
}

func (c *Channel) clearLive() {
	if c.cache == nil {
		return
	}
	c.mu.Lock()
	keys := make([]cache.Key, 0, len(c.live))
	for _, k := range c.live {
		keys = append(keys, k)
	}
	c.live = make(map[string]cache.Key)
	c.mu.Unlock()
	for _, k := range keys {
		c.cache.SetLive(k, false)
	}
}

// run keeps a session alive until ctx ends or the attempt budget runs out.
func (c *Channel) run(ctx context.Context) {
	backoffCfg := newBackoff(c.cfg)
	for {
		err := c.session(ctx, backoffCfg)
		if ctx.Err() != nil {
			return
		}

		var actions []Action
		if errors.Is(err, ErrAuthRejected) && c.State() != StateAuthenticated {
			_, actions = c.fire(EvAuthRejected)
		} else {
			_, actions = c.fire(EvClosed)
		}
		c.apply(actions)
		if !has(actions, ActScheduleRetry) {
			return
		}

		c.mu.Lock()
		c.attempts++
		c.lastErr = err
		attempts := c.attempts
		c.mu.Unlock()

		if attempts >= c.cfg.MaxAttempts {
			c.fire(EvGiveUp)
			observability.Log().Error("realtime channel gave up",
				observability.F("stream", c.name),
				observability.F("attempts", attempts),
				observability.F("err", err))
			return
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.cfg.MaxDelay
		}
		observability.Log().Debug("realtime reconnect scheduled",
			observability.F("stream", c.name),
			observability.F("attempt", attempts),
			observability.F("delay", sleep),
			observability.F("err", err))
		if c.onRetry != nil {
			c.onRetry(attempts, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.kick:
			timer.Stop()
		case <-timer.C:
		}
		if next, _ := c.fire(EvRetryDue); next != StateConnecting {
			return
		}
	}
}

// session dials, authenticates and serves one connection until it ends.
func (c *Channel) session(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) error {
	token := c.token()
	if token == "" {
		return ErrNoToken
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.dialURL(), nil)
	cancel()
	if err != nil {
		c.metrics.reconnect(ctx, "error")
		return fmt.Errorf("dial %s: %w", c.name, err)
	}
	c.metrics.reconnect(ctx, "success")
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	if _, actions := c.fire(EvOpened); has(actions, ActSendAuth) {
		if err := c.write(ctx, conn, map[string]string{"type": "auth", "token": token}); err != nil {
			return err
		}
	}
	if err := c.awaitAuth(ctx, conn); err != nil {
		return err
	}

	_, actions := c.fire(EvAuthOK)
	if has(actions, ActResetBackoff) {
		backoffCfg.Reset()
		c.mu.Lock()
		c.attempts = 0
		c.lastErr = nil
		c.mu.Unlock()
	}
	if c.handler != nil {
		c.handler.Reset()
	}
	if has(actions, ActMarkLive) {
		c.markLive()
	}
	if has(actions, ActResubscribe) {
		if err := c.resubscribe(ctx, conn); err != nil {
			return err
		}
	}
	observability.Log().Info("realtime channel authenticated", observability.F("stream", c.name))

	// read and ping loops share a connection context and cancel one another
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- c.readLoop(connCtx, conn) })
	if has(actions, ActStartPing) && c.cfg.PingInterval > 0 {
		wg.Go(func() { errCh <- c.pingLoop(connCtx, conn) })
	}

	firstErr := <-errCh
	connCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	return firstErr
}

func (c *Channel) dialURL() string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	q.Set("client_id", uuid.NewString())
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Channel) awaitAuth(ctx context.Context, conn *websocket.Conn) error {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	for {
		msgType, data, err := conn.Read(authCtx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return fmt.Errorf("%w: %s", ErrAuthRejected, c.name)
			}
			return fmt.Errorf("await auth: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			continue
		}
		switch env.Type {
		case "auth_success":
			return nil
		case "error":
			return fmt.Errorf("%w: %s", ErrAuthRejected, env.Error)
		}
	}
}

func (c *Channel) resubscribe(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	cmds := make([]any, 0, len(c.subs))
	for _, s := range c.subs {
		cmds = append(cmds, s.cmd)
	}
	c.mu.Unlock()
	if c.handler != nil {
		cmds = append(cmds, c.handler.Replay()...)
	}
	for _, cmd := range cmds {
		if err := c.write(ctx, conn, cmd); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	return nil
}

func (c *Channel) write(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", c.name, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s command: %w", c.name, err)
	}
	return nil
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			if err := c.write(ctx, conn, c.cfg.PingFrame); err != nil {
				if ctx.Err() != nil {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("read: %w", err)
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusPolicyViolation {
					return fmt.Errorf("%w: closed with status %d", ErrAuthRejected, status)
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		c.dispatch(ctx, data)
	}
}

func (c *Channel) dispatch(ctx context.Context, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		c.metrics.drop(ctx, "malformed")
		observability.Log().Debug("realtime frame dropped",
			observability.F("stream", c.name), observability.F("err", err))
		return
	}
	c.metrics.message(ctx, env.Type, len(data))
	if c.handler == nil {
		return
	}
	msg, err := c.handler.Decode(env)
	if err != nil {
		c.metrics.drop(ctx, env.Type)
		observability.Log().Debug("realtime message dropped",
			observability.F("stream", c.name),
			observability.F("type", env.Type),
			observability.F("err", err))
		return
	}
	switch m := msg.(type) {
	case UnknownMessage:
		c.metrics.drop(ctx, m.Type)
		observability.Log().Debug("realtime message type unknown",
			observability.F("stream", c.name), observability.F("type", m.Type))
		return
	case PongMessage:
		return
	case ErrorMessage:
		observability.Log().Error("realtime server error",
			observability.F("stream", c.name), observability.F("error", m.Error))
	}
	if err := c.handler.Handle(ctx, msg); err != nil {
		observability.Log().Error("realtime handler failed",
			observability.F("stream", c.name),
			observability.F("type", env.Type),
			observability.F("err", err))
	}
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
