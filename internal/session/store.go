// Package session owns the authenticated session: login, logout, token refresh
// and persistence of credentials across restarts.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/orchestrator/internal/domain/schema"
	"github.com/coachpo/orchestrator/internal/infra/persistence"
	"github.com/coachpo/orchestrator/internal/infra/rest"
)

// Storage keys shared by every backend.
const (
	KeyToken   = "auth_token"
	KeyRefresh = "refresh_token"
	KeyUser    = "auth_user"
)

var (
	// ErrMFARequired is returned when the backend demands a second factor.
	ErrMFARequired = errors.New("session: multi-factor authentication required")
	// ErrNotAuthenticated is returned by operations that need a live session.
	ErrNotAuthenticated = errors.New("session: not authenticated")
)

// Options configures a Store.
type Options struct {
	Client *rest.Client
	// Persistent backs "remember me" sessions; Ephemeral backs the rest.
	Persistent persistence.KV
	Ephemeral  persistence.KV

	RequestTimeout time.Duration
	RefreshBuffer  time.Duration
	WatchInterval  time.Duration

	Now func() time.Time
}

// TeardownFunc runs after logout clears credentials.
type TeardownFunc func(ctx context.Context) error

// Store is the single source of truth for the current session.
type Store struct {
	client         *rest.Client
	persistent     persistence.KV
	ephemeral      persistence.KV
	requestTimeout time.Duration
	refreshBuffer  time.Duration
	watchInterval  time.Duration
	now            func() time.Time
	metrics        *sessionMetrics

	mu       sync.RWMutex
	session  schema.Session
	remember bool

	listenersMu sync.Mutex
	listeners   map[int]func(bool)
	nextID      int
	teardown    []TeardownFunc

	refreshMu sync.Mutex
	inflight  *refreshCall

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchWake   chan struct{}
	watchers    conc.WaitGroup

	teardowns conc.WaitGroup
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// New constructs a Store and installs it as the client's token source and refresher.
func New(opts Options) *Store {
	persistent := opts.Persistent
	if persistent == nil {
		persistent = persistence.NewMemory()
	}
	ephemeral := opts.Ephemeral
	if ephemeral == nil {
		ephemeral = persistence.NewMemory()
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	refreshBuffer := opts.RefreshBuffer
	if refreshBuffer <= 0 {
		refreshBuffer = 5 * time.Minute
	}
	watchInterval := opts.WatchInterval
	if watchInterval <= 0 {
		watchInterval = time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		client:         opts.Client,
		persistent:     persistent,
		ephemeral:      ephemeral,
		requestTimeout: requestTimeout,
		refreshBuffer:  refreshBuffer,
		watchInterval:  watchInterval,
		now:            now,
		metrics:        newSessionMetrics(),
		listeners:      make(map[int]func(bool)),
	}
	if s.client != nil {
		s.client.SetAuth(s, s)
	}
	return s
}

// Token returns the current access token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Token
}

// AuthorizationHeader renders the bearer header for the current token.
func (s *Store) AuthorizationHeader() string {
	token := s.Token()
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

// IsAuthenticated reports whether a token is held.
func (s *Store) IsAuthenticated() bool {
	return s.Token() != ""
}

// User returns the signed-in user.
func (s *Store) User() (schema.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.User, s.session.Token != ""
}

// Session returns a copy of the live session.
func (s *Store) Session() schema.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Subscribe registers fn for authentication state changes and returns an unsubscribe func.
func (s *Store) Subscribe(fn func(authenticated bool)) func() {
	if fn == nil {
		return func() {}
	}
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// OnLogout registers a hook run after credentials are cleared.
func (s *Store) OnLogout(fn TeardownFunc) {
	if fn == nil {
		return
	}
	s.listenersMu.Lock()
	s.teardown = append(s.teardown, fn)
	s.listenersMu.Unlock()
}

func (s *Store) notify(authenticated bool) {
	s.listenersMu.Lock()
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(authenticated)
	}
}

// Close stops background refresh scheduling and waits for it, and for any
// pending teardown after a failed refresh, to exit.
func (s *Store) Close() {
	s.stopWatcher()
	s.watchers.Wait()
	s.teardowns.Wait()
}
