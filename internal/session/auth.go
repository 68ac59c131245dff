package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/orchestrator/errs"
	"github.com/coachpo/orchestrator/internal/domain/schema"
	"github.com/coachpo/orchestrator/internal/infra/persistence"
	"github.com/coachpo/orchestrator/internal/infra/rest"
	"github.com/coachpo/orchestrator/internal/observability"
)

// Backend routes.
const (
	PathLogin    = "/api/auth/login"
	PathRegister = "/api/auth/register"
	PathRefresh  = "/api/auth/refresh"
	PathLogout   = "/api/auth/logout"
)

// authResponse accepts both the snake_case login payload and the camelCase refresh payload.
type authResponse struct {
	AccessToken       string      `json:"access_token"`
	AccessTokenCamel  string      `json:"accessToken"`
	RefreshToken      string      `json:"refresh_token"`
	RefreshTokenCamel string      `json:"refreshToken"`
	User              schema.User `json:"user"`
	RequiresMFA       bool        `json:"requiresMfa"`
}

func (r authResponse) accessToken() string {
	if r.AccessToken != "" {
		return r.AccessToken
	}
	return r.AccessTokenCamel
}

func (r authResponse) refreshToken() string {
	if r.RefreshToken != "" {
		return r.RefreshToken
	}
	return r.RefreshTokenCamel
}

func credentialBody(identifier, password string) map[string]string {
	body := map[string]string{"password": password}
	if strings.Contains(identifier, "@") {
		body["email"] = identifier
	} else {
		body["username"] = identifier
	}
	return body
}

// Login authenticates with identifier (email when it contains "@", otherwise
// username) and persists the session to the persistent backend when remember is set.
func (s *Store) Login(ctx context.Context, identifier, password string, remember bool) (bool, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return false, errs.New("login", errs.CodeInvalid, errs.WithMessage("identifier and password required"))
	}
	resp, err := s.authenticate(ctx, "login", PathLogin, credentialBody(identifier, password))
	if err != nil {
		s.metrics.record(ctx, "login", err)
		return false, err
	}
	if err := s.establish(ctx, resp, remember); err != nil {
		s.metrics.record(ctx, "login", err)
		return false, err
	}
	s.metrics.record(ctx, "login", nil)
	observability.Log().Info("session established", observability.F("user", resp.User.ID), observability.F("remember", remember))
	return true, nil
}

// Register creates an account and signs in. When the backend does not return
// tokens on registration, a regular login follows.
func (s *Store) Register(ctx context.Context, email, username, password string, remember bool) (bool, error) {
	body := map[string]string{"email": strings.TrimSpace(email), "username": strings.TrimSpace(username), "password": password}
	resp, err := s.authenticate(ctx, "register", PathRegister, body)
	if err != nil {
		s.metrics.record(ctx, "register", err)
		return false, err
	}
	s.metrics.record(ctx, "register", nil)
	if resp.accessToken() == "" {
		return s.Login(ctx, email, password, remember)
	}
	if err := s.establish(ctx, resp, remember); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) authenticate(ctx context.Context, op, path string, body any) (authResponse, error) {
	if s.client == nil {
		return authResponse{}, errs.New(op, errs.CodeUnavailable, errs.WithMessage("rest client not configured"))
	}
	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	var resp authResponse
	if err := s.client.Post(callCtx, path, body, &resp, rest.Anonymous(), rest.NoRefresh()); err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return authResponse{}, errs.New(op, errs.CodeTimeout, errs.WithMessage(errs.MsgTimeout), errs.WithCause(err))
		}
		return authResponse{}, err
	}
	if resp.RequiresMFA {
		return authResponse{}, ErrMFARequired
	}
	if op != "register" && resp.accessToken() == "" {
		return authResponse{}, errs.New(op, errs.CodeServer, errs.WithMessage("response missing access token"))
	}
	return resp, nil
}

func (s *Store) establish(ctx context.Context, resp authResponse, remember bool) error {
	sess := schema.Session{
		UserID:       resp.User.ID,
		Token:        resp.accessToken(),
		RefreshToken: resp.refreshToken(),
		ExpiresAt:    tokenExpiry(resp.accessToken()),
		User:         resp.User,
	}
	if err := s.persist(ctx, sess, remember); err != nil {
		return err
	}
	s.mu.Lock()
	s.session = sess
	s.remember = remember
	s.mu.Unlock()

	s.startWatcher()
	s.notify(true)
	return nil
}

func (s *Store) backends(remember bool) (persistence.KV, persistence.KV) {
	if remember {
		return s.persistent, s.ephemeral
	}
	return s.ephemeral, s.persistent
}

func (s *Store) persist(ctx context.Context, sess schema.Session, remember bool) error {
	target, other := s.backends(remember)
	user, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("encode session user: %w", err)
	}
	for key, value := range map[string]string{KeyToken: sess.Token, KeyRefresh: sess.RefreshToken, KeyUser: string(user)} {
		if err := target.Set(ctx, key, value); err != nil {
			return fmt.Errorf("persist %s: %w", key, err)
		}
	}
	if err := other.Delete(ctx, KeyToken, KeyRefresh, KeyUser); err != nil {
		observability.Log().Debug("clear stale session backend failed", observability.F("err", err))
	}
	return nil
}

// Restore loads a saved session, preferring the persistent backend. An expired
// access token is refreshed before the session is reported authenticated.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	for _, remember := range []bool{true, false} {
		backend, _ := s.backends(remember)
		sess, ok, err := load(ctx, backend)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		sess.ExpiresAt = tokenExpiry(sess.Token)
		s.mu.Lock()
		s.session = sess
		s.remember = remember
		s.mu.Unlock()

		if sess.Expired(s.now()) {
			if err := s.Refresh(ctx); err != nil {
				return false, err
			}
		} else {
			s.startWatcher()
		}
		s.notify(true)
		return true, nil
	}
	return false, nil
}

func load(ctx context.Context, backend persistence.KV) (schema.Session, bool, error) {
	token, ok, err := backend.Get(ctx, KeyToken)
	if err != nil {
		return schema.Session{}, false, fmt.Errorf("load %s: %w", KeyToken, err)
	}
	if !ok || token == "" {
		return schema.Session{}, false, nil
	}
	refresh, _, err := backend.Get(ctx, KeyRefresh)
	if err != nil {
		return schema.Session{}, false, fmt.Errorf("load %s: %w", KeyRefresh, err)
	}
	sess := schema.Session{Token: token, RefreshToken: refresh}
	if raw, ok, err := backend.Get(ctx, KeyUser); err == nil && ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.User); err != nil {
			observability.Log().Debug("discarding unreadable saved user", observability.F("err", err))
		}
	}
	sess.UserID = sess.User.ID
	return sess, true, nil
}

// Refresh exchanges the refresh token for new credentials. Concurrent callers
// share one request. Any failure other than caller cancellation logs out.
func (s *Store) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	if call := s.inflight; call != nil {
		s.refreshMu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.refreshMu.Unlock()

	call.err = s.doRefresh(ctx)

	s.refreshMu.Lock()
	s.inflight = nil
	s.refreshMu.Unlock()
	close(call.done)
	return call.err
}

func (s *Store) doRefresh(ctx context.Context) error {
	s.mu.RLock()
	refreshToken := s.session.RefreshToken
	remember := s.remember
	s.mu.RUnlock()
	if refreshToken == "" {
		return ErrNotAuthenticated
	}
	if s.client == nil {
		return errs.New("refresh", errs.CodeUnavailable, errs.WithMessage("rest client not configured"))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	var resp authResponse
	err := s.client.Post(callCtx, PathRefresh, map[string]string{"refreshToken": refreshToken}, &resp, rest.Anonymous(), rest.NoRefresh())
	if err == nil && resp.accessToken() == "" {
		err = errs.New("refresh", errs.CodeServer, errs.WithMessage("response missing access token"))
	}
	if err != nil {
		s.metrics.record(ctx, "refresh", err)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		observability.Log().Info("token refresh failed, signing out", observability.F("err", err))
		s.expire(context.WithoutCancel(ctx))
		return err
	}

	s.mu.Lock()
	sess := s.session
	sess.Token = resp.accessToken()
	if next := resp.refreshToken(); next != "" {
		sess.RefreshToken = next
	}
	if resp.User.ID != "" {
		sess.User = resp.User
		sess.UserID = resp.User.ID
	}
	sess.ExpiresAt = tokenExpiry(sess.Token)
	s.session = sess
	s.mu.Unlock()

	if err := s.persist(ctx, sess, remember); err != nil {
		observability.Log().Error("persist refreshed session", observability.F("err", err))
	}
	s.metrics.record(ctx, "refresh", nil)
	s.startWatcher()
	return nil
}

// Logout clears credentials from both backends, notifies the server on a best
// effort basis and runs teardown hooks. It always leaves the store logged out.
func (s *Store) Logout(ctx context.Context) error {
	failures := s.endSession(ctx)
	failures = append(failures, s.runTeardown(context.WithoutCancel(ctx))...)
	s.metrics.record(ctx, "logout", nil)
	return observability.AggregateErrors("logout", failures)
}

// expire signs out after a failed refresh. Credentials are gone when it
// returns; teardown hooks run on their own goroutine because the refresh may
// be executing inside a cache fetch that teardown waits for.
func (s *Store) expire(ctx context.Context) {
	failures := s.endSession(ctx)
	s.teardowns.Go(func() {
		all := append(failures, s.runTeardown(ctx)...)
		s.metrics.record(ctx, "logout", nil)
		if err := observability.AggregateErrors("logout", all, observability.F("reason", "refresh failed")); err != nil {
			observability.Log().Error("logout after refresh failure", observability.F("err", err))
		}
	})
}

// endSession stops the watcher, tells the server, clears credentials from
// memory and both backends, and notifies listeners.
func (s *Store) endSession(ctx context.Context) []error {
	s.stopWatcher()

	s.mu.Lock()
	refreshToken := s.session.RefreshToken
	wasAuthenticated := s.session.Token != ""
	s.mu.Unlock()

	if wasAuthenticated && s.client != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		if err := s.client.Post(callCtx, PathLogout, map[string]string{"refreshToken": refreshToken}, nil, rest.NoRefresh()); err != nil {
			observability.Log().Debug("server logout failed", observability.F("err", err))
		}
		cancel()
	}

	s.mu.Lock()
	s.session = schema.Session{}
	s.remember = false
	s.mu.Unlock()

	clearCtx := context.WithoutCancel(ctx)
	var failures []error
	for _, backend := range []persistence.KV{s.persistent, s.ephemeral} {
		if err := backend.Delete(clearCtx, KeyToken, KeyRefresh, KeyUser); err != nil {
			failures = append(failures, err)
		}
	}

	s.notify(false)
	return failures
}

func (s *Store) runTeardown(ctx context.Context) []error {
	s.listenersMu.Lock()
	hooks := append([]TeardownFunc(nil), s.teardown...)
	s.listenersMu.Unlock()
	var failures []error
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}
