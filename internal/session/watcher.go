package session

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coachpo/orchestrator/internal/observability"
)

// tokenExpiry reads the exp claim without verifying the signature; the server
// stays the authority on validity. Returns the zero time when absent.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// untilRefresh returns how long to wait before refreshing, and false when
// the token carries no expiry.
func (s *Store) untilRefresh() (time.Duration, bool) {
	s.mu.RLock()
	expiresAt := s.session.ExpiresAt
	s.mu.RUnlock()
	if expiresAt.IsZero() {
		return 0, false
	}
	wait := expiresAt.Add(-s.refreshBuffer).Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (s *Store) startWatcher() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watchCancel != nil {
		// already running: reschedule against the new expiry
		select {
		case s.watchWake <- struct{}{}:
		default:
		}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	wake := make(chan struct{}, 1)
	s.watchCancel = cancel
	s.watchWake = wake
	s.watchers.Go(func() { s.watch(ctx, wake) })
}

func (s *Store) stopWatcher() {
	s.watchMu.Lock()
	cancel := s.watchCancel
	s.watchCancel = nil
	s.watchWake = nil
	s.watchMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Store) watch(ctx context.Context, wake <-chan struct{}) {
	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	arm := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait, ok := s.untilRefresh(); ok {
			timer.Reset(wait)
		}
	}
	arm()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			arm()
		case <-timer.C:
			s.refreshFromWatcher(ctx)
			arm()
		case <-ticker.C:
			if wait, ok := s.untilRefresh(); ok && wait == 0 {
				s.refreshFromWatcher(ctx)
				arm()
			}
		}
	}
}

func (s *Store) refreshFromWatcher(ctx context.Context) {
	if ctx.Err() != nil || !s.IsAuthenticated() {
		return
	}
	if err := s.Refresh(ctx); err != nil {
		observability.Log().Debug("scheduled refresh failed", observability.F("err", err))
	}
}
