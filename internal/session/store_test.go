package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/orchestrator/errs"
	"github.com/coachpo/orchestrator/internal/infra/persistence"
	"github.com/coachpo/orchestrator/internal/infra/rest"
	"github.com/coachpo/orchestrator/internal/testutil/fakebackend"
)

type fixture struct {
	backend    *fakebackend.Backend
	client     *rest.Client
	persistent *persistence.Memory
	ephemeral  *persistence.Memory
	store      *Store
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	backend := fakebackend.New(t)
	backend.AddUser("trader@example.com", "trader", "hunter2")

	f := &fixture{
		backend:    backend,
		client:     rest.New(rest.Options{BaseURL: backend.URL()}),
		persistent: persistence.NewMemory(),
		ephemeral:  persistence.NewMemory(),
	}
	opts := Options{
		Client:         f.client,
		Persistent:     f.persistent,
		Ephemeral:      f.ephemeral,
		RequestTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.store = New(opts)
	t.Cleanup(f.store.Close)
	return f
}

func TestLoginHappyPathPersistsToChosenBackend(t *testing.T) {
	f := newFixture(t, nil)
	var states []bool
	var mu sync.Mutex
	f.store.Subscribe(func(auth bool) {
		mu.Lock()
		states = append(states, auth)
		mu.Unlock()
	})

	ok, err := f.store.Login(context.Background(), "trader@example.com", "hunter2", true)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, f.store.IsAuthenticated())

	user, ok := f.store.User()
	require.True(t, ok)
	require.Equal(t, "trader", user.Username)
	require.Contains(t, f.store.AuthorizationHeader(), "Bearer ")
	require.False(t, f.store.Session().ExpiresAt.IsZero(), "exp claim should be parsed")

	token, found, err := f.persistent.Get(context.Background(), KeyToken)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, f.store.Token(), token)
	_, found, _ = f.ephemeral.Get(context.Background(), KeyToken)
	require.False(t, found, "remember=true must not write the ephemeral backend")

	mu.Lock()
	require.Equal(t, []bool{true}, states)
	mu.Unlock()
}

func TestLoginByUsernameWithoutRemember(t *testing.T) {
	f := newFixture(t, nil)
	ok, err := f.store.Login(context.Background(), "trader", "hunter2", false)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, _ := f.ephemeral.Get(context.Background(), KeyToken)
	require.True(t, found)
	_, found, _ = f.persistent.Get(context.Background(), KeyToken)
	require.False(t, found)
}

func TestLoginInvalidCredentialsSanitised(t *testing.T) {
	f := newFixture(t, nil)
	ok, err := f.store.Login(context.Background(), "trader@example.com", "wrong", false)
	require.False(t, ok)
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.Equal(t, errs.MsgInvalidCredentials, errs.UserMessage(err))
	require.False(t, f.store.IsAuthenticated())
}

func TestLoginMFAChallenge(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.RequireMFA("trader@example.com")
	_, err := f.store.Login(context.Background(), "trader@example.com", "hunter2", false)
	require.ErrorIs(t, err, ErrMFARequired)
	require.False(t, f.store.IsAuthenticated())
}

func TestLoginClientTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RequestTimeout = 50 * time.Millisecond })
	f.backend.SetLatency(500 * time.Millisecond)

	_, err := f.store.Login(context.Background(), "trader@example.com", "hunter2", false)
	require.True(t, errs.Is(err, errs.CodeTimeout), "got %v", err)
	require.Equal(t, errs.MsgTimeout, errs.UserMessage(err))
}

func TestLoginValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Login(context.Background(), "  ", "x", false)
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.Zero(t, f.backend.Calls(http.MethodPost, PathLogin))
}

func TestRegisterFallsBackToLogin(t *testing.T) {
	f := newFixture(t, nil)
	ok, err := f.store.Register(context.Background(), "new@example.com", "newbie", "pw", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, f.backend.Calls(http.MethodPost, PathLogin))
	user, _ := f.store.User()
	require.Equal(t, "new@example.com", user.Email)
}

func TestLogoutClearsBothBackendsAndRunsTeardown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.ephemeral.Set(ctx, KeyToken, "stale"))
	_, err := f.store.Login(ctx, "trader@example.com", "hunter2", true)
	require.NoError(t, err)

	var torn atomic.Int32
	f.store.OnLogout(func(context.Context) error {
		torn.Add(1)
		return nil
	})

	require.NoError(t, f.store.Logout(ctx))
	require.False(t, f.store.IsAuthenticated())
	require.Empty(t, f.persistent.Keys())
	require.Empty(t, f.ephemeral.Keys())
	require.Equal(t, int32(1), torn.Load())
	require.Equal(t, 1, f.backend.Calls(http.MethodPost, PathLogout))
}

func TestLogoutSurvivesServerFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.Login(ctx, "trader@example.com", "hunter2", false)
	require.NoError(t, err)
	f.backend.FailNext(http.MethodPost, PathLogout, http.StatusInternalServerError, `{"detail":"boom"}`)

	require.NoError(t, f.store.Logout(ctx))
	require.False(t, f.store.IsAuthenticated())
}

func TestLogoutAggregatesTeardownErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.store.OnLogout(func(context.Context) error { return errors.New("channel close failed") })
	err := f.store.Logout(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel close failed")
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.Login(ctx, "trader@example.com", "hunter2", false)
	require.NoError(t, err)
	before := f.store.Token()
	f.backend.SetLatency(100 * time.Millisecond)

	var wg sync.WaitGroup
	errsCh := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- f.store.Refresh(ctx)
		}()
	}
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.backend.Calls(http.MethodPost, PathRefresh))
	require.NotEqual(t, before, f.store.Token())
}

func TestRefreshFailureLogsOut(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.Login(ctx, "trader@example.com", "hunter2", true)
	require.NoError(t, err)
	f.backend.FailNext(http.MethodPost, PathRefresh, http.StatusUnauthorized, `{"detail":"expired"}`)

	require.Error(t, f.store.Refresh(ctx))
	require.False(t, f.store.IsAuthenticated())
	require.Empty(t, f.persistent.Keys())
}

func TestRefreshFailureTearsDownAfterReturning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.Login(ctx, "trader@example.com", "hunter2", false)
	require.NoError(t, err)

	returned := make(chan struct{})
	sawReturn := make(chan bool, 1)
	f.store.OnLogout(func(context.Context) error {
		select {
		case <-returned:
			sawReturn <- true
		case <-time.After(2 * time.Second):
			sawReturn <- false
		}
		return nil
	})
	f.backend.FailNext(http.MethodPost, PathRefresh, http.StatusUnauthorized, `{"detail":"expired"}`)

	require.Error(t, f.store.Refresh(ctx))
	require.False(t, f.store.IsAuthenticated())
	close(returned)

	select {
	case ok := <-sawReturn:
		require.True(t, ok, "teardown hook ran before Refresh returned")
	case <-time.After(3 * time.Second):
		t.Fatal("teardown hook never ran")
	}
}

func TestClientRetriesAfterTokenRevoked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.Login(ctx, "trader@example.com", "hunter2", false)
	require.NoError(t, err)
	f.backend.RevokeAccessTokens()

	var bots []map[string]any
	require.NoError(t, f.client.Get(ctx, "/api/bots", &bots))
	require.Equal(t, 1, f.backend.Calls(http.MethodPost, PathRefresh))
	require.True(t, f.store.IsAuthenticated())
}

func TestExpiryWatcherRefreshesBeforeExpiry(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RefreshBuffer = 1500 * time.Millisecond
		o.WatchInterval = time.Hour
	})
	f.backend.SetTokenTTL(3 * time.Second)

	_, err := f.store.Login(context.Background(), "trader@example.com", "hunter2", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.backend.Calls(http.MethodPost, PathRefresh) >= 1
	}, 3*time.Second, 20*time.Millisecond)
	require.True(t, f.store.IsAuthenticated())
}

func TestRestorePrefersPersistentBackend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.Login(ctx, "trader@example.com", "hunter2", true)
	require.NoError(t, err)
	token := f.store.Token()

	restored := New(Options{Client: rest.New(rest.Options{BaseURL: f.backend.URL()}), Persistent: f.persistent, Ephemeral: persistence.NewMemory()})
	t.Cleanup(restored.Close)
	ok, err := restored.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, token, restored.Token())
	user, _ := restored.User()
	require.Equal(t, "trader@example.com", user.Email)
}

func TestRestoreWithoutSavedSession(t *testing.T) {
	f := newFixture(t, nil)
	ok, err := f.store.Restore(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, f.store.IsAuthenticated())
}

func TestTokenExpiryIgnoresGarbage(t *testing.T) {
	require.True(t, tokenExpiry("not-a-jwt").IsZero())
	require.True(t, tokenExpiry("").IsZero())
}
