package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "auth_token", "abc"))
	require.NoError(t, store.Set(ctx, "auth_token", "abd"))
	require.NoError(t, store.Set(ctx, "refresh_token", "r1"))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	value, ok, err := reopened.Get(ctx, "auth_token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abd", value)

	require.NoError(t, reopened.Delete(ctx, "auth_token", "refresh_token"))
	_, ok, err = reopened.Get(ctx, "refresh_token")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenInMemory(t *testing.T) {
	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}
