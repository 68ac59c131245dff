package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/orchestrator/internal/infra/config"
	"github.com/coachpo/orchestrator/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/orchestrator/internal/infra/persistence/postgres"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres contract test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "orchestrator"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/orchestrator?sslmode=disable", host, port.Port())
}

func TestSessionStoreContract(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		return migrations.Apply(ctx, dsn, "", nil) == nil
	}, 30*time.Second, 500*time.Millisecond)

	store, err := pgstore.Open(ctx, config.PostgresConfig{DSN: dsn, MaxConns: 2}, "cli")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	other := pgstore.New(store.Pool(), "other")

	require.NoError(t, store.Set(ctx, "auth_token", "t1"))
	require.NoError(t, store.Set(ctx, "auth_token", "t2"))
	require.NoError(t, store.Set(ctx, "auth_user", `{"id":"u1"}`))

	value, ok, err := store.Get(ctx, "auth_token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t2", value)

	_, ok, err = other.Get(ctx, "auth_token")
	require.NoError(t, err)
	require.False(t, ok, "namespaces must be isolated")

	require.NoError(t, store.Delete(ctx, "auth_token", "auth_user"))
	_, ok, err = store.Get(ctx, "auth_user")
	require.NoError(t, err)
	require.False(t, ok)
}
