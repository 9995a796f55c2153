//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/jobwatch/internal/store/storetest"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*Backend, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	b, err := New(ctx, &Config{
		Pool:          PoolConfig{ConnString: connString},
		AutoMigrate:   true,
		SweepInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	cleanup := func() {
		_ = b.Close()
		_ = container.Terminate(ctx)
	}

	return b, cleanup
}

func TestIntegration_Contract(t *testing.T) {
	ctx := context.Background()
	b, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	storetest.Run(t, b)
}

func TestIntegration_Expiry(t *testing.T) {
	ctx := context.Background()
	b, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	ok, err := b.SetNX(ctx, "klage:build-1", []byte("one"), 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	swapped, err := b.CompareAndSwap(ctx, "klage:build-1", []byte("one"), []byte("two"))
	require.NoError(t, err)
	require.True(t, swapped)

	require.Eventually(t, func() bool {
		var n int
		err := b.pool.QueryRow(ctx, `SELECT count(*) FROM kv WHERE key = $1`, "klage:build-1").Scan(&n)
		return err == nil && n == 0
	}, 5*time.Second, 100*time.Millisecond, "sweeper should delete the expired row")

	ok, err = b.SetNX(ctx, "klage:build-1", []byte("again"), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIntegration_MigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	b, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	require.NoError(t, runMigrations(ctx, b.pool))
}
