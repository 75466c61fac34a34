//go:build integration

package postgres_test

import (
	"context"
	"testing"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/stretchr/testify/require"

	"github.com/fieldkit/mcpcore/internal/storage"
	"github.com/fieldkit/mcpcore/internal/storage/conformance"
	"github.com/fieldkit/mcpcore/internal/storage/postgres"
)

func TestBackendConformance(t *testing.T) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("mcpcore"),
		tcpostgres.WithUsername("mcpcore"),
		tcpostgres.WithPassword("mcpcore"),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, container.Terminate(ctx)) }()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conformance.Run(t, func(t *testing.T) storage.Backend {
		b, err := postgres.New(ctx, postgres.Config{DSN: dsn, MaxConns: 4})
		require.NoError(t, err)

		t.Cleanup(func() {
			truncateAll(ctx, t, b)
			require.NoError(t, b.Close())
		})
		return b
	})
}

// truncateAll resets the schema between conformance subtests so each case
// starts from an empty database, since the container itself is shared.
func truncateAll(ctx context.Context, t *testing.T, b *postgres.Backend) {
	t.Helper()
	require.NoError(t, b.TruncateForTests(ctx))
}
