package clickhouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a ClickHouse container and returns a migrated connection.
// Returns a cleanup function that must be called when done.
func setupTestDB(t *testing.T) (*Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{
			"CLICKHOUSE_USER":     "default",
			"CLICKHOUSE_PASSWORD": "",
		},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	dsn := fmt.Sprintf("clickhouse://%s:%s/curve_test", host, port.Port())

	conn, err := OpenAndMigrate(ctx, dsn)
	require.NoError(t, err)

	cleanup := func() {
		conn.Close()
		_ = container.Terminate(ctx)
	}

	return conn, cleanup
}
