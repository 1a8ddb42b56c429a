package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

func setupPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vigil_test"),
		postgres.WithUsername("vigil_test"),
		postgres.WithPassword("vigil_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewStore(ctx, config.DatabaseConfig{
		Driver:          "postgres",
		DSN:             connStr,
		MaxConnections:  5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresScanLifecycle(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	_, err = store.CreateUser(ctx, "alice", "hash")
	assert.ErrorIs(t, err, ErrDuplicate)

	_, scan, err := store.SubmitAsset(ctx, user.ID, "example.com")
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusPending, scan.Status)

	require.NoError(t, store.UpdateScanStatus(ctx, scan.ID, types.ScanStatusRunning, ""))
	require.NoError(t, store.RecordResult(ctx, scan.ID, []types.Vulnerability{
		{Name: "Open redirect", Severity: types.SeverityMedium, URL: "https://example.com/r", Fingerprint: "f1"},
		{Name: "Open redirect", Severity: types.SeverityMedium, URL: "https://example.com/r", Fingerprint: "f1"},
	}))

	report, err := store.GetScanReport(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusCompleted, report.Scan.Status)
	assert.Equal(t, user.ID, report.OwnerID)
	assert.Len(t, report.Vulnerabilities, 1)

	err = store.UpdateScanStatus(ctx, scan.ID, types.ScanStatusFailed, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
