package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewStore(context.Background(), config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    ":memory:",
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedScan(t *testing.T, store *SQLStore, username, domain string) (*types.User, *types.Asset, *types.Scan) {
	t.Helper()
	ctx := context.Background()
	user, err := store.CreateUser(ctx, username, "hash")
	require.NoError(t, err)
	asset, scan, err := store.SubmitAsset(ctx, user.ID, domain)
	require.NoError(t, err)
	return user, asset, scan
}

func TestCreateUserDuplicate(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)

	_, err = store.CreateUser(ctx, "alice", "other")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "hash", got.PasswordHash)

	_, err = store.GetUserByUsername(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitAssetCreatesPendingScan(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	user, asset, scan := seedScan(t, store, "alice", "example.com")

	assert.Equal(t, user.ID, asset.UserID)
	assert.Equal(t, asset.ID, scan.AssetID)
	assert.Equal(t, types.ScanStatusPending, scan.Status)

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusPending, got.Status)
	assert.Nil(t, got.StartedAt)

	assets, err := store.ListAssetsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "example.com", assets[0].Domain)
}

func TestSubmitAssetUnknownUser(t *testing.T) {
	store := newSQLiteStore(t)

	_, _, err := store.SubmitAsset(context.Background(), 999, "example.com")
	require.Error(t, err, "foreign key on assets.user_id must be enforced")
}

func TestGetScanNotFound(t *testing.T) {
	store := newSQLiteStore(t)

	_, err := store.GetScan(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetScanReport(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateScanStatusTransitions(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	_, _, scan := seedScan(t, store, "alice", "example.com")

	err := store.UpdateScanStatus(ctx, scan.ID, types.ScanStatusCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot complete directly")

	require.NoError(t, store.UpdateScanStatus(ctx, scan.ID, types.ScanStatusRunning, ""))
	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	err = store.UpdateScanStatus(ctx, scan.ID, types.ScanStatusRunning, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "a running scan cannot be claimed twice")

	require.NoError(t, store.UpdateScanStatus(ctx, scan.ID, types.ScanStatusFailed, "Subfinder found no subdomains."))
	got, err = store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusFailed, got.Status)
	assert.Equal(t, "Subfinder found no subdomains.", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	err = store.UpdateScanStatus(ctx, 999, types.ScanStatusRunning, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordResult(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	user, _, scan := seedScan(t, store, "alice", "example.com")

	vulns := []types.Vulnerability{
		{
			Name:         "Exposed .git",
			Severity:     types.SeverityHigh,
			URL:          "https://dev.example.com/.git/config",
			AISummary:    types.StringPtr("Source code is exposed."),
			AIMitigation: types.StringPtr("Block /.git."),
			TemplateID:   "git-config",
			Fingerprint:  "aaaa",
		},
		{
			Name:        "Duplicate line",
			Severity:    types.SeverityHigh,
			URL:         "https://dev.example.com/.git/config",
			Fingerprint: "aaaa",
		},
		{
			Name:        "Missing CSP",
			Severity:    types.SeverityMedium,
			URL:         "https://www.example.com",
			Fingerprint: "bbbb",
		},
	}

	err := store.RecordResult(ctx, scan.ID, vulns)
	assert.ErrorIs(t, err, ErrInvalidTransition, "only running scans can complete")

	require.NoError(t, store.UpdateScanStatus(ctx, scan.ID, types.ScanStatusRunning, ""))
	require.NoError(t, store.RecordResult(ctx, scan.ID, vulns))

	report, err := store.GetScanReport(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusCompleted, report.Scan.Status)
	assert.Equal(t, "example.com", report.Domain)
	assert.Equal(t, user.ID, report.OwnerID)
	require.Len(t, report.Vulnerabilities, 2)

	first := report.Vulnerabilities[0]
	assert.Equal(t, "Exposed .git", first.Name)
	require.NotNil(t, first.AISummary)
	assert.Equal(t, "Source code is exposed.", *first.AISummary)
	assert.Nil(t, report.Vulnerabilities[1].AISummary)
}

func TestRecordResultRollsBackOnFailure(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	_, _, scan := seedScan(t, store, "alice", "example.com")

	// Scan is still PENDING, so the completion update fails and the inserts roll back.
	err := store.RecordResult(ctx, scan.ID, []types.Vulnerability{
		{Name: "x", Severity: types.SeverityHigh, URL: "https://a", Fingerprint: "1"},
	})
	require.Error(t, err)

	vulns, err := store.GetVulnerabilities(ctx, scan.ID)
	require.NoError(t, err)
	assert.Empty(t, vulns)
}

func TestListScansByAsset(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	_, asset, first := seedScan(t, store, "alice", "example.com")

	second, err := store.CreateScan(ctx, asset.ID)
	require.NoError(t, err)

	scans, err := store.ListScansByAsset(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, second.ID, scans[0].ID, "newest first")
	assert.Equal(t, first.ID, scans[1].ID)
}

func TestMigrationStatus(t *testing.T) {
	store := newSQLiteStore(t)
	runner := NewMigrationRunner(store.DB(), logger.NewNop())

	status, err := runner.GetMigrationStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, status, len(GetAllMigrations()))
	for _, s := range status {
		assert.True(t, s.Applied, "migration %d", s.Version)
		assert.NotNil(t, s.AppliedAt)
	}

	// Re-running is a no-op.
	require.NoError(t, runner.RunMigrations(context.Background()))
}

func TestMigrationsCoverBothDrivers(t *testing.T) {
	for _, m := range GetAllMigrations() {
		assert.NotEmpty(t, m.Up["postgres"], "migration %d postgres", m.Version)
		assert.NotEmpty(t, m.Up["sqlite3"], "migration %d sqlite3", m.Version)
	}
}

func TestSqliteDSN(t *testing.T) {
	assert.Equal(t, ":memory:?_foreign_keys=on&_busy_timeout=5000", sqliteDSN(":memory:"))
	assert.Equal(t, "file:x.db?cache=shared&_foreign_keys=on&_busy_timeout=5000", sqliteDSN("file:x.db?cache=shared"))
	assert.Equal(t, "x.db?_fk=1", sqliteDSN("x.db?_fk=1"))
}
