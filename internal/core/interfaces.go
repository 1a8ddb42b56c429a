package core

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*types.User, error)
	GetUser(ctx context.Context, id int64) (*types.User, error)
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
}

type AssetStore interface {
	CreateAsset(ctx context.Context, userID int64, domain string) (*types.Asset, error)
	GetAsset(ctx context.Context, id int64) (*types.Asset, error)
	ListAssetsByUser(ctx context.Context, userID int64) ([]types.Asset, error)
	// SubmitAsset creates the asset and its first PENDING scan atomically.
	SubmitAsset(ctx context.Context, userID int64, domain string) (*types.Asset, *types.Scan, error)
}

type ScanStore interface {
	CreateScan(ctx context.Context, assetID int64) (*types.Scan, error)
	GetScan(ctx context.Context, id int64) (*types.Scan, error)
	ListScansByAsset(ctx context.Context, assetID int64) ([]types.Scan, error)
	UpdateScanStatus(ctx context.Context, id int64, status types.ScanStatus, errMsg string) error
	// RecordResult stores the findings and marks the scan COMPLETED in one transaction.
	RecordResult(ctx context.Context, scanID int64, vulns []types.Vulnerability) error
	GetVulnerabilities(ctx context.Context, scanID int64) ([]types.Vulnerability, error)
	GetScanReport(ctx context.Context, scanID int64) (*types.ScanReport, error)
}

type Store interface {
	UserStore
	AssetStore
	ScanStore
	Ping(ctx context.Context) error
	Close() error
}

type TaskQueue interface {
	Enqueue(ctx context.Context, task *types.ScanTask) error
	// Dequeue returns nil, nil when nothing is pending.
	Dequeue(ctx context.Context, workerID string) (*types.ScanTask, error)
	Complete(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID string, reason string) error
	Status(ctx context.Context, taskID string) (*types.ScanTask, error)
	Pending(ctx context.Context) ([]*types.ScanTask, error)
	Ping(ctx context.Context) error
	Close() error
}

// Enricher annotates a finding. It never fails: problems are reported through
// the returned text.
type Enricher interface {
	Analyze(ctx context.Context, name, url string) (summary, mitigation string)
}

// ScanRunner executes the full recon pipeline for one scan.
type ScanRunner interface {
	RunFullScan(ctx context.Context, domain string, scanID int64) error
}

type Worker interface {
	ID() string
	Start(ctx context.Context) error
	Stop() error
	Status() *types.WorkerStatus
}

type WorkerPool interface {
	Start(ctx context.Context, workers int) error
	Stop() error
	Status() []*types.WorkerStatus
}

type Telemetry interface {
	RecordScan(status types.ScanStatus, duration time.Duration)
	RecordStage(stage string, duration time.Duration, err error)
	RecordFinding(severity types.Severity)
	RecordWorkerMetrics(status *types.WorkerStatus)
	Close() error
}
