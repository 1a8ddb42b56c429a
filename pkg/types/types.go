package types

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// ParseSeverity normalises the severity strings emitted by nuclei templates.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	case SeverityLow:
		return SeverityLow
	case SeverityInfo:
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "PENDING"
	ScanStatusRunning   ScanStatus = "RUNNING"
	ScanStatusCompleted ScanStatus = "COMPLETED"
	ScanStatusFailed    ScanStatus = "FAILED"
)

func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// CanTransitionTo enforces PENDING -> RUNNING -> COMPLETED|FAILED. A pending
// scan may also fail directly when it could not be queued.
func (s ScanStatus) CanTransitionTo(next ScanStatus) bool {
	switch s {
	case ScanStatusPending:
		return next == ScanStatusRunning || next == ScanStatusFailed
	case ScanStatusRunning:
		return next == ScanStatusCompleted || next == ScanStatusFailed
	default:
		return false
	}
}

type User struct {
	ID           int64     `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type Asset struct {
	ID        int64     `json:"id" db:"id"`
	Domain    string    `json:"domain" db:"domain"`
	UserID    int64     `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Scan struct {
	ID           int64      `json:"id" db:"id"`
	AssetID      int64      `json:"asset_id" db:"asset_id"`
	Status       ScanStatus `json:"status" db:"status"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type Vulnerability struct {
	ID           int64     `json:"id" db:"id"`
	ScanID       int64     `json:"scan_id" db:"scan_id"`
	Name         string    `json:"name" db:"name"`
	Severity     Severity  `json:"severity" db:"severity"`
	URL          string    `json:"url" db:"url"`
	AISummary    *string   `json:"ai_summary" db:"ai_summary"`
	AIMitigation *string   `json:"ai_mitigation" db:"ai_mitigation"`
	TemplateID   string    `json:"template_id,omitempty" db:"template_id"`
	Fingerprint  string    `json:"-" db:"fingerprint"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ScanTask is the queue payload handed from the API to a worker.
type ScanTask struct {
	ID         string    `json:"id"`
	ScanID     int64     `json:"scan_id"`
	Domain     string    `json:"domain"`
	Status     string    `json:"status"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// ScanReport joins a scan with its asset and findings for read paths.
type ScanReport struct {
	Scan            Scan
	Domain          string
	OwnerID         int64
	Vulnerabilities []Vulnerability
}

type WorkerStatus struct {
	ID             string    `json:"id"`
	Hostname       string    `json:"hostname"`
	Status         string    `json:"status"`
	CurrentTask    string    `json:"current_task,omitempty"`
	CurrentScanID  int64     `json:"current_scan_id,omitempty"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	StartedAt      time.Time `json:"started_at"`
	LastPing       time.Time `json:"last_ping"`
}

const (
	WorkerStatusIdle       = "idle"
	WorkerStatusProcessing = "processing"
	WorkerStatusStopped    = "stopped"
)

func StringPtr(s string) *string {
	return &s
}
