package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("record already exists")
	ErrInvalidTransition = errors.New("invalid scan status transition")
)

type SQLStore struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*SQLStore, error) {
	log = log.WithComponent("database")

	start := time.Now()
	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", config.MaskDSN(cfg.DSN),
	)
	var err error
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	var db *sqlx.DB
	db, err = Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store := &SQLStore{
		db:     db,
		cfg:    cfg,
		logger: log,
	}

	if err = NewMigrationRunner(db, log).RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infow("Database store initialized",
		"driver", cfg.Driver,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return store, nil
}

// Open connects and applies pool settings without touching the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN
	if cfg.Driver == "sqlite3" {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite3" {
		// One connection keeps in-memory databases alive and serialises writers.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return err
}

type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
	Rebind(string) string
}

func insertReturningID(ctx context.Context, q queryer, query string, args ...interface{}) (int64, error) {
	var id int64
	if err := q.QueryRowxContext(ctx, q.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, username, passwordHash string) (*types.User, error) {
	user := &types.User{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	start := time.Now()
	id, err := insertReturningID(ctx, s.db,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		user.Username, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("username %q: %w", username, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	s.logger.LogDatabaseOperation(ctx, "INSERT", "users", 1, time.Since(start))

	user.ID = id
	return user, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id int64) (*types.User, error) {
	var user types.User
	err := s.db.GetContext(ctx, &user, s.db.Rebind(`
		SELECT id, username, password_hash, created_at FROM users WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return &user, nil
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	var user types.User
	err := s.db.GetContext(ctx, &user, s.db.Rebind(`
		SELECT id, username, password_hash, created_at FROM users WHERE username = ?`), username)
	if err != nil {
		return nil, notFound(err, "user", username)
	}
	return &user, nil
}

func createAsset(ctx context.Context, q queryer, userID int64, domain string) (*types.Asset, error) {
	asset := &types.Asset{
		Domain:    domain,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	id, err := insertReturningID(ctx, q,
		`INSERT INTO assets (domain, user_id, created_at) VALUES (?, ?, ?)`,
		asset.Domain, asset.UserID, asset.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert asset: %w", err)
	}
	asset.ID = id
	return asset, nil
}

func createScan(ctx context.Context, q queryer, assetID int64) (*types.Scan, error) {
	scan := &types.Scan{
		AssetID:   assetID,
		Status:    types.ScanStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	id, err := insertReturningID(ctx, q,
		`INSERT INTO scans (asset_id, status, error_message, created_at) VALUES (?, ?, '', ?)`,
		scan.AssetID, scan.Status, scan.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert scan: %w", err)
	}
	scan.ID = id
	return scan, nil
}

func (s *SQLStore) CreateAsset(ctx context.Context, userID int64, domain string) (*types.Asset, error) {
	return createAsset(ctx, s.db, userID, domain)
}

func (s *SQLStore) GetAsset(ctx context.Context, id int64) (*types.Asset, error) {
	var asset types.Asset
	err := s.db.GetContext(ctx, &asset, s.db.Rebind(`
		SELECT id, domain, user_id, created_at FROM assets WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "asset", id)
	}
	return &asset, nil
}

func (s *SQLStore) ListAssetsByUser(ctx context.Context, userID int64) ([]types.Asset, error) {
	assets := []types.Asset{}
	err := s.db.SelectContext(ctx, &assets, s.db.Rebind(`
		SELECT id, domain, user_id, created_at FROM assets WHERE user_id = ? ORDER BY id`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

func (s *SQLStore) SubmitAsset(ctx context.Context, userID int64, domain string) (*types.Asset, *types.Scan, error) {
	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "database.SubmitAsset", "user_id", userID, "domain", domain)
	var err error
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.SubmitAsset", start, err)
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	asset, err := createAsset(ctx, tx, userID, domain)
	if err != nil {
		return nil, nil, err
	}
	scan, err := createScan(ctx, tx, asset.ID)
	if err != nil {
		return nil, nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return asset, scan, nil
}

func (s *SQLStore) CreateScan(ctx context.Context, assetID int64) (*types.Scan, error) {
	return createScan(ctx, s.db, assetID)
}

const scanColumns = `id, asset_id, status, error_message, created_at, started_at, completed_at`

func (s *SQLStore) GetScan(ctx context.Context, id int64) (*types.Scan, error) {
	var scan types.Scan
	err := s.db.GetContext(ctx, &scan, s.db.Rebind(`
		SELECT `+scanColumns+` FROM scans WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "scan", id)
	}
	return &scan, nil
}

func (s *SQLStore) ListScansByAsset(ctx context.Context, assetID int64) ([]types.Scan, error) {
	scans := []types.Scan{}
	err := s.db.SelectContext(ctx, &scans, s.db.Rebind(`
		SELECT `+scanColumns+` FROM scans WHERE asset_id = ? ORDER BY id DESC`), assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	return scans, nil
}

func predecessors(next types.ScanStatus) []types.ScanStatus {
	var from []types.ScanStatus
	for _, s := range []types.ScanStatus{
		types.ScanStatusPending,
		types.ScanStatusRunning,
		types.ScanStatusCompleted,
		types.ScanStatusFailed,
	} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// UpdateScanStatus moves a scan forward. The update is conditional on the
// current status so two workers can never both claim the same scan.
func (s *SQLStore) UpdateScanStatus(ctx context.Context, id int64, status types.ScanStatus, errMsg string) error {
	from := predecessors(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing may move to %s", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	var (
		query string
		args  []interface{}
	)
	switch status {
	case types.ScanStatusRunning:
		query = `UPDATE scans SET status = ?, started_at = ?, error_message = '' WHERE id = ? AND status IN (?)`
		args = []interface{}{status, now, id, from}
	default:
		query = `UPDATE scans SET status = ?, completed_at = ?, error_message = ? WHERE id = ? AND status IN (?)`
		args = []interface{}{status, now, errMsg, id, from}
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return fmt.Errorf("failed to build status update: %w", err)
	}

	start := time.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update scan status: %w", err)
	}
	rows, _ := res.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "UPDATE", "scans", rows, time.Since(start))

	if rows == 0 {
		current, err := s.GetScan(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: scan %d is %s, cannot move to %s", ErrInvalidTransition, id, current.Status, status)
	}
	return nil
}

func (s *SQLStore) RecordResult(ctx context.Context, scanID int64, vulns []types.Vulnerability) error {
	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "database.RecordResult",
		"scan_id", scanID,
		"vulnerabilities", len(vulns),
	)
	var err error
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.RecordResult", start, err)
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := tx.Rebind(`
		INSERT INTO vulnerabilities (
			scan_id, name, severity, url, ai_summary, ai_mitigation,
			template_id, fingerprint, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scan_id, fingerprint) DO NOTHING`)

	now := time.Now().UTC()
	var inserted int64
	for _, v := range vulns {
		var res sql.Result
		res, err = tx.ExecContext(ctx, insert,
			scanID, v.Name, v.Severity, v.URL, v.AISummary, v.AIMitigation,
			v.TemplateID, v.Fingerprint, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert vulnerability %q: %w", v.Name, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE scans SET status = ?, completed_at = ?, error_message = ''
		WHERE id = ? AND status = ?`),
		types.ScanStatusCompleted, now, scanID, types.ScanStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to complete scan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("%w: scan %d is not running", ErrInvalidTransition, scanID)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.LogDatabaseOperation(ctx, "INSERT", "vulnerabilities", inserted, time.Since(start))
	return nil
}

func (s *SQLStore) GetVulnerabilities(ctx context.Context, scanID int64) ([]types.Vulnerability, error) {
	vulns := []types.Vulnerability{}
	err := s.db.SelectContext(ctx, &vulns, s.db.Rebind(`
		SELECT id, scan_id, name, severity, url, ai_summary, ai_mitigation,
		       template_id, fingerprint, created_at
		FROM vulnerabilities WHERE scan_id = ? ORDER BY id`), scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vulnerabilities: %w", err)
	}
	return vulns, nil
}

func (s *SQLStore) GetScanReport(ctx context.Context, scanID int64) (*types.ScanReport, error) {
	var row struct {
		types.Scan
		Domain  string `db:"domain"`
		OwnerID int64  `db:"owner_id"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT s.id, s.asset_id, s.status, s.error_message, s.created_at,
		       s.started_at, s.completed_at, a.domain, a.user_id AS owner_id
		FROM scans s
		JOIN assets a ON a.id = s.asset_id
		WHERE s.id = ?`), scanID)
	if err != nil {
		return nil, notFound(err, "scan", scanID)
	}

	vulns, err := s.GetVulnerabilities(ctx, scanID)
	if err != nil {
		return nil, err
	}

	return &types.ScanReport{
		Scan:            row.Scan,
		Domain:          row.Domain,
		OwnerID:         row.OwnerID,
		Vulnerabilities: vulns,
	}, nil
}
