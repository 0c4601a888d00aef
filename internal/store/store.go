// Package store implements the durable Scan History Store: an archive of
// past ScanRequests and Reports backed by Postgres, distinct from the
// ephemeral Redis-backed Result Store Adapter (internal/resultstore) that
// only keeps a stage's most recent output for a bounded TTL (24h by default).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/qualys/dspm/internal/compliance"
	"github.com/qualys/dspm/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// ScanRecord is one archived scan: the request that triggered it, its
// lifecycle status, and (once finished) its Report.
type ScanRecord struct {
	CorrelationID string        `db:"correlation_id"`
	ProjectPath   string        `db:"project_path"`
	Status        ScanStatus    `db:"status"`
	ReportStatus  models.Status `db:"report_status"`
	Score         int           `db:"score"`
	FindingsCount int           `db:"findings_count"`
	ReportJSON    []byte        `db:"report_json"`
	Error         string        `db:"error"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

// ScanStatus tracks the scan's own lifecycle, distinct from the finished
// Report's compliance Status.
type ScanStatus string

const (
	ScanStatusRunning   ScanStatus = "RUNNING"
	ScanStatusCompleted ScanStatus = "COMPLETED"
	ScanStatusFailed    ScanStatus = "FAILED"
)

// CreateRunning records that a scan has started.
func (s *Store) CreateRunning(ctx context.Context, correlationID, projectPath string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_records (correlation_id, project_path, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (correlation_id) DO NOTHING
	`, correlationID, projectPath, ScanStatusRunning, now, now)
	return err
}

// CompleteWithReport archives the finished Report against its correlation_id.
func (s *Store) CompleteWithReport(ctx context.Context, correlationID string, status models.Status, score compliance.Result, findingsCount int, reportJSON []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_records SET
			status = $2, report_status = $3, score = $4, findings_count = $5,
			report_json = $6, updated_at = $7
		WHERE correlation_id = $1
	`, correlationID, ScanStatusCompleted, status, score.Score, findingsCount, reportJSON, time.Now())
	return err
}

// FailWithError archives a scan that could not produce a report at all
// (distinct from S1-S5's own fail-open StageError recovery, which still
// produces a Report — this path is for a non-nil error returned by the
// Orchestrator's Run itself; an invalid request still yields a Report).
func (s *Store) FailWithError(ctx context.Context, correlationID string, scanErr error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_records SET status = $2, error = $3, updated_at = $4
		WHERE correlation_id = $1
	`, correlationID, ScanStatusFailed, scanErr.Error(), time.Now())
	return err
}

// GetScanRecord retrieves one archived scan by correlation_id.
func (s *Store) GetScanRecord(ctx context.Context, correlationID string) (*ScanRecord, error) {
	var rec ScanRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM scan_records WHERE correlation_id = $1`, correlationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListScanFilters narrows ListScans.
type ListScanFilters struct {
	Status models.Status
	Limit  int
	Offset int
}

// ListScans returns archived scans, most recent first.
func (s *Store) ListScans(ctx context.Context, filters ListScanFilters) ([]*ScanRecord, int, error) {
	if filters.Limit <= 0 {
		filters.Limit = 50
	}

	where := ""
	args := []interface{}{}
	if filters.Status != "" {
		where = "WHERE report_status = $1"
		args = append(args, filters.Status)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM scan_records " + where
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	args = append(args, filters.Limit, filters.Offset)
	listQuery := fmt.Sprintf(`
		SELECT * FROM scan_records %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	var recs []*ScanRecord
	if err := s.db.SelectContext(ctx, &recs, listQuery, args...); err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// DecodeReport unmarshals the archived report JSON into dst.
func (r *ScanRecord) DecodeReport(dst interface{}) error {
	if len(r.ReportJSON) == 0 {
		return fmt.Errorf("scan %s has no archived report", r.CorrelationID)
	}
	return json.Unmarshal(r.ReportJSON, dst)
}
