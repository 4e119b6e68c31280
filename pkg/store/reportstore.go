package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CheckStatus is the outcome of one integrity check run.
type CheckStatus string

const (
	CheckPassed CheckStatus = "PASSED"
	CheckFailed CheckStatus = "FAILED"
	CheckError  CheckStatus = "ERROR"
)

// CheckResult is one persisted integrity-check run. Every run is persisted,
// pass or fail: a missing row is itself evidence of a broken pipeline.
type CheckResult struct {
	ID                 string      `json:"id"`
	CheckName          string      `json:"check_name"`
	Status             CheckStatus `json:"status"`
	TotalScanned       int         `json:"total_scanned"`
	HashChainErrors    int         `json:"hash_chain_errors"`
	VersionErrors      int         `json:"version_errors"`
	CorrelationErrors  int         `json:"correlation_errors"`
	SuspiciousPatterns int         `json:"suspicious_patterns"`
	Issues             []string    `json:"issues,omitempty"`
	DurationMs         int64       `json:"duration_ms"`
	RanAt              time.Time   `json:"ran_at"`
}

// DailySummary is the one-per-day aggregate report.
type DailySummary struct {
	Date               string    `json:"date"` // YYYY-MM-DD
	EventStoreStatus   string    `json:"event_store_status"`
	AdminAuditStatus   string    `json:"admin_audit_status"`
	CriticalDeletions  int       `json:"critical_deletions"`
	AdminActionsLogged int       `json:"admin_actions_logged"`
	OverallStatus      string    `json:"overall_status"` // HEALTHY or ALERT
	GeneratedAt        time.Time `json:"generated_at"`
}

// ReportStore persists check results and daily summaries.
type ReportStore struct {
	db *sql.DB
}

func NewReportStore(ctx context.Context, db *sql.DB) (*ReportStore, error) {
	s := &ReportStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ReportStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS integrity_check_results (
		id TEXT PRIMARY KEY,
		check_name TEXT NOT NULL,
		status TEXT NOT NULL,
		total_scanned BIGINT NOT NULL,
		hash_chain_errors BIGINT NOT NULL,
		version_errors BIGINT NOT NULL,
		correlation_errors BIGINT NOT NULL,
		suspicious_patterns BIGINT NOT NULL,
		issues TEXT,
		duration_ms BIGINT NOT NULL,
		ran_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_check_results_name ON integrity_check_results (check_name, ran_at);
	CREATE TABLE IF NOT EXISTS integrity_daily_summaries (
		summary_date TEXT PRIMARY KEY,
		event_store_status TEXT NOT NULL,
		admin_audit_status TEXT NOT NULL,
		critical_deletions BIGINT NOT NULL,
		admin_actions_logged BIGINT NOT NULL,
		overall_status TEXT NOT NULL,
		generated_at BIGINT NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// SaveResult persists one check run.
func (s *ReportStore) SaveResult(ctx context.Context, r CheckResult) error {
	issuesJSON, err := json.Marshal(r.Issues)
	if err != nil {
		return fmt.Errorf("store: issues not serializable: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO integrity_check_results
		 (id, check_name, status, total_scanned, hash_chain_errors, version_errors,
		  correlation_errors, suspicious_patterns, issues, duration_ms, ran_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.CheckName, string(r.Status), r.TotalScanned, r.HashChainErrors,
		r.VersionErrors, r.CorrelationErrors, r.SuspiciousPatterns,
		string(issuesJSON), r.DurationMs, r.RanAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: check result insert failed: %w", err)
	}
	return nil
}

// LatestResult returns the most recent run of the named check at or after the
// cutoff, or nil when none exists.
func (s *ReportStore) LatestResult(ctx context.Context, checkName string, since time.Time) (*CheckResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, check_name, status, total_scanned, hash_chain_errors, version_errors,
		        correlation_errors, suspicious_patterns, issues, duration_ms, ran_at
		 FROM integrity_check_results
		 WHERE check_name = $1 AND ran_at >= $2
		 ORDER BY ran_at DESC LIMIT 1`,
		checkName, since.UTC().UnixNano())

	var (
		r          CheckResult
		status     string
		issuesJSON sql.NullString
		ranAt      int64
	)
	err := row.Scan(&r.ID, &r.CheckName, &status, &r.TotalScanned, &r.HashChainErrors,
		&r.VersionErrors, &r.CorrelationErrors, &r.SuspiciousPatterns,
		&issuesJSON, &r.DurationMs, &ranAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Status = CheckStatus(status)
	r.RanAt = time.Unix(0, ranAt).UTC()
	if issuesJSON.Valid && issuesJSON.String != "" {
		_ = json.Unmarshal([]byte(issuesJSON.String), &r.Issues)
	}
	return &r, nil
}

// SaveSummary upserts the daily summary; rerunning a day's report replaces it.
func (s *ReportStore) SaveSummary(ctx context.Context, sum DailySummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integrity_daily_summaries
		 (summary_date, event_store_status, admin_audit_status, critical_deletions,
		  admin_actions_logged, overall_status, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (summary_date) DO UPDATE SET
		   event_store_status = $2, admin_audit_status = $3, critical_deletions = $4,
		   admin_actions_logged = $5, overall_status = $6, generated_at = $7`,
		sum.Date, sum.EventStoreStatus, sum.AdminAuditStatus, sum.CriticalDeletions,
		sum.AdminActionsLogged, sum.OverallStatus, sum.GeneratedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: daily summary upsert failed: %w", err)
	}
	return nil
}

// Summary loads the summary for one date (YYYY-MM-DD), or nil.
func (s *ReportStore) Summary(ctx context.Context, date string) (*DailySummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT summary_date, event_store_status, admin_audit_status, critical_deletions,
		        admin_actions_logged, overall_status, generated_at
		 FROM integrity_daily_summaries WHERE summary_date = $1`, date)

	var (
		sum         DailySummary
		generatedAt int64
	)
	err := row.Scan(&sum.Date, &sum.EventStoreStatus, &sum.AdminAuditStatus,
		&sum.CriticalDeletions, &sum.AdminActionsLogged, &sum.OverallStatus, &generatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sum.GeneratedAt = time.Unix(0, generatedAt).UTC()
	return &sum, nil
}
