package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tessera-pm/tessera/core/pkg/canonical"
)

// AdminAuditEntry is one row of the platform's admin action log. Entries form
// a single global hash chain ordered by timestamp.
type AdminAuditEntry struct {
	ID                string                 `json:"id"`
	AdminID           string                 `json:"admin_id"`
	Action            string                 `json:"action"`
	EntityType        string                 `json:"entity_type"`
	EntityID          string                 `json:"entity_id"`
	Timestamp         time.Time              `json:"timestamp"`
	Details           map[string]interface{} `json:"details,omitempty"`
	PreviousAuditHash string                 `json:"previous_audit_hash,omitempty"`
	AuditHash         string                 `json:"audit_hash"`
}

// ComputeHash recomputes the entry hash from the immutable fields.
func (e *AdminAuditEntry) ComputeHash() (string, error) {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	return canonical.Hash(map[string]interface{}{
		"id":                e.ID,
		"adminId":           e.AdminID,
		"action":            e.Action,
		"entityType":        e.EntityType,
		"entityId":          e.EntityID,
		"timestamp":         e.Timestamp.UTC().Format(time.RFC3339Nano),
		"details":           details,
		"previousAuditHash": e.PreviousAuditHash,
	})
}

// AdminAuditLog reads and appends admin audit entries.
type AdminAuditLog struct {
	db *sql.DB
}

func NewAdminAuditLog(ctx context.Context, db *sql.DB) (*AdminAuditLog, error) {
	l := &AdminAuditLog{db: db}
	if err := l.migrate(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AdminAuditLog) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS admin_audit_log (
		id TEXT PRIMARY KEY,
		admin_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		ts BIGINT NOT NULL,
		details TEXT,
		previous_audit_hash TEXT,
		audit_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_admin_audit_ts ON admin_audit_log (ts);
	`
	_, err := l.db.ExecContext(ctx, query)
	return err
}

const adminAuditColumns = `id, admin_id, action, entity_type, entity_id, ts, details, previous_audit_hash, audit_hash`

// Append chains a new entry onto the global log: previous_audit_hash is the
// latest entry's audit_hash, and the entry's own hash covers it.
func (l *AdminAuditLog) Append(ctx context.Context, entry AdminAuditEntry) (AdminAuditEntry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return AdminAuditEntry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var lastHash sql.NullString
	row := tx.QueryRowContext(ctx,
		`SELECT audit_hash FROM admin_audit_log ORDER BY ts DESC LIMIT 1`)
	if err := row.Scan(&lastHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return AdminAuditEntry{}, err
	}

	entry.PreviousAuditHash = lastHash.String
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.AuditHash, err = entry.ComputeHash()
	if err != nil {
		return AdminAuditEntry{}, fmt.Errorf("store: admin audit hash failed: %w", err)
	}

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return AdminAuditEntry{}, fmt.Errorf("store: admin audit details not serializable: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO admin_audit_log (`+adminAuditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.AdminID, entry.Action, entry.EntityType, entry.EntityID,
		entry.Timestamp.UTC().UnixNano(), string(detailsJSON),
		nullString(entry.PreviousAuditHash), entry.AuditHash,
	)
	if err != nil {
		return AdminAuditEntry{}, fmt.Errorf("store: admin audit insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AdminAuditEntry{}, err
	}
	return entry, nil
}

// AllOrdered returns the full chain, oldest first.
func (l *AdminAuditLog) AllOrdered(ctx context.Context) ([]AdminAuditEntry, error) {
	return l.query(ctx,
		`SELECT `+adminAuditColumns+` FROM admin_audit_log ORDER BY ts ASC`)
}

// Since returns entries at or after the cutoff, oldest first.
func (l *AdminAuditLog) Since(ctx context.Context, cutoff time.Time) ([]AdminAuditEntry, error) {
	return l.query(ctx,
		`SELECT `+adminAuditColumns+` FROM admin_audit_log WHERE ts >= $1 ORDER BY ts ASC`,
		cutoff.UTC().UnixNano())
}

// DeletionsSince returns delete-type actions at or after the cutoff, newest
// first, capped at limit.
func (l *AdminAuditLog) DeletionsSince(ctx context.Context, cutoff time.Time, limit int) ([]AdminAuditEntry, error) {
	return l.query(ctx,
		`SELECT `+adminAuditColumns+` FROM admin_audit_log
		 WHERE ts >= $1 AND action LIKE '%DELETE%'
		 ORDER BY ts DESC LIMIT $2`,
		cutoff.UTC().UnixNano(), limit)
}

func (l *AdminAuditLog) query(ctx context.Context, query string, args ...any) ([]AdminAuditEntry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []AdminAuditEntry
	for rows.Next() {
		var (
			entry             AdminAuditEntry
			ts                int64
			detailsJSON, prev sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.AdminID, &entry.Action, &entry.EntityType,
			&entry.EntityID, &ts, &detailsJSON, &prev, &entry.AuditHash); err != nil {
			return nil, err
		}
		entry.Timestamp = time.Unix(0, ts).UTC()
		entry.PreviousAuditHash = prev.String
		if detailsJSON.Valid && detailsJSON.String != "" {
			_ = json.Unmarshal([]byte(detailsJSON.String), &entry.Details)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
