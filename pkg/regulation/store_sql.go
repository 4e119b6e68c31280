package regulation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore persists regulation versions in SQL. It works against both SQLite
// and Postgres via standard drivers ($N placeholders).
type SQLStore struct {
	db       *sql.DB
	schemas  *SchemaRegistry
	validate bool
}

// NewSQLStore creates the store and ensures the table exists. schemas may be
// nil to skip configuration validation on insert.
func NewSQLStore(ctx context.Context, db *sql.DB, schemas *SchemaRegistry) (*SQLStore, error) {
	s := &SQLStore{db: db, schemas: schemas, validate: schemas != nil}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS regulation_versions (
		id TEXT PRIMARY KEY,
		reg_type TEXT NOT NULL,
		version TEXT NOT NULL,
		effective_from TIMESTAMP NOT NULL,
		effective_to TIMESTAMP,
		content_hash TEXT NOT NULL,
		configuration TEXT NOT NULL,
		deleted_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_regulation_type ON regulation_versions (reg_type, effective_from);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

const regulationColumns = `id, reg_type, version, effective_from, effective_to, content_hash, configuration, deleted_at`

// Insert appends a new regulation version row. Existing rows are never
// updated; superseding a version means inserting a newer one.
func (s *SQLStore) Insert(ctx context.Context, v Version) error {
	if s.validate {
		if err := s.schemas.Validate(v.Type, v.Configuration); err != nil {
			return err
		}
	}

	cfgJSON, err := json.Marshal(v.Configuration)
	if err != nil {
		return fmt.Errorf("regulation: configuration not serializable: %w", err)
	}

	query := `INSERT INTO regulation_versions (` + regulationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.ExecContext(ctx, query,
		v.ID, v.Type, v.Version,
		v.EffectiveFrom.UTC().Format(time.RFC3339),
		nullableTime(v.EffectiveTo),
		v.ContentHash, string(cfgJSON),
		nullableTime(v.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("regulation: insert failed: %w", err)
	}
	return nil
}

func (s *SQLStore) ActiveAt(ctx context.Context, ts time.Time) ([]Version, error) {
	query := `SELECT ` + regulationColumns + ` FROM regulation_versions
		WHERE effective_from <= $1
		  AND (effective_to IS NULL OR effective_to >= $1)
		  AND deleted_at IS NULL
		ORDER BY reg_type, effective_from`
	return s.queryVersions(ctx, query, ts.UTC().Format(time.RFC3339))
}

func (s *SQLStore) ByType(ctx context.Context, regType string) ([]Version, error) {
	query := `SELECT ` + regulationColumns + ` FROM regulation_versions
		WHERE reg_type = $1 AND deleted_at IS NULL
		ORDER BY effective_from`
	return s.queryVersions(ctx, query, regType)
}

func (s *SQLStore) All(ctx context.Context) ([]Version, error) {
	query := `SELECT ` + regulationColumns + ` FROM regulation_versions
		WHERE deleted_at IS NULL
		ORDER BY reg_type, effective_from`
	return s.queryVersions(ctx, query)
}

func (s *SQLStore) queryVersions(ctx context.Context, query string, args ...any) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var versions []Version
	for rows.Next() {
		var (
			v         Version
			from      string
			to        sql.NullString
			cfgJSON   string
			deletedAt sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.Type, &v.Version, &from, &to, &v.ContentHash, &cfgJSON, &deletedAt); err != nil {
			return nil, err
		}
		v.EffectiveFrom = parseTime(from)
		v.EffectiveTo = parseNullTime(to)
		v.DeletedAt = parseNullTime(deletedAt)
		if cfgJSON != "" {
			_ = json.Unmarshal([]byte(cfgJSON), &v.Configuration)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return versions, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
