package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tessera-pm/tessera/core/pkg/regulation"
)

// SQLStore persists snapshots. The table is append-only by policy: this store
// exposes no update or delete.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the store and ensures the table exists.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS legal_snapshots (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		ts BIGINT NOT NULL,
		ip_address TEXT,
		user_agent TEXT,
		city TEXT,
		regulations TEXT NOT NULL,
		document_versions TEXT NOT NULL,
		metadata TEXT,
		canonicalization TEXT NOT NULL,
		data_hash TEXT NOT NULL,
		previous_hash TEXT,
		chain_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_entity ON legal_snapshots (entity_type, entity_id, ts);
	CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON legal_snapshots (ts);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

const snapshotColumns = `id, actor_id, actor_role, action_type, entity_type, entity_id, ts,
	ip_address, user_agent, city, regulations, document_versions, metadata,
	canonicalization, data_hash, previous_hash, chain_hash`

// Insert writes one snapshot through the caller's transaction.
func (s *SQLStore) Insert(ctx context.Context, q DBTX, snap Snapshot) error {
	regsJSON, err := json.Marshal(refsOrEmpty(snap.Regulations))
	if err != nil {
		return fmt.Errorf("snapshot: regulations not serializable: %w", err)
	}
	docsJSON, err := json.Marshal(docsOrEmpty(snap.DocumentVersions))
	if err != nil {
		return fmt.Errorf("snapshot: document versions not serializable: %w", err)
	}
	metaJSON, err := json.Marshal(metaOrEmpty(snap.Metadata))
	if err != nil {
		return fmt.Errorf("snapshot: metadata not serializable: %w", err)
	}

	query := `INSERT INTO legal_snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err = q.ExecContext(ctx, query,
		snap.ID, snap.ActorID, snap.ActorRole, snap.ActionType, snap.EntityType, snap.EntityID,
		snap.Timestamp.UTC().UnixNano(),
		nullString(snap.IPAddress), nullString(snap.UserAgent), nullString(snap.City),
		string(regsJSON), string(docsJSON), string(metaJSON),
		snap.Canonicalization, snap.DataHash, nullString(snap.PreviousHash), snap.ChainHash,
	)
	if err != nil {
		return fmt.Errorf("snapshot: insert failed: %w", err)
	}
	return nil
}

// Head returns the chain hash of the most recent snapshot, or "" when the
// table is empty. Read through the caller's transaction so a retried
// transaction observes a consistent chain head.
func (s *SQLStore) Head(ctx context.Context, q DBTX) (string, error) {
	row := q.QueryRowContext(ctx,
		`SELECT chain_hash, data_hash FROM legal_snapshots ORDER BY ts DESC LIMIT 1`)

	var chainHash, dataHash sql.NullString
	if err := row.Scan(&chainHash, &dataHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if chainHash.Valid && chainHash.String != "" {
		return chainHash.String, nil
	}
	return dataHash.String, nil
}

// Get loads one snapshot by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM legal_snapshots WHERE id = $1`, id)

	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return snap, nil
}

// ByEntity returns an entity's snapshots oldest first.
func (s *SQLStore) ByEntity(ctx context.Context, entityType, entityID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM legal_snapshots
		 WHERE entity_type = $1 AND entity_id = $2 ORDER BY ts ASC`,
		entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSnapshots(rows)
}

// List returns filtered snapshots newest first, with pagination metadata.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]Snapshot, Page, error) {
	where, args := buildWhere(filter)

	take := filter.Take
	if take <= 0 {
		take = 10
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM legal_snapshots`+where, args...).Scan(&total); err != nil {
		return nil, Page{}, err
	}

	query := fmt.Sprintf(`SELECT `+snapshotColumns+` FROM legal_snapshots`+where+
		` ORDER BY ts DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, take, filter.Skip)...)
	if err != nil {
		return nil, Page{}, err
	}
	defer func() { _ = rows.Close() }()

	snaps, err := collectSnapshots(rows)
	if err != nil {
		return nil, Page{}, err
	}

	page := Page{
		Total:    total,
		Page:     filter.Skip/take + 1,
		LastPage: (total + take - 1) / take,
	}
	return snaps, page, nil
}

// All returns every snapshot ordered by timestamp, for integrity scans and
// evidence export.
func (s *SQLStore) All(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM legal_snapshots ORDER BY ts ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSnapshots(rows)
}

func buildWhere(filter Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.ActionType != "" {
		add(" action_type = $%d", filter.ActionType)
	}
	if filter.EntityType != "" {
		add(" entity_type = $%d", filter.EntityType)
	}
	if filter.ActorID != "" {
		add(" actor_id = $%d", filter.ActorID)
	}
	if filter.StartDate != nil {
		add(" ts >= $%d", filter.StartDate.UTC().UnixNano())
	}
	if filter.EndDate != nil {
		add(" ts <= $%d", filter.EndDate.UTC().UnixNano())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE" + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND" + c
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap                         Snapshot
		ts                           int64
		ip, ua, city, prev           sql.NullString
		regsJSON, docsJSON, metaJSON string
	)
	err := row.Scan(&snap.ID, &snap.ActorID, &snap.ActorRole, &snap.ActionType,
		&snap.EntityType, &snap.EntityID, &ts,
		&ip, &ua, &city, &regsJSON, &docsJSON, &metaJSON,
		&snap.Canonicalization, &snap.DataHash, &prev, &snap.ChainHash)
	if err != nil {
		return nil, err
	}

	snap.Timestamp = time.Unix(0, ts).UTC()
	snap.IPAddress = ip.String
	snap.UserAgent = ua.String
	snap.City = city.String
	snap.PreviousHash = prev.String

	snap.Regulations = []regulation.Ref{}
	_ = json.Unmarshal([]byte(regsJSON), &snap.Regulations)
	snap.DocumentVersions = []DocumentRef{}
	_ = json.Unmarshal([]byte(docsJSON), &snap.DocumentVersions)
	snap.Metadata = map[string]interface{}{}
	_ = json.Unmarshal([]byte(metaJSON), &snap.Metadata)

	return &snap, nil
}

func collectSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snaps, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
