// Package snapshot implements the immutable legal snapshot writer: one
// cryptographically verifiable record per legally significant action,
// capturing actor, action, and the regulation state in force at that instant.
//
// Snapshots are written synchronously inside the caller's ambient transaction
// and are never updated or deleted by this subsystem. If snapshot persistence
// fails the enclosing transaction must abort: no legal action without a
// snapshot.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tessera-pm/tessera/core/pkg/canonical"
	"github.com/tessera-pm/tessera/core/pkg/regulation"
)

var (
	// ErrNoTransaction is returned when Create is invoked outside an ambient
	// transaction. The writer never opens its own.
	ErrNoTransaction = errors.New("snapshot: ambient transaction required (fail-closed)")
	// ErrNotFound is returned when a snapshot id does not exist.
	ErrNotFound = errors.New("snapshot: not found")
)

// DBTX is the subset of database/sql satisfied by both *sql.DB and *sql.Tx.
// Write-path operations receive the caller's *sql.Tx through it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Request carries the inputs for one snapshot.
type Request struct {
	ActorID    string
	ActorRole  string
	ActionType string
	EntityType string
	EntityID   string
	Timestamp  time.Time // zero value = now
	IPAddress  string
	UserAgent  string
	City       string
	Metadata   map[string]interface{}
}

// DocumentRef references one published legal document version (privacy
// policy, terms of service, ...) in force when the snapshot was taken.
type DocumentRef struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// Snapshot is the immutable persisted record.
type Snapshot struct {
	ID               string                 `json:"id"`
	ActorID          string                 `json:"actor_id"`
	ActorRole        string                 `json:"actor_role"`
	ActionType       string                 `json:"action_type"`
	EntityType       string                 `json:"entity_type"`
	EntityID         string                 `json:"entity_id"`
	Timestamp        time.Time              `json:"timestamp"`
	IPAddress        string                 `json:"ip_address,omitempty"`
	UserAgent        string                 `json:"user_agent,omitempty"`
	City             string                 `json:"city,omitempty"`
	Regulations      []regulation.Ref       `json:"regulations"`
	DocumentVersions []DocumentRef          `json:"document_versions"`
	Metadata         map[string]interface{} `json:"metadata"`
	Canonicalization string                 `json:"canonicalization"`
	DataHash         string                 `json:"data_hash"`
	PreviousHash     string                 `json:"previous_hash,omitempty"`
	ChainHash        string                 `json:"chain_hash"`
}

// hashPayload assembles the canonical record covered by DataHash. The field
// set and the canonicalization version are part of the hash contract: any
// change invalidates every historical hash.
func (s *Snapshot) hashPayload() map[string]interface{} {
	return map[string]interface{}{
		"actorId":          s.ActorID,
		"actorRole":        s.ActorRole,
		"actionType":       s.ActionType,
		"entityType":       s.EntityType,
		"entityId":         s.EntityID,
		"timestamp":        s.Timestamp.UTC().Format(time.RFC3339Nano),
		"ipAddress":        nullable(s.IPAddress),
		"userAgent":        nullable(s.UserAgent),
		"city":             nullable(s.City),
		"regulations":      refsOrEmpty(s.Regulations),
		"documentVersions": docsOrEmpty(s.DocumentVersions),
		"metadata":         metaOrEmpty(s.Metadata),
		"canonicalization": s.Canonicalization,
	}
}

// ComputeDataHash recomputes the snapshot's data hash from its own fields.
func (s *Snapshot) ComputeDataHash() (string, error) {
	return canonical.Hash(s.hashPayload())
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func refsOrEmpty(refs []regulation.Ref) []regulation.Ref {
	if refs == nil {
		return []regulation.Ref{}
	}
	return refs
}

func docsOrEmpty(docs []DocumentRef) []DocumentRef {
	if docs == nil {
		return []DocumentRef{}
	}
	return docs
}

func metaOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// RegulationSource resolves the regulations active at a point in time.
type RegulationSource interface {
	ActiveRegulations(ctx context.Context, ts time.Time) ([]regulation.Ref, error)
}

// DocumentSource provides the externally curated set of published legal
// document versions.
type DocumentSource interface {
	ActiveDocumentVersions(ctx context.Context) ([]DocumentRef, error)
}

// StaticDocumentSource serves a fixed document-version set, typically loaded
// from the audit profile.
type StaticDocumentSource []DocumentRef

func (s StaticDocumentSource) ActiveDocumentVersions(context.Context) ([]DocumentRef, error) {
	return s, nil
}

// Writer builds and persists snapshots.
type Writer struct {
	store       *SQLStore
	regulations RegulationSource
	documents   DocumentSource
	logger      *slog.Logger
}

func NewWriter(store *SQLStore, regulations RegulationSource, documents DocumentSource) *Writer {
	return &Writer{
		store:       store,
		regulations: regulations,
		documents:   documents,
		logger:      slog.Default().With("component", "snapshot"),
	}
}

// Create assembles and persists one snapshot inside the caller's ambient
// transaction and returns its id. Any failure propagates so the caller's
// whole operation aborts.
//
// The hash inputs are deterministic: if the outer transaction retries on a
// serialization conflict, re-execution produces an identical snapshot.
func (w *Writer) Create(ctx context.Context, req Request, tx DBTX) (string, error) {
	if tx == nil {
		return "", ErrNoTransaction
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	regs, err := w.regulations.ActiveRegulations(ctx, ts)
	if err != nil {
		return "", fmt.Errorf("snapshot: regulation resolution failed: %w", err)
	}

	docs, err := w.documents.ActiveDocumentVersions(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshot: document version lookup failed: %w", err)
	}

	snap := Snapshot{
		ID:               uuid.New().String(),
		ActorID:          req.ActorID,
		ActorRole:        req.ActorRole,
		ActionType:       req.ActionType,
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		Timestamp:        ts,
		IPAddress:        req.IPAddress,
		UserAgent:        req.UserAgent,
		City:             req.City,
		Regulations:      regs,
		DocumentVersions: docs,
		Metadata:         req.Metadata,
		Canonicalization: canonical.Version,
	}

	snap.DataHash, err = snap.ComputeDataHash()
	if err != nil {
		return "", fmt.Errorf("snapshot: hash computation failed: %w", err)
	}

	prev, err := w.store.Head(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("snapshot: chain head lookup failed: %w", err)
	}
	snap.PreviousHash = prev
	snap.ChainHash = canonical.ChainHash(prev, snap.DataHash)

	if err := w.store.Insert(ctx, tx, snap); err != nil {
		return "", fmt.Errorf("snapshot: persistence failed: %w", err)
	}

	return snap.ID, nil
}

// Verify reloads a stored snapshot, recomputes both hashes from its own
// persisted fields, and compares. A mismatch returns false rather than an
// error: this is an audit query, not a gate.
func (w *Writer) Verify(ctx context.Context, snapshotID string) (bool, error) {
	snap, err := w.store.Get(ctx, snapshotID)
	if err != nil {
		return false, err
	}

	expectedData, err := snap.ComputeDataHash()
	if err != nil {
		return false, fmt.Errorf("snapshot: hash recomputation failed: %w", err)
	}
	if expectedData != snap.DataHash {
		w.logger.Warn("snapshot data hash mismatch", "snapshot_id", snapshotID)
		return false, nil
	}

	if snap.ChainHash != "" {
		expectedChain := canonical.ChainHash(snap.PreviousHash, expectedData)
		if expectedChain != snap.ChainHash {
			w.logger.Warn("snapshot chain hash mismatch", "snapshot_id", snapshotID)
			return false, nil
		}
	}

	return true, nil
}

// FindByEntity returns the full audit trail of one entity, oldest first.
func (w *Writer) FindByEntity(ctx context.Context, entityType, entityID string) ([]Snapshot, error) {
	return w.store.ByEntity(ctx, entityType, entityID)
}

// Filter narrows FindAll results.
type Filter struct {
	ActionType string
	EntityType string
	ActorID    string
	StartDate  *time.Time
	EndDate    *time.Time
	Skip       int
	Take       int
}

// Page carries pagination metadata alongside a result set.
type Page struct {
	Total    int `json:"total"`
	Page     int `json:"page"`
	LastPage int `json:"last_page"`
}

// FindAll returns filtered, paginated snapshots, newest first.
func (w *Writer) FindAll(ctx context.Context, filter Filter) ([]Snapshot, Page, error) {
	return w.store.List(ctx, filter)
}
