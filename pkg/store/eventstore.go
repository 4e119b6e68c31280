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

// DomainEvent is one row of the platform's append-only event store. The audit
// core never writes business events; it reads them for integrity checks. The
// writer methods below exist for fixtures and for platforms embedding this
// module as their event store.
type DomainEvent struct {
	Seq               int64                  `json:"-"`
	EventID           string                 `json:"event_id"`
	EventType         string                 `json:"event_type"`
	AggregateID       string                 `json:"aggregate_id"`
	AggregateType     string                 `json:"aggregate_type"`
	AggregateVersion  int64                  `json:"aggregate_version"`
	Payload           map[string]interface{} `json:"payload"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	CausationID       string                 `json:"causation_id,omitempty"`
	PreviousEventHash string                 `json:"previous_event_hash,omitempty"`
	EventHash         string                 `json:"event_hash"`
	OccurredAt        time.Time              `json:"occurred_at"`
}

// ComputeHash recomputes the event hash from the immutable fields. The stored
// EventHash must equal this on an untampered row.
func (e *DomainEvent) ComputeHash() (string, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return canonical.Hash(map[string]interface{}{
		"eventId":           e.EventID,
		"eventType":         e.EventType,
		"aggregateId":       e.AggregateID,
		"aggregateType":     e.AggregateType,
		"aggregateVersion":  e.AggregateVersion,
		"payload":           payload,
		"causationId":       e.CausationID,
		"previousEventHash": e.PreviousEventHash,
		"occurredAt":        e.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
}

// EventStore reads and appends domain events.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(ctx context.Context, db *sql.DB) (*EventStore, error) {
	s := &EventStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EventStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS domain_events (
		seq BIGINT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_version BIGINT NOT NULL,
		payload TEXT NOT NULL,
		metadata TEXT,
		causation_id TEXT,
		previous_event_hash TEXT,
		event_hash TEXT NOT NULL,
		occurred_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_aggregate ON domain_events (aggregate_type, aggregate_id, aggregate_version);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

const eventColumns = `seq, event_id, event_type, aggregate_id, aggregate_type, aggregate_version,
	payload, metadata, causation_id, previous_event_hash, event_hash, occurred_at`

// Append stores an event, assigning the next sequence number and computing
// the event hash chained to the previously appended event.
func (s *EventStore) Append(ctx context.Context, ev DomainEvent) (DomainEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DomainEvent{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		maxSeq   sql.NullInt64
		lastHash sql.NullString
	)
	row := tx.QueryRowContext(ctx,
		`SELECT seq, event_hash FROM domain_events ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&maxSeq, &lastHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return DomainEvent{}, err
	}

	ev.Seq = maxSeq.Int64 + 1
	ev.PreviousEventHash = lastHash.String
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	ev.EventHash, err = ev.ComputeHash()
	if err != nil {
		return DomainEvent{}, fmt.Errorf("store: event hash failed: %w", err)
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("store: event payload not serializable: %w", err)
	}
	metaJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("store: event metadata not serializable: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO domain_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.Seq, ev.EventID, ev.EventType, ev.AggregateID, ev.AggregateType, ev.AggregateVersion,
		string(payloadJSON), string(metaJSON),
		nullString(ev.CausationID), nullString(ev.PreviousEventHash),
		ev.EventHash, ev.OccurredAt.UTC().UnixNano(),
	)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("store: event insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DomainEvent{}, err
	}
	return ev, nil
}

// AllOrdered returns every event in insertion order, the order the integrity
// scan walks.
func (s *EventStore) AllOrdered(ctx context.Context) ([]DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM domain_events ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []DomainEvent
	for rows.Next() {
		var (
			ev              DomainEvent
			payloadJSON     string
			metaJSON        sql.NullString
			causation, prev sql.NullString
			occurredAt      int64
		)
		if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.EventType, &ev.AggregateID,
			&ev.AggregateType, &ev.AggregateVersion, &payloadJSON, &metaJSON,
			&causation, &prev, &ev.EventHash, &occurredAt); err != nil {
			return nil, err
		}
		ev.CausationID = causation.String
		ev.PreviousEventHash = prev.String
		ev.OccurredAt = time.Unix(0, occurredAt).UTC()
		_ = json.Unmarshal([]byte(payloadJSON), &ev.Payload)
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &ev.Metadata)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
