package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-pm/tessera/core/pkg/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEventStore_AppendChainsAndHashes(t *testing.T) {
	ctx := context.Background()
	es, err := store.NewEventStore(ctx, openTestDB(t))
	require.NoError(t, err)

	first, err := es.Append(ctx, store.DomainEvent{
		EventID:          "evt-1",
		EventType:        "ContractCreated",
		AggregateID:      "ctr-1",
		AggregateType:    "CONTRACT",
		AggregateVersion: 1,
		Payload:          map[string]interface{}{"rent": 500000},
	})
	require.NoError(t, err)
	assert.Empty(t, first.PreviousEventHash)

	second, err := es.Append(ctx, store.DomainEvent{
		EventID:          "evt-2",
		EventType:        "ContractSigned",
		AggregateID:      "ctr-1",
		AggregateType:    "CONTRACT",
		AggregateVersion: 2,
		Payload:          map[string]interface{}{},
		Metadata:         map[string]interface{}{"source": "portal"},
		CausationID:      "evt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.EventHash, second.PreviousEventHash)

	events, err := es.AllOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)

	for i := range events {
		recomputed, err := events[i].ComputeHash()
		require.NoError(t, err)
		assert.Equal(t, events[i].EventHash, recomputed)
	}
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
	assert.Equal(t, "evt-1", events[1].CausationID)
	assert.Equal(t, map[string]interface{}{"source": "portal"}, events[1].Metadata)
}

func TestAdminAuditLog_AppendChains(t *testing.T) {
	ctx := context.Background()
	log, err := store.NewAdminAuditLog(ctx, openTestDB(t))
	require.NoError(t, err)

	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	first, err := log.Append(ctx, store.AdminAuditEntry{
		ID: "aud-1", AdminID: "admin-1", Action: "USER_SUSPEND",
		EntityType: "USER", EntityID: "u-9", Timestamp: base,
	})
	require.NoError(t, err)

	second, err := log.Append(ctx, store.AdminAuditEntry{
		ID: "aud-2", AdminID: "admin-1", Action: "CONTRACT_DELETE",
		EntityType: "CONTRACT", EntityID: "ctr-3", Timestamp: base.Add(time.Minute),
		Details: map[string]interface{}{"reason": "duplicate"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.AuditHash, second.PreviousAuditHash)

	entries, err := log.AllOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for i := range entries {
		recomputed, err := entries[i].ComputeHash()
		require.NoError(t, err)
		assert.Equal(t, entries[i].AuditHash, recomputed)
	}
	assert.Equal(t, map[string]interface{}{"reason": "duplicate"}, entries[1].Details)

	deletions, err := log.DeletionsSince(ctx, base, 50)
	require.NoError(t, err)
	require.Len(t, deletions, 1)
	assert.Equal(t, "aud-2", deletions[0].ID)
}

func TestReportStore_ResultsAndSummary(t *testing.T) {
	ctx := context.Background()
	rs, err := store.NewReportStore(ctx, openTestDB(t))
	require.NoError(t, err)

	ranAt := time.Date(2025, 5, 2, 1, 0, 0, 0, time.UTC)
	require.NoError(t, rs.SaveResult(ctx, store.CheckResult{
		ID: "run-1", CheckName: "event_store", Status: store.CheckFailed,
		TotalScanned: 100, HashChainErrors: 2,
		Issues: []string{"event evt-7: hash mismatch"},
		DurationMs: 42, RanAt: ranAt,
	}))

	latest, err := rs.LatestResult(ctx, "event_store", ranAt.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, store.CheckFailed, latest.Status)
	assert.Equal(t, 2, latest.HashChainErrors)
	assert.Equal(t, []string{"event evt-7: hash mismatch"}, latest.Issues)

	missing, err := rs.LatestResult(ctx, "admin_audit", ranAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, missing)

	sum := store.DailySummary{
		Date: "2025-05-02", EventStoreStatus: "FAILED", AdminAuditStatus: "PASSED",
		CriticalDeletions: 1, AdminActionsLogged: 12, OverallStatus: "ALERT",
		GeneratedAt: ranAt.Add(5 * time.Hour),
	}
	require.NoError(t, rs.SaveSummary(ctx, sum))

	// Rerunning the day replaces the row.
	sum.OverallStatus = "HEALTHY"
	sum.EventStoreStatus = "PASSED"
	require.NoError(t, rs.SaveSummary(ctx, sum))

	loaded, err := rs.Summary(ctx, "2025-05-02")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "HEALTHY", loaded.OverallStatus)
}

func TestSQLIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLIdempotencyStore(ctx, openTestDB(t), time.Hour)
	require.NoError(t, err)

	_, ok, err := s.Check(ctx, "cmd-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "cmd-1", `{"status":"ok"}`))

	result, ok, err := s.Check(ctx, "cmd-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"status":"ok"}`, result)

	// Nothing old enough yet.
	n, err := s.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err = s.Check(ctx, "cmd-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLIdempotencyStore_CleanupError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS idempotency_keys").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := store.NewSQLIdempotencyStore(context.Background(), db, time.Hour)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM idempotency_keys").
		WillReturnError(errors.New("connection reset"))

	_, err = s.DeleteOlderThan(context.Background(), time.Now())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
