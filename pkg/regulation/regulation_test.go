package regulation_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-pm/tessera/core/pkg/regulation"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedRentalTax(t *testing.T, store *regulation.SQLStore) {
	t.Helper()
	ctx := context.Background()

	v1End := time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, regulation.Version{
		ID:            "reg-1",
		Type:          "RENTAL_TAX",
		Version:       "1.0.0",
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EffectiveTo:   &v1End,
		ContentHash:   "hash-v1",
		Configuration: map[string]interface{}{"threshold": 100_000_000, "taxRate": 0.05},
	}))
	require.NoError(t, store.Insert(ctx, regulation.Version{
		ID:            "reg-2",
		Type:          "RENTAL_TAX",
		Version:       "2.0.0",
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EffectiveTo:   nil,
		ContentHash:   "hash-v2",
		Configuration: map[string]interface{}{"threshold": 200_000_000, "taxRate": 0.07},
	}))
}

func TestEffectiveRegulation_YearWindows(t *testing.T) {
	db := openTestDB(t)
	store, err := regulation.NewSQLStore(context.Background(), db, nil)
	require.NoError(t, err)
	seedRentalTax(t, store)

	resolver := regulation.NewResolver(store, nil)

	cfg2024, err := resolver.EffectiveRegulation(context.Background(), "RENTAL_TAX", 2024)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, cfg2024["taxRate"], 1e-9)

	cfg2025, err := resolver.EffectiveRegulation(context.Background(), "RENTAL_TAX", 2025)
	require.NoError(t, err)
	assert.InDelta(t, 0.07, cfg2025["taxRate"], 1e-9)
}

func TestEffectiveRegulation_DefaultFallback(t *testing.T) {
	db := openTestDB(t)
	store, err := regulation.NewSQLStore(context.Background(), db, nil)
	require.NoError(t, err)

	defaults := map[string]map[string]interface{}{
		"RENTAL_TAX": {"threshold": 100_000_000, "taxRate": 0.05},
	}
	resolver := regulation.NewResolver(store, defaults)

	cfg, err := resolver.EffectiveRegulation(context.Background(), "RENTAL_TAX", 1999)
	require.NoError(t, err)
	assert.Equal(t, defaults["RENTAL_TAX"], cfg)

	// No default registered: an explicit error, not a silent gap.
	_, err = resolver.EffectiveRegulation(context.Background(), "FIRE_SAFETY", 1999)
	assert.ErrorIs(t, err, regulation.ErrNotFound)
}

func TestActiveRegulations_PointInTime(t *testing.T) {
	db := openTestDB(t)
	store, err := regulation.NewSQLStore(context.Background(), db, nil)
	require.NoError(t, err)
	seedRentalTax(t, store)

	require.NoError(t, store.Insert(context.Background(), regulation.Version{
		ID:            "reg-3",
		Type:          "DATA_PRIVACY",
		Version:       "1.0.0",
		EffectiveFrom: time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC),
		ContentHash:   "hash-dp1",
		Configuration: map[string]interface{}{"consentRequired": true},
	}))

	resolver := regulation.NewResolver(store, nil)

	refs, err := resolver.ActiveRegulations(context.Background(), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, refs, 2)
	assert.Equal(t, "DATA_PRIVACY", refs[0].Type)
	assert.Equal(t, "RENTAL_TAX", refs[1].Type)
	assert.Equal(t, "1.0.0", refs[1].Version)
	assert.Equal(t, "hash-v1", refs[1].Hash)

	// Before any effective-from: nothing active.
	refs, err = resolver.ActiveRegulations(context.Background(), time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestActiveAt_EffectiveToBoundaryIsInclusive(t *testing.T) {
	db := openTestDB(t)
	store, err := regulation.NewSQLStore(context.Background(), db, nil)
	require.NoError(t, err)
	seedRentalTax(t, store)

	v1End := time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)

	// At the exact effective-to instant the old version is still in force.
	versions, err := store.ActiveAt(context.Background(), v1End)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "reg-1", versions[0].ID)
	assert.True(t, versions[0].ActiveAt(v1End))

	// One second later only the successor applies.
	versions, err = store.ActiveAt(context.Background(), v1End.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, versions, 0)

	versions, err = store.ActiveAt(context.Background(), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "reg-2", versions[0].ID)
}

func TestCheckExpiring(t *testing.T) {
	db := openTestDB(t)
	store, err := regulation.NewSQLStore(context.Background(), db, nil)
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	soonEnd := now.Add(10 * 24 * time.Hour)
	require.NoError(t, store.Insert(context.Background(), regulation.Version{
		ID: "reg-soon", Type: "RENTAL_TAX", Version: "1.0.0",
		EffectiveFrom: now.AddDate(-1, 0, 0), EffectiveTo: &soonEnd,
		ContentHash: "h1", Configuration: map[string]interface{}{},
	}))

	pastEnd := now.AddDate(0, -2, 0)
	require.NoError(t, store.Insert(context.Background(), regulation.Version{
		ID: "reg-expired", Type: "FIRE_SAFETY", Version: "1.0.0",
		EffectiveFrom: now.AddDate(-2, 0, 0), EffectiveTo: &pastEnd,
		ContentHash: "h2", Configuration: map[string]interface{}{},
	}))

	resolver := regulation.NewResolver(store, nil)
	report, err := resolver.CheckExpiring(context.Background(), now, 30*24*time.Hour)
	require.NoError(t, err)

	require.Len(t, report.ExpiringSoon, 1)
	assert.Equal(t, "reg-soon", report.ExpiringSoon[0].ID)
	require.Len(t, report.Expired, 1)
	assert.Equal(t, "reg-expired", report.Expired[0].ID)
}

func TestCheckExpiring_SupersededIsNotExpired(t *testing.T) {
	db := openTestDB(t)
	store, err := regulation.NewSQLStore(context.Background(), db, nil)
	require.NoError(t, err)
	seedRentalTax(t, store) // v1 expired 2024-12-31 but v2 supersedes it

	resolver := regulation.NewResolver(store, nil)
	report, err := resolver.CheckExpiring(context.Background(),
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), 30*24*time.Hour)
	require.NoError(t, err)

	assert.Empty(t, report.Expired)
}

func TestSchemaRegistry_Validate(t *testing.T) {
	reg := regulation.NewSchemaRegistry()
	require.NoError(t, reg.Register("RENTAL_TAX", `{
		"type": "object",
		"required": ["threshold", "taxRate"],
		"properties": {
			"threshold": {"type": "number", "minimum": 0},
			"taxRate": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`))

	require.NoError(t, reg.Validate("RENTAL_TAX", map[string]interface{}{
		"threshold": 100_000_000, "taxRate": 0.05,
	}))

	err := reg.Validate("RENTAL_TAX", map[string]interface{}{"threshold": -1})
	assert.ErrorIs(t, err, regulation.ErrInvalidConfiguration)

	// Types without a schema pass through.
	require.NoError(t, reg.Validate("UNKNOWN", map[string]interface{}{"x": 1}))
}

func TestSQLStore_InsertValidatesConfiguration(t *testing.T) {
	db := openTestDB(t)

	schemas := regulation.NewSchemaRegistry()
	require.NoError(t, schemas.Register("RENTAL_TAX", `{
		"type": "object",
		"required": ["taxRate"]
	}`))

	store, err := regulation.NewSQLStore(context.Background(), db, schemas)
	require.NoError(t, err)

	err = store.Insert(context.Background(), regulation.Version{
		ID: "bad", Type: "RENTAL_TAX", Version: "1.0.0",
		EffectiveFrom: time.Now().UTC(),
		ContentHash:   "h",
		Configuration: map[string]interface{}{"unrelated": true},
	})
	assert.ErrorIs(t, err, regulation.ErrInvalidConfiguration)
}
