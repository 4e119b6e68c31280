package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-pm/tessera/core/pkg/config"
)

const sampleProfile = `
name: id-rental
regulations:
  expiry_warning_days: 45
  defaults:
    RENTAL_TAX:
      threshold: 100000000
      taxRate: 0.05
  schemas:
    RENTAL_TAX: '{"type":"object","required":["taxRate"]}'
documents:
  - type: PRIVACY_POLICY
    version: "3.1"
    hash: abc123
patterns:
  - name: bulk_deletions
    expr: window.deletionsLastHour > 10
    message: "{deletionsLastHour} deletions"
schedule:
  event_store_check: "00:00"
  daily_report: "06:00"
alerts:
  per_minute: 5
  burst: 10
integrity:
  fail_on_correlation: true
`

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit_profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfile), 0o600))

	p, err := config.LoadProfile(path)
	require.NoError(t, err)

	assert.Equal(t, "id-rental", p.Name)
	assert.Equal(t, 45*24*time.Hour, p.ExpiryWindow())
	assert.Contains(t, p.Regulations.Defaults, "RENTAL_TAX")
	assert.InDelta(t, 0.05, p.Regulations.Defaults["RENTAL_TAX"]["taxRate"], 1e-9)
	require.Len(t, p.Documents, 1)
	assert.Equal(t, "PRIVACY_POLICY", p.Documents[0].Type)
	require.Len(t, p.Patterns, 1)
	assert.Equal(t, "window.deletionsLastHour > 10", p.Patterns[0].Expr)
	assert.True(t, p.Integrity.FailOnCorrelation)

	// Unset schedule entries keep their defaults.
	assert.Equal(t, "01:00", p.Schedule.AdminAuditCheck)
	assert.Equal(t, "06:00", p.Schedule.DailyReport)
}

func TestLoadProfile_MissingFileUsesDefaults(t *testing.T) {
	p, err := config.LoadProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, 30*24*time.Hour, p.ExpiryWindow())
}

func TestLoadProfile_RejectsBadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("patterns:\n  - name: x\n"), 0o600))

	_, err := config.LoadProfile(path)
	assert.Error(t, err)
}

func TestLoad_EnvDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", "")

	cfg := config.Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "tessera-audit.db", cfg.SQLitePath)
}
