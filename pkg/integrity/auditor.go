// Package integrity implements the scheduled verification of the platform's
// append-only stores: event-store hash and version checks, admin-audit chain
// verification with suspicious-pattern detection, idempotency housekeeping,
// and the daily summary report.
//
// Anomalies found at verification time are recorded and alerted, never
// repaired: self-healing an audit trail would destroy its evidentiary value.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tessera-pm/tessera/core/pkg/alert"
	"github.com/tessera-pm/tessera/core/pkg/store"
)

// Check names used in persisted results and report aggregation.
const (
	CheckEventStore = "event_store"
	CheckAdminAudit = "admin_audit"
	CheckCleanup    = "idempotency_cleanup"
)

// IdempotencyRetention is how long processed command keys are kept.
const IdempotencyRetention = 24 * time.Hour

// deletionSampleCap bounds the high-risk deletion sample in the daily report.
const deletionSampleCap = 50

const (
	businessHoursStart = 8
	businessHoursEnd   = 18
)

// Config tunes auditor policy.
type Config struct {
	// FailOnCorrelation promotes broken-causation findings from
	// recorded-only to run-failing.
	FailOnCorrelation bool
	// PatternRules override DefaultPatternRules when non-empty.
	PatternRules []PatternRule
}

// Auditor runs the integrity checks. Each public method is one scheduled job:
// it never propagates scan failures, it records them.
type Auditor struct {
	events      *store.EventStore
	adminLog    *store.AdminAuditLog
	reports     *store.ReportStore
	idempotency store.IdempotencyStore
	patterns    *PatternEvaluator
	sink        alert.Sink
	logger      *slog.Logger
	metrics     *auditMetrics

	failOnCorrelation bool
	now               func() time.Time
}

func NewAuditor(
	events *store.EventStore,
	adminLog *store.AdminAuditLog,
	reports *store.ReportStore,
	idempotency store.IdempotencyStore,
	sink alert.Sink,
	cfg Config,
) (*Auditor, error) {
	patterns, err := NewPatternEvaluator(cfg.PatternRules)
	if err != nil {
		return nil, err
	}
	return &Auditor{
		events:            events,
		adminLog:          adminLog,
		reports:           reports,
		idempotency:       idempotency,
		patterns:          patterns,
		sink:              sink,
		logger:            slog.Default().With("component", "integrity"),
		metrics:           newAuditMetrics(),
		failOnCorrelation: cfg.FailOnCorrelation,
		now:               func() time.Time { return time.Now().UTC() },
	}, nil
}

// VerifyEventStoreIntegrity scans every domain event in insertion order,
// recomputing hashes, checking causation links and aggregate version
// sequencing. The result row is always persisted; a scan that cannot run is
// itself recorded and alerted as a distinct failure.
func (a *Auditor) VerifyEventStoreIntegrity(ctx context.Context) *store.CheckResult {
	started := a.now()
	result := &store.CheckResult{
		ID:        uuid.New().String(),
		CheckName: CheckEventStore,
		RanAt:     started,
	}

	events, err := a.events.AllOrdered(ctx)
	if err != nil {
		return a.finishWithExecutionError(ctx, result, started, err)
	}

	known := make(map[string]bool, len(events))
	for i := range events {
		known[events[i].EventID] = true
	}

	result.TotalScanned = len(events)
	for i := range events {
		ev := &events[i]

		recomputed, err := ev.ComputeHash()
		if err != nil || recomputed != ev.EventHash {
			result.HashChainErrors++
			result.Issues = append(result.Issues,
				fmt.Sprintf("event %s: hash mismatch", ev.EventID))
		}

		if ev.CausationID != "" && !known[ev.CausationID] {
			result.CorrelationErrors++
			result.Issues = append(result.Issues,
				fmt.Sprintf("event %s: causation %s not found", ev.EventID, ev.CausationID))
		}

		if i > 0 {
			prev := &events[i-1]
			if prev.AggregateID == ev.AggregateID && prev.AggregateType == ev.AggregateType &&
				ev.AggregateVersion != prev.AggregateVersion+1 {
				result.VersionErrors++
				result.Issues = append(result.Issues,
					fmt.Sprintf("aggregate %s/%s: version %d follows %d",
						ev.AggregateType, ev.AggregateID, ev.AggregateVersion, prev.AggregateVersion))
			}
		}
	}

	result.Status = store.CheckPassed
	if result.HashChainErrors > 0 || result.VersionErrors > 0 {
		result.Status = store.CheckFailed
	}
	if a.failOnCorrelation && result.CorrelationErrors > 0 {
		result.Status = store.CheckFailed
	}

	a.finish(ctx, result, started)
	if result.Status == store.CheckFailed {
		alert.Notify(ctx, a.sink, alert.TypeEventStoreIntegrity, map[string]interface{}{
			"hashChainErrors":   result.HashChainErrors,
			"versionErrors":     result.VersionErrors,
			"correlationErrors": result.CorrelationErrors,
			"totalScanned":      result.TotalScanned,
		})
	}
	return result
}

// VerifyAdminAuditIntegrity rebuilds the global admin-audit chain from
// genesis: each entry's hash is recomputed over the recomputed hash of its
// predecessor, so one tampered field diverges the rebuilt chain and every
// downstream entry is flagged, not just the mutated one. Suspicious activity
// patterns are evaluated over the scanned window and alerted, without failing
// the run.
func (a *Auditor) VerifyAdminAuditIntegrity(ctx context.Context) *store.CheckResult {
	started := a.now()
	result := &store.CheckResult{
		ID:        uuid.New().String(),
		CheckName: CheckAdminAudit,
		RanAt:     started,
	}

	entries, err := a.adminLog.AllOrdered(ctx)
	if err != nil {
		return a.finishWithExecutionError(ctx, result, started, err)
	}

	result.TotalScanned = len(entries)
	expectedPrev := ""
	for i := range entries {
		entry := &entries[i]

		shadow := *entry
		shadow.PreviousAuditHash = expectedPrev
		expected, err := shadow.ComputeHash()
		switch {
		case err != nil || entry.AuditHash != expected:
			result.HashChainErrors++
			result.Issues = append(result.Issues,
				fmt.Sprintf("entry %s: hash mismatch", entry.ID))
		case entry.PreviousAuditHash != expectedPrev:
			result.HashChainErrors++
			result.Issues = append(result.Issues,
				fmt.Sprintf("entry %s: chain break, previous hash does not match", entry.ID))
		}
		if err != nil {
			expected = entry.AuditHash
		}
		expectedPrev = expected
	}

	findings, err := a.detectSuspiciousAdminPatterns(entries)
	if err != nil {
		a.logger.Error("suspicious pattern evaluation failed", "error", err)
	}
	for _, f := range findings {
		result.SuspiciousPatterns++
		result.Issues = append(result.Issues,
			fmt.Sprintf("suspicious pattern %s: %s", f.Rule, f.Message))
	}

	result.Status = store.CheckPassed
	if result.HashChainErrors > 0 {
		result.Status = store.CheckFailed
	}

	a.finish(ctx, result, started)
	if result.Status == store.CheckFailed {
		alert.Notify(ctx, a.sink, alert.TypeAdminAuditIntegrity, map[string]interface{}{
			"hashChainErrors": result.HashChainErrors,
			"totalScanned":    result.TotalScanned,
		})
	}
	if len(findings) > 0 {
		details := map[string]interface{}{"patterns": result.SuspiciousPatterns}
		for _, f := range findings {
			details[f.Rule] = f.Message
		}
		alert.Notify(ctx, a.sink, alert.TypeSuspiciousActivity, details)
	}
	return result
}

func (a *Auditor) detectSuspiciousAdminPatterns(entries []store.AdminAuditEntry) ([]Finding, error) {
	now := a.now()
	hourAgo := now.Add(-time.Hour)

	stats := WindowStats{TotalActions: len(entries)}
	for i := range entries {
		entry := &entries[i]
		if isDeleteAction(entry.Action) && !entry.Timestamp.Before(hourAgo) {
			stats.DeletionsLastHour++
		}
		hour := entry.Timestamp.Local().Hour()
		if hour < businessHoursStart || hour >= businessHoursEnd {
			stats.AfterHoursActions++
		}
	}
	return a.patterns.Evaluate(stats)
}

func isDeleteAction(action string) bool {
	return strings.Contains(strings.ToUpper(action), "DELETE")
}

// CleanupExpiredIdempotencyKeys removes processed-command keys older than the
// retention window. Housekeeping, not an integrity check, but its outcome is
// persisted so the daily report can aggregate it.
func (a *Auditor) CleanupExpiredIdempotencyKeys(ctx context.Context) *store.CheckResult {
	started := a.now()
	result := &store.CheckResult{
		ID:        uuid.New().String(),
		CheckName: CheckCleanup,
		RanAt:     started,
	}

	deleted, err := a.idempotency.DeleteOlderThan(ctx, started.Add(-IdempotencyRetention))
	if err != nil {
		return a.finishWithExecutionError(ctx, result, started, err)
	}

	result.Status = store.CheckPassed
	result.TotalScanned = int(deleted)
	a.logger.Info("idempotency cleanup complete", "deleted", deleted)
	a.finish(ctx, result, started)
	return result
}

// GenerateIntegrityReport aggregates the day's check outcomes with the last
// 24h of high-risk admin deletions into one summary row, alerting only when
// the overall status is ALERT.
func (a *Auditor) GenerateIntegrityReport(ctx context.Context) *store.DailySummary {
	now := a.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	eventStatus := a.latestStatus(ctx, CheckEventStore, dayStart)
	adminStatus := a.latestStatus(ctx, CheckAdminAudit, dayStart)

	deletions, err := a.adminLog.DeletionsSince(ctx, now.Add(-24*time.Hour), deletionSampleCap)
	if err != nil {
		a.logger.Error("deletion sample load failed", "error", err)
	}
	actions, err := a.adminLog.Since(ctx, now.Add(-24*time.Hour))
	if err != nil {
		a.logger.Error("admin action count load failed", "error", err)
	}

	overall := "HEALTHY"
	if eventStatus != string(store.CheckPassed) || adminStatus != string(store.CheckPassed) {
		overall = "ALERT"
	}

	summary := &store.DailySummary{
		Date:               now.Format("2006-01-02"),
		EventStoreStatus:   eventStatus,
		AdminAuditStatus:   adminStatus,
		CriticalDeletions:  len(deletions),
		AdminActionsLogged: len(actions),
		OverallStatus:      overall,
		GeneratedAt:        now,
	}

	if err := a.reports.SaveSummary(ctx, *summary); err != nil {
		a.logger.Error("daily summary persistence failed", "error", err)
	}
	a.logger.Info("daily integrity report generated",
		"date", summary.Date, "overall_status", overall,
		"critical_deletions", summary.CriticalDeletions)

	if overall == "ALERT" {
		alert.Notify(ctx, a.sink, alert.TypeDailyReport, map[string]interface{}{
			"date":             summary.Date,
			"eventStoreStatus": eventStatus,
			"adminAuditStatus": adminStatus,
		})
	}
	return summary
}

// latestStatus returns the day's most recent result status for a check, or
// UNKNOWN when the check has not run. A missing run counts as ALERT-worthy:
// an absent report is evidence of a broken pipeline, not of correctness.
func (a *Auditor) latestStatus(ctx context.Context, checkName string, since time.Time) string {
	result, err := a.reports.LatestResult(ctx, checkName, since)
	if err != nil {
		a.logger.Error("check result lookup failed", "check", checkName, "error", err)
		return "UNKNOWN"
	}
	if result == nil {
		return "UNKNOWN"
	}
	return string(result.Status)
}

func (a *Auditor) finish(ctx context.Context, result *store.CheckResult, started time.Time) {
	result.DurationMs = a.now().Sub(started).Milliseconds()
	if err := a.reports.SaveResult(ctx, *result); err != nil {
		a.logger.Error("check result persistence failed",
			"check", result.CheckName, "error", err)
	}
	a.metrics.recordRun(ctx, result)
	a.logger.Info("integrity check complete",
		"check", result.CheckName, "status", result.Status,
		"scanned", result.TotalScanned, "issues", len(result.Issues),
		"duration_ms", result.DurationMs)
}

// finishWithExecutionError records a check that could not run. Distinct from
// a failed check: it means "unknown", not "bad".
func (a *Auditor) finishWithExecutionError(ctx context.Context, result *store.CheckResult, started time.Time, err error) *store.CheckResult {
	result.Status = store.CheckError
	result.Issues = append(result.Issues, fmt.Sprintf("check execution failed: %v", err))
	a.logger.Error("integrity check execution failed",
		"check", result.CheckName, "error", err)
	a.finish(ctx, result, started)
	alert.Notify(ctx, a.sink, alert.TypeCheckExecution, map[string]interface{}{
		"check": result.CheckName,
		"error": err.Error(),
	})
	return result
}
