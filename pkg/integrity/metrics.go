package integrity

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tessera-pm/tessera/core/pkg/store"
)

// auditMetrics records check runs and findings. The global meter provider is
// a no-op unless observability has been initialized, so recording is always
// safe.
type auditMetrics struct {
	runs     metric.Int64Counter
	issues   metric.Int64Counter
	duration metric.Float64Histogram
}

func newAuditMetrics() *auditMetrics {
	meter := otel.Meter("tessera.integrity")
	m := &auditMetrics{}

	m.runs, _ = meter.Int64Counter("tessera.integrity.runs.total",
		metric.WithDescription("Integrity check runs by check and status"),
		metric.WithUnit("{run}"),
	)
	m.issues, _ = meter.Int64Counter("tessera.integrity.issues.total",
		metric.WithDescription("Integrity issues found by check"),
		metric.WithUnit("{issue}"),
	)
	m.duration, _ = meter.Float64Histogram("tessera.integrity.check.duration",
		metric.WithDescription("Check duration in seconds"),
		metric.WithUnit("s"),
	)
	return m
}

func (m *auditMetrics) recordRun(ctx context.Context, result *store.CheckResult) {
	attrs := metric.WithAttributes(
		attribute.String("check", result.CheckName),
		attribute.String("status", string(result.Status)),
	)
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.issues != nil && len(result.Issues) > 0 {
		m.issues.Add(ctx, int64(len(result.Issues)),
			metric.WithAttributes(attribute.String("check", result.CheckName)))
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(result.DurationMs)/1000.0, attrs)
	}
}
