// Package alert defines the outbound alert channel for integrity findings.
// Delivery is best-effort: a failed send is logged and swallowed, never
// escalated into an audit-run failure.
package alert

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// Sink delivers one alert to an external channel (ops chat, pager, email
// relay). Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, alertType string, details map[string]interface{}) error
}

// Alert types raised by the integrity auditor.
const (
	TypeEventStoreIntegrity = "EVENT_STORE_INTEGRITY_FAILURE"
	TypeAdminAuditIntegrity = "ADMIN_AUDIT_INTEGRITY_FAILURE"
	TypeSuspiciousActivity  = "SUSPICIOUS_ADMIN_ACTIVITY"
	TypeCheckExecution      = "INTEGRITY_CHECK_EXECUTION_ERROR"
	TypeDailyReport         = "DAILY_INTEGRITY_ALERT"
	TypeRegulationExpiry    = "REGULATION_EXPIRY_WARNING"
)

// LogSink writes alerts to the structured log. It is the default sink and the
// fallback when no external channel is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "alert")}
}

func (s *LogSink) Send(_ context.Context, alertType string, details map[string]interface{}) error {
	s.logger.Warn("integrity alert", "alert_type", alertType, "details", details)
	return nil
}

// RateLimitedSink drops alerts beyond a sustained rate so a corrupted store
// scanned repeatedly cannot flood the channel. Dropped alerts are logged.
type RateLimitedSink struct {
	next    Sink
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewRateLimitedSink(next Sink, perMinute int, burst int) *RateLimitedSink {
	return &RateLimitedSink{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		logger:  slog.Default().With("component", "alert"),
	}
}

func (s *RateLimitedSink) Send(ctx context.Context, alertType string, details map[string]interface{}) error {
	if !s.limiter.Allow() {
		s.logger.Warn("alert dropped by rate limit", "alert_type", alertType)
		return nil
	}
	return s.next.Send(ctx, alertType, details)
}

// Notify sends through the sink and swallows any delivery error after logging
// it. Callers on the audit path use this instead of Send directly.
func Notify(ctx context.Context, sink Sink, alertType string, details map[string]interface{}) {
	if sink == nil {
		return
	}
	if err := sink.Send(ctx, alertType, details); err != nil {
		slog.Default().Error("alert delivery failed",
			"alert_type", alertType, "error", err)
	}
}
