package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AuditProfile is the audit policy document: regulation defaults and schemas,
// the published legal document versions, suspicious-pattern rules, schedule
// times, and retention settings.
type AuditProfile struct {
	Name        string            `yaml:"name"`
	Regulations RegulationsConfig `yaml:"regulations"`
	Documents   []DocumentVersion `yaml:"documents"`
	Patterns    []PatternRule     `yaml:"patterns,omitempty"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Alerts      AlertConfig       `yaml:"alerts"`
	Integrity   IntegrityConfig   `yaml:"integrity"`
}

// RegulationsConfig carries per-type fallback configurations and JSON Schemas
// for configuration validation.
type RegulationsConfig struct {
	Defaults map[string]map[string]interface{} `yaml:"defaults,omitempty"`
	Schemas  map[string]string                 `yaml:"schemas,omitempty"`
	// ExpiryWarningDays is how far ahead the expiry watch looks.
	ExpiryWarningDays int `yaml:"expiry_warning_days"`
}

// DocumentVersion is one externally curated legal document version.
type DocumentVersion struct {
	Type    string `yaml:"type"`
	Version string `yaml:"version"`
	Hash    string `yaml:"hash"`
}

// PatternRule mirrors integrity.PatternRule in profile form.
type PatternRule struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	Message string `yaml:"message"`
}

// ScheduleConfig holds the daily trigger times (HH:MM).
type ScheduleConfig struct {
	EventStoreCheck    string `yaml:"event_store_check"`
	AdminAuditCheck    string `yaml:"admin_audit_check"`
	IdempotencyCleanup string `yaml:"idempotency_cleanup"`
	DailyReport        string `yaml:"daily_report"`
	RegulationWatch    string `yaml:"regulation_watch"`
}

// AlertConfig bounds outbound alert volume.
type AlertConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// IntegrityConfig tunes auditor policy.
type IntegrityConfig struct {
	FailOnCorrelation bool `yaml:"fail_on_correlation"`
}

// DefaultProfile returns the built-in policy used when no profile file is
// present.
func DefaultProfile() *AuditProfile {
	return &AuditProfile{
		Name: "default",
		Regulations: RegulationsConfig{
			ExpiryWarningDays: 30,
		},
		Schedule: ScheduleConfig{
			EventStoreCheck:    "00:00",
			AdminAuditCheck:    "01:00",
			IdempotencyCleanup: "02:00",
			DailyReport:        "06:00",
			RegulationWatch:    "06:30",
		},
		Alerts: AlertConfig{PerMinute: 10, Burst: 20},
	}
}

// LoadProfile reads and validates an audit profile. A missing file yields the
// default profile rather than an error.
func LoadProfile(path string) (*AuditProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultProfile(), nil
		}
		return nil, fmt.Errorf("config: load profile %s: %w", path, err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}

	if err := profile.validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

func (p *AuditProfile) validate() error {
	for _, doc := range p.Documents {
		if doc.Type == "" || doc.Version == "" {
			return fmt.Errorf("config: document version entries need type and version")
		}
	}
	for _, rule := range p.Patterns {
		if rule.Name == "" || rule.Expr == "" {
			return fmt.Errorf("config: pattern rules need name and expr")
		}
	}
	if p.Regulations.ExpiryWarningDays <= 0 {
		p.Regulations.ExpiryWarningDays = 30
	}
	return nil
}

// ExpiryWindow returns the look-ahead window for the regulation expiry watch.
func (p *AuditProfile) ExpiryWindow() time.Duration {
	return time.Duration(p.Regulations.ExpiryWarningDays) * 24 * time.Hour
}
