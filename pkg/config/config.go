// Package config loads runtime configuration: process settings from the
// environment, audit policy from a YAML profile.
package config

import "os"

// Config holds process configuration.
type Config struct {
	LogLevel     string
	DatabaseURL  string // Postgres DSN; empty = embedded SQLite
	SQLitePath   string
	RedisAddr    string // empty = SQL-backed idempotency
	ProfilePath  string
	OTLPEndpoint string
	Telemetry    bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "tessera-audit.db"
	}

	profilePath := os.Getenv("AUDIT_PROFILE")
	if profilePath == "" {
		profilePath = "audit_profile.yaml"
	}

	otlp := os.Getenv("OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		LogLevel:     logLevel,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SQLitePath:   sqlitePath,
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		ProfilePath:  profilePath,
		OTLPEndpoint: otlp,
		Telemetry:    os.Getenv("TELEMETRY") == "true",
	}
}
