// Command auditd runs the Tessera audit core: the scheduled integrity
// checks, the regulation expiry watch, and the evidence export tooling.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tessera-pm/tessera/core/pkg/alert"
	"github.com/tessera-pm/tessera/core/pkg/config"
	"github.com/tessera-pm/tessera/core/pkg/integrity"
	"github.com/tessera-pm/tessera/core/pkg/observability"
	"github.com/tessera-pm/tessera/core/pkg/regulation"
	"github.com/tessera-pm/tessera/core/pkg/schedule"
	"github.com/tessera-pm/tessera/core/pkg/snapshot"
	"github.com/tessera-pm/tessera/core/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve":
		return runServe(stderr)
	case "check":
		return runCheck(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: auditd <command>

Commands:
  serve                     run the scheduled integrity checks (default)
  check                     run every integrity check once and exit
  verify --snapshot <id>    verify one stored snapshot
  export --entity-type T --entity-id ID --out FILE
                            write an evidence pack zip
  help                      show this help`)
}

// app holds the wired components shared by all commands.
type app struct {
	cfg      *config.Config
	profile  *config.AuditProfile
	db       *sql.DB
	snapshot *snapshot.Writer
	snapStor *snapshot.SQLStore
	resolver *regulation.Resolver
	regStore *regulation.SQLStore
	auditor  *integrity.Auditor
	sink     alert.Sink
	obs      *observability.Provider
	logger   *slog.Logger
}

func setup(ctx context.Context) (*app, error) {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "tessera-audit-core",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry,
		Insecure:       true,
	})
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = store.OpenPostgres(cfg.DatabaseURL)
	} else {
		db, err = store.OpenSQLite(cfg.SQLitePath)
	}
	if err != nil {
		return nil, err
	}

	schemas := regulation.NewSchemaRegistry()
	for regType, schemaJSON := range profile.Regulations.Schemas {
		if err := schemas.Register(regType, schemaJSON); err != nil {
			return nil, err
		}
	}

	regStore, err := regulation.NewSQLStore(ctx, db, schemas)
	if err != nil {
		return nil, err
	}
	resolver := regulation.NewResolver(regStore, profile.Regulations.Defaults)

	snapStore, err := snapshot.NewSQLStore(ctx, db)
	if err != nil {
		return nil, err
	}
	docs := make(snapshot.StaticDocumentSource, 0, len(profile.Documents))
	for _, d := range profile.Documents {
		docs = append(docs, snapshot.DocumentRef{Type: d.Type, Version: d.Version, Hash: d.Hash})
	}
	writer := snapshot.NewWriter(snapStore, resolver, docs)

	events, err := store.NewEventStore(ctx, db)
	if err != nil {
		return nil, err
	}
	adminLog, err := store.NewAdminAuditLog(ctx, db)
	if err != nil {
		return nil, err
	}
	reports, err := store.NewReportStore(ctx, db)
	if err != nil {
		return nil, err
	}

	var idem store.IdempotencyStore
	if cfg.RedisAddr != "" {
		idem = store.NewRedisIdempotencyStore(cfg.RedisAddr, "", 0, integrity.IdempotencyRetention)
	} else {
		idem, err = store.NewSQLIdempotencyStore(ctx, db, integrity.IdempotencyRetention)
		if err != nil {
			return nil, err
		}
	}

	var sink alert.Sink = alert.NewLogSink(nil)
	if profile.Alerts.PerMinute > 0 {
		sink = alert.NewRateLimitedSink(sink, profile.Alerts.PerMinute, profile.Alerts.Burst)
	}

	rules := make([]integrity.PatternRule, 0, len(profile.Patterns))
	for _, r := range profile.Patterns {
		rules = append(rules, integrity.PatternRule{Name: r.Name, Expr: r.Expr, Message: r.Message})
	}
	auditor, err := integrity.NewAuditor(events, adminLog, reports, idem, sink, integrity.Config{
		FailOnCorrelation: profile.Integrity.FailOnCorrelation,
		PatternRules:      rules,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg: cfg, profile: profile, db: db,
		snapshot: writer, snapStor: snapStore,
		resolver: resolver, regStore: regStore,
		auditor: auditor, sink: sink, obs: obs,
		logger: slog.Default().With("component", "auditd"),
	}, nil
}

func (a *app) close(ctx context.Context) {
	_ = a.obs.Shutdown(ctx)
	_ = a.db.Close()
}

func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServe(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "auditd: %v\n", err)
		return 1
	}
	defer a.close(context.Background())

	sched := schedule.New()
	times := a.profile.Schedule
	register := func(name, at string, fn schedule.Func) error {
		if at == "" {
			return nil
		}
		return sched.RegisterDaily(name, fn, at)
	}

	if err := register("event-store-check", times.EventStoreCheck, func(ctx context.Context) {
		a.auditor.VerifyEventStoreIntegrity(ctx)
	}); err != nil {
		_, _ = fmt.Fprintf(stderr, "auditd: %v\n", err)
		return 1
	}
	if err := register("admin-audit-check", times.AdminAuditCheck, func(ctx context.Context) {
		a.auditor.VerifyAdminAuditIntegrity(ctx)
	}); err != nil {
		_, _ = fmt.Fprintf(stderr, "auditd: %v\n", err)
		return 1
	}
	if err := register("idempotency-cleanup", times.IdempotencyCleanup, func(ctx context.Context) {
		a.auditor.CleanupExpiredIdempotencyKeys(ctx)
	}); err != nil {
		_, _ = fmt.Fprintf(stderr, "auditd: %v\n", err)
		return 1
	}
	if err := register("daily-report", times.DailyReport, func(ctx context.Context) {
		a.auditor.GenerateIntegrityReport(ctx)
	}); err != nil {
		_, _ = fmt.Fprintf(stderr, "auditd: %v\n", err)
		return 1
	}
	if err := register("regulation-watch", times.RegulationWatch, func(ctx context.Context) {
		a.watchRegulations(ctx)
	}); err != nil {
		_, _ = fmt.Fprintf(stderr, "auditd: %v\n", err)
		return 1
	}

	a.logger.Info("audit core started", "profile", a.profile.Name)
	sched.Run(ctx)
	return 0
}

// watchRegulations alerts on regulation versions expiring without a
// successor.
func (a *app) watchRegulations(ctx context.Context) {
	report, err := a.resolver.CheckExpiring(ctx, time.Now().UTC(), a.profile.ExpiryWindow())
	if err != nil {
		a.logger.Error("regulation expiry check failed", "error", err)
		return
	}
	if len(report.ExpiringSoon) == 0 && len(report.Expired) == 0 {
		return
	}

	details := map[string]interface{}{
		"expiringSoon": len(report.ExpiringSoon),
		"expired":      len(report.Expired),
	}
	for _, v := range report.Expired {
		a.logger.Warn("regulation expired without successor",
			"type", v.Type, "version", v.Version)
	}
	alert.Notify(ctx, a.sink, alert.TypeRegulationExpiry, details)
}

func runCheck(_ []string, stdout, stderr io.Writer) int {
	ctx := context.Background()
	a, err := setup(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "auditd: %v\n", err)
		return 1
	}
	defer a.close(ctx)

	es := a.auditor.VerifyEventStoreIntegrity(ctx)
	aa := a.auditor.VerifyAdminAuditIntegrity(ctx)
	a.auditor.CleanupExpiredIdempotencyKeys(ctx)
	summary := a.auditor.GenerateIntegrityReport(ctx)

	_, _ = fmt.Fprintf(stdout, "event store: %s (%d scanned, %d issues)\n",
		es.Status, es.TotalScanned, len(es.Issues))
	_, _ = fmt.Fprintf(stdout, "admin audit: %s (%d scanned, %d issues)\n",
		aa.Status, aa.TotalScanned, len(aa.Issues))
	_, _ = fmt.Fprintf(stdout, "overall: %s\n", summary.OverallStatus)

	if summary.OverallStatus != "HEALTHY" {
		return 1
	}
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	snapshotID := fs.String("snapshot", "", "snapshot id to verify")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *snapshotID == "" {
		_, _ = fmt.Fprintln(stderr, "verify: --snapshot is required")
		return 2
	}

	ctx := context.Background()
	a, err := setup(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "auditd: %v\n", err)
		return 1
	}
	defer a.close(ctx)

	ok, err := a.snapshot.Verify(ctx, *snapshotID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	if !ok {
		_, _ = fmt.Fprintf(stdout, "snapshot %s: TAMPERED\n", *snapshotID)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "snapshot %s: OK\n", *snapshotID)
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	entityType := fs.String("entity-type", "", "entity type")
	entityID := fs.String("entity-id", "", "entity id")
	out := fs.String("out", "evidence.zip", "output path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *entityType == "" || *entityID == "" {
		_, _ = fmt.Fprintln(stderr, "export: --entity-type and --entity-id are required")
		return 2
	}

	ctx := context.Background()
	a, err := setup(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "auditd: %v\n", err)
		return 1
	}
	defer a.close(ctx)

	pack, err := snapshot.NewExporter(a.snapStor).GeneratePack(ctx, snapshot.ExportRequest{
		EntityType: *entityType,
		EntityID:   *entityID,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*out, pack.Archive, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "wrote %s (%d snapshots)\nchecksum: %s\nmerkle root: %s\n",
		*out, pack.Count, pack.Checksum, pack.MerkleRoot)
	return 0
}
