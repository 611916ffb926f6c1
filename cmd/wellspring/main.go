// Command wellspring is the Wellspring task-processing binary.
//
// Subcommands:
//
//	worker   — run the polling worker pool with all handlers registered
//	migrate  — run pending database migrations and exit
//	enqueue  — insert a single task onto a queue (operator tooling)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/hollis/wellspring/internal/cache"
	"github.com/hollis/wellspring/internal/config"
	"github.com/hollis/wellspring/internal/insight"
	"github.com/hollis/wellspring/internal/labs"
	"github.com/hollis/wellspring/internal/notify"
	"github.com/hollis/wellspring/internal/scheduler"
	"github.com/hollis/wellspring/internal/store"
	"github.com/hollis/wellspring/internal/task"
	"github.com/hollis/wellspring/internal/wearable"
	"github.com/hollis/wellspring/internal/worker"
	"github.com/hollis/wellspring/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "wellspring",
		Short: "Wellspring — background task processing for wellness coaching",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the polling worker pool",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	client := notify.BuildSafeClient()
	views := cache.NewViews(1024, 15*time.Minute)

	pool := worker.New(st, worker.Config{
		PollInterval: cfg.PollInterval,
		ErrorBackoff: cfg.ErrorBackoff,
	})

	// Insight generation: providers in priority order, first success wins.
	providers := buildProviders(cfg, client)
	if len(providers) == 0 {
		slog.Warn("no insight providers configured; insight tasks will fail")
	}
	register(pool, cfg, insight.Queue, insight.NewHandler(st, providers, views).Handle)

	// Notification delivery with dead-letter escalation.
	sender := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	})
	var alerter notify.Alerter = notify.LogAlerter{}
	if cfg.OpsMailbox != "" {
		alerter = notify.NewEmailAlerter(sender, cfg.OpsMailbox)
	}
	register(pool, cfg, notify.Queue, notify.NewHandler(st, sender, client, alerter).Handle)

	// Wearable sync. The provider API client lives outside this binary; the
	// log syncer records what would have synced until one is wired in.
	register(pool, cfg, wearable.Queue, wearable.NewHandler(st, logSyncer{}).Handle)

	// Lab-report ingestion.
	if cfg.LabArtifactKey != "" {
		cipher, err := labs.NewCipher(cfg.LabArtifactKey)
		if err != nil {
			return fmt.Errorf("lab artifact key: %w", err)
		}
		objects, err := labs.NewDirStore(cfg.LabArtifactDir)
		if err != nil {
			return fmt.Errorf("lab artifact store: %w", err)
		}
		var assist labs.Extractor
		if len(providers) > 0 {
			assist = providers[len(providers)-1]
		}
		register(pool, cfg, labs.Queue, labs.NewHandler(st, objects, cipher, assist).Handle)
	} else {
		slog.Warn("LAB_ARTIFACT_KEY not set; lab ingestion queue disabled")
	}

	// Periodic wearable sweep producer. Until a sync-roster source is wired
	// in the sweep is a no-op; the schedule and stagger logic still run.
	sweepEnq := task.NewEnqueuer(st, wearable.Queue, wearable.DefaultPolicy())
	sweeper := wearable.NewSweeper(emptySource{}, sweepEnq, cfg.SweepStaggerWindow)
	sched := scheduler.New()
	if err := sched.Add(cfg.SweepCronSpec, "wearable_sweep", sweeper.Run); err != nil {
		return fmt.Errorf("schedule wearable sweep: %w", err)
	}
	go sched.Start(ctx)

	// Start would return immediately with nothing registered, taking the
	// cron scheduler down with it.
	if len(pool.Queues()) == 0 {
		return fmt.Errorf("WORKER_QUEUES=%q matches no servable queue", cfg.Queues)
	}

	slog.Info("worker started", "queues", pool.Queues())
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight tasks
	return nil
}

// register adds a handler to the pool unless WORKER_QUEUES excludes its queue.
func register(pool *worker.Pool, cfg *config.Config, queue string, h worker.Handler) {
	if cfg.Queues != "" {
		serve := false
		for _, q := range strings.Split(cfg.Queues, ",") {
			if strings.TrimSpace(q) == queue {
				serve = true
				break
			}
		}
		if !serve {
			return
		}
	}
	pool.Register(queue, h)
}

func buildProviders(cfg *config.Config, client *http.Client) []insight.Provider {
	var providers []insight.Provider
	if cfg.InsightPrimaryURL != "" {
		providers = append(providers, insight.NewChatProvider("primary", client, insight.ChatConfig{
			URL:         cfg.InsightPrimaryURL,
			APIKey:      cfg.InsightPrimaryKey,
			Model:       cfg.InsightPrimaryModel,
			CallsPerSec: cfg.InsightCallsPerSec,
		}))
	}
	if cfg.InsightFallbackURL != "" {
		providers = append(providers, insight.NewChatProvider("fallback", client, insight.ChatConfig{
			URL:         cfg.InsightFallbackURL,
			APIKey:      cfg.InsightFallbackKey,
			Model:       cfg.InsightFallbackModel,
			CallsPerSec: cfg.InsightCallsPerSec,
		}))
	}
	return providers
}

// logSyncer stands in for the wearable provider API client.
type logSyncer struct{}

func (logSyncer) Sync(_ context.Context, userID uuid.UUID, externalUserID, reason string) error {
	slog.Info("wearable sync requested",
		"user_id", userID,
		"external_user_id", externalUserID,
		"reason", reason,
	)
	return nil
}

// emptySource yields no due participants; the connection roster lives in the
// account service, not this binary.
type emptySource struct{}

func (emptySource) DueForSync(context.Context, time.Time) ([]wearable.Payload, error) {
	return nil, nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		queue   string
		name    string
		payload string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a single task onto a queue (operator tooling)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			policy, ok := queuePolicies()[queue]
			if !ok {
				return fmt.Errorf("unknown queue %q", queue)
			}
			if !json.Valid([]byte(payload)) {
				return errors.New("--payload must be valid JSON")
			}

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			enq := task.NewEnqueuer(store.New(db), queue, policy)
			var opts []task.Option
			if name != "" {
				opts = append(opts, task.WithTaskName(name))
			}
			taskName, err := enq.Enqueue(cmd.Context(), json.RawMessage(payload), opts...)
			if err != nil {
				return err
			}
			slog.Info("task enqueued", "queue", queue, "name", taskName)
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue name (required)")
	cmd.Flags().StringVar(&name, "name", "", "explicit task name (default: generated)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload for the handler")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func queuePolicies() map[string]task.RetryPolicy {
	return map[string]task.RetryPolicy{
		insight.Queue:  insight.DefaultPolicy(),
		notify.Queue:   notify.DefaultPolicy(),
		wearable.Queue: wearable.DefaultPolicy(),
		labs.Queue:     labs.DefaultPolicy(),
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool with statement timeout, pool sizing,
// and PgBouncer-compatible query mode applied.
//
// Retries up to 10 times with linear backoff to handle Docker Compose startup
// race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for. This catches
	// deployments where migrations haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `wellspring migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
