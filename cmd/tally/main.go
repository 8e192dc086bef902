// Command tally is the tally server binary.
//
// Subcommands:
//
//	serve          — HTTP server + embedded queue runner (default for production)
//	worker         — standalone queue runner only (scaled deployments)
//	migrate        — run pending database migrations and exit
//	seed-checkins  — enqueue keeper-test check-ins for employees past tenure
//	recalc-comp    — recompute and persist base salaries for all employees
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/tallyhr/tally/internal/api"
	"github.com/tallyhr/tally/internal/chat"
	"github.com/tallyhr/tally/internal/comp"
	"github.com/tallyhr/tally/internal/config"
	"github.com/tallyhr/tally/internal/keeper"
	"github.com/tallyhr/tally/internal/queue"
	"github.com/tallyhr/tally/internal/store"
	"github.com/tallyhr/tally/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "tally",
		Short: "tally — compensation and HR administration backend",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		seedCheckInsCmd(),
		recalcCompCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and embedded queue runner",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
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
	runner := newRunner(st, cfg)

	// Embedded runner: polls until ctx is cancelled, at which point in-flight
	// jobs commit and the goroutine exits, before or alongside HTTP shutdown.
	go runner.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context

	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout left to per-handler timeouts
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(st, runner, cfg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone queue runner (no HTTP server)",
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

	runner := newRunner(store.New(db), cfg)

	slog.Info("worker started")
	runner.Start(ctx) // blocks until ctx cancelled
	return nil
}

// newRunner builds the queue runner with the keeper-test handlers registered.
func newRunner(st *store.Store, cfg *config.Config) *queue.Runner {
	runner := queue.New(st, queue.Config{
		BatchSize:      cfg.ClaimBatchSize,
		PollInterval:   cfg.PollInterval,
		StaleThreshold: cfg.StaleThreshold,
	})
	messenger := chat.NewClient(cfg.ChatBaseURL, cfg.ChatBotToken, &http.Client{
		Timeout: 10 * time.Second,
	})
	keeper.NewHandlers(messenger, keeper.Config{
		ResultsDelay:  cfg.KeeperResultsDelay,
		ReminderEvery: cfg.KeeperReminderEvery,
	}).Register(runner)
	return runner
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

// ── seed-checkins ─────────────────────────────────────────────────────────────

func seedCheckInsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-checkins",
		Short: "Enqueue keeper-test check-ins for employees past their tenure milestone",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			n, err := keeper.NewScheduler(store.New(db)).
				ScheduleCheckIns(cmd.Context(), cfg.CheckInTenureDays)
			if err != nil {
				return err
			}
			slog.Info("check-ins scheduled", "count", n, "tenure_days", cfg.CheckInTenureDays)
			return nil
		},
	}
}

// ── recalc-comp ───────────────────────────────────────────────────────────────

func recalcCompCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalc-comp",
		Short: "Recompute and persist base salaries for all employees",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			st := store.New(db)
			employees, err := st.ListEmployees(cmd.Context())
			if err != nil {
				return err
			}
			updated := 0
			for _, e := range employees {
				salary := comp.Salary(e.BenchmarkSalary, e.LocationFactor, e.Level, e.Step)
				if err := st.UpdateEmployeeComp(cmd.Context(), e.ID, salary); err != nil {
					slog.Error("comp update failed", "employee_id", e.ID, "error", err)
					continue
				}
				updated++
			}
			slog.Info("comp recalculated", "updated", updated, "total", len(employees))
			return nil
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool. Retries up to 10 times with linear
// backoff to handle the Docker Compose startup race where Postgres is not
// immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
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
		slog.Warn("schema version mismatch — run `tally migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 2

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
