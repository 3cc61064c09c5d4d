// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-activity-dashboard/internal/api"
	"github-activity-dashboard/internal/config"
	"github-activity-dashboard/internal/github"
	"github-activity-dashboard/internal/metrics"
	"github-activity-dashboard/internal/notify"
	"github-activity-dashboard/internal/store"
	"github-activity-dashboard/internal/streak"
	"github-activity-dashboard/internal/sweep"
	"github-activity-dashboard/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	stores := store.NewStores(dbpool)
	ghClient := github.NewClient(cfg.GithubToken, logger)
	appMetrics := metrics.New()

	var transport notify.Transport
	if cfg.SMTPConfigured() {
		transport, err = notify.NewSMTPTransport(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		if err != nil {
			return fmt.Errorf("failed to create SMTP transport: %w", err)
		}
		logger.Info("Email notifications enabled", "host", cfg.SMTPHost, "from", cfg.SMTPFrom)
	} else {
		transport = notify.NewLogTransport(logger)
		logger.Warn("SMTP not configured, notifications will only be logged")
	}

	dispatcher := notify.NewDispatcher(
		stores.Users(),
		stores.Preferences(),
		stores.Deliveries(),
		transport,
		appMetrics,
		cfg.DispatchTimeout,
		logger,
	)
	streakEngine := streak.NewEngine(stores.Streaks(), cfg.RiskCutoffHour, logger)
	failureEngine := workflow.NewEngine(cfg.FlakyFlipThreshold)

	sweeper := sweep.NewService(
		ghClient,
		&sweep.Stores{
			Users:       stores.Users(),
			Preferences: stores.Preferences(),
			Streaks:     stores.Streaks(),
		},
		streakEngine,
		failureEngine,
		dispatcher,
		appMetrics,
		sweep.Options{
			Interval:     cfg.SweepInterval,
			Concurrency:  cfg.SweepConcurrency,
			ReposPerUser: cfg.SweepReposPerUser,
			LookbackDays: cfg.LookbackDays,
		},
		logger,
	)

	// 6. Start the sweep scheduler in a separate goroutine
	go sweeper.Start(ctx)

	// 7. Start the HTTP server
	router := api.NewRouter(api.RouterConfig{
		Users:               stores.Users(),
		Streaks:             stores.Streaks(),
		Preferences:         stores.Preferences(),
		Sweeper:             sweeper,
		Notifications:       dispatcher,
		Registry:            appMetrics.Registry(),
		CronSecret:          cfg.CronSecret,
		DefaultLookbackDays: cfg.LookbackDays,
		Logger:              logger,
	})
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 8. Wait for shutdown signal or server failure
	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
		logger.Info("Shutdown signal received. Exiting.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	return nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
