//go:build integration

// cmd/service/integration_test.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github-activity-dashboard/internal/github"
	"github-activity-dashboard/internal/metrics"
	"github-activity-dashboard/internal/model"
	"github-activity-dashboard/internal/notify"
	"github-activity-dashboard/internal/store"
	"github-activity-dashboard/internal/streak"
	"github-activity-dashboard/internal/sweep"
	"github-activity-dashboard/internal/workflow"
)

func setupTestDatabase(ctx context.Context, t *testing.T) (*pgxpool.Pool, func()) {
	// Start a postgres container
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	// Get the connection string
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	err = m.Up()
	require.NoError(t, err)

	// Create a connection pool
	dbpool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	// Teardown function to be called by the test
	teardown := func() {
		dbpool.Close()
		err := pgContainer.Terminate(ctx)
		require.NoError(t, err)
	}

	return dbpool, teardown
}

func TestSweep_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool, teardown := setupTestDatabase(ctx, t)
	defer teardown()

	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")
	twoDaysAgo := now.AddDate(0, 0, -2).Format("2006-01-02")
	runTime := now.Add(-2 * time.Hour).Format(time.RFC3339)
	earlierRunTime := now.Add(-8 * time.Hour).Format(time.RFC3339)

	// Mock GitHub: an active streak that stalls today, one failing workflow,
	// one open Dependabot alert.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/graphql":
			fmt.Fprintf(w, `{"data": {"user": {"contributionsCollection": {"contributionCalendar": {
				"totalContributions": 3,
				"weeks": [{"contributionDays": [
					{"date": %q, "contributionCount": 2},
					{"date": %q, "contributionCount": 1},
					{"date": %q, "contributionCount": 0}
				]}]
			}}}}}`, twoDaysAgo, yesterday, today)
		case r.URL.Path == "/api/v3/users/octo/repos":
			fmt.Fprint(w, `[{"name": "widgets", "owner": {"login": "octo"}, "archived": false}]`)
		case r.URL.Path == "/api/v3/repos/octo/widgets/actions/runs":
			fmt.Fprintf(w, `{"total_count": 2, "workflow_runs": [
				{"id": 2, "workflow_id": 7, "name": "CI", "status": "completed", "conclusion": "failure", "head_branch": "main", "html_url": "https://github.com/octo/widgets/actions/runs/2", "created_at": %q, "updated_at": %q},
				{"id": 1, "workflow_id": 7, "name": "CI", "status": "completed", "conclusion": "success", "head_branch": "main", "html_url": "https://github.com/octo/widgets/actions/runs/1", "created_at": %q, "updated_at": %q}
			]}`, runTime, runTime, earlierRunTime, earlierRunTime)
		case r.URL.Path == "/api/v3/repos/octo/widgets/dependabot/alerts":
			fmt.Fprint(w, `[{"number": 12, "state": "open", "html_url": "https://github.com/octo/widgets/security/dependabot/12",
				"security_advisory": {"severity": "high", "summary": "Prototype pollution in lodash"}}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ghClient := github.NewClient("", logger)
	require.NoError(t, ghClient.UseEnterpriseEndpoints(server.URL, server.URL+"/graphql"))

	stores := store.NewStores(dbpool)
	user := &model.User{ID: "it-user", Login: "octo", Email: "octo@example.com", Timezone: "UTC"}
	require.NoError(t, stores.Users().Create(ctx, user))

	appMetrics := metrics.New()
	transport := notify.NewLogTransport(logger)
	dispatcher := notify.NewDispatcher(
		stores.Users(), stores.Preferences(), stores.Deliveries(),
		transport, appMetrics, 5*time.Second, logger,
	)
	sweeper := sweep.NewService(
		ghClient,
		&sweep.Stores{Users: stores.Users(), Preferences: stores.Preferences(), Streaks: stores.Streaks()},
		// Cutoff hour 0 keeps the at-risk check independent of when the test runs.
		streak.NewEngine(stores.Streaks(), 0, logger),
		workflow.NewEngine(3),
		dispatcher,
		appMetrics,
		sweep.Options{Concurrency: 2, ReposPerUser: 5, LookbackDays: 7},
		logger,
	)

	// --- ACT ---
	result := sweeper.Run(ctx)

	// --- ASSERT ---
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Updated)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, 3, result.Entries[0].NotificationsSent, "streak risk, build failure, security alert")

	rec, err := stores.Streaks().Get(ctx, "it-user")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.CurrentStreak)
	assert.Equal(t, 2, rec.LongestStreak)
	assert.True(t, rec.IsAtRisk)
	assert.Equal(t, int64(1), rec.Version)
	require.NotNil(t, rec.LastContributionDate)
	assert.Equal(t, yesterday, rec.LastContributionDate.Format("2006-01-02"))

	require.Len(t, transport.Messages(), 3)

	// A second cycle within the same day: the delivery markers suppress every
	// repeat, and the CAS update bumps the record version.
	result2 := sweeper.Run(ctx)

	assert.Equal(t, 1, result2.Successful)
	assert.Equal(t, 0, result2.NotificationsSent, "same-day repeats are deduplicated")
	assert.Len(t, transport.Messages(), 3)

	rec2, err := stores.Streaks().Get(ctx, "it-user")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec2.Version)
	assert.Equal(t, 2, rec2.CurrentStreak)
}
