// internal/sweep/service.go
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github-activity-dashboard/internal/apperr"
	"github-activity-dashboard/internal/metrics"
	"github-activity-dashboard/internal/model"
	"github-activity-dashboard/internal/notify"
	"github-activity-dashboard/internal/store"
	"github-activity-dashboard/internal/streak"
	"github-activity-dashboard/internal/workflow"
)

// How much calendar history to request. A year covers the historical scan a
// user's first evaluation performs.
const calendarWindowDays = 365

// Gateway is the slice of the GitHub client the sweep consumes.
type Gateway interface {
	FetchContributionCalendar(ctx context.Context, login string, since, until time.Time) ([]model.ContributionDay, error)
	ListRecentRepositories(ctx context.Context, login string, limit int) ([]model.RepoRef, error)
	FetchWorkflowRuns(ctx context.Context, owner, name string, since time.Time) ([]model.WorkflowRun, error)
	FetchSecurityAlerts(ctx context.Context, owner, name string) ([]model.SecurityAlert, error)
}

// Options carries the sweep cadence and sizing knobs from config.
type Options struct {
	Interval     time.Duration
	Concurrency  int
	ReposPerUser int
	LookbackDays int
}

// Service orchestrates evaluation pipelines: per-user streak and CI checks,
// notification dispatch, and the scheduled all-users sweep.
type Service struct {
	gateway    Gateway
	users      store.UserStore
	prefs      store.PreferenceStore
	streaks    store.StreakStore
	engine     *streak.Engine
	failures   *workflow.Engine
	dispatcher *notify.Dispatcher
	metrics    *metrics.Metrics
	opts       Options
	logger     *slog.Logger
}

// NewService creates a new Service instance.
func NewService(
	gateway Gateway,
	stores *Stores,
	engine *streak.Engine,
	failures *workflow.Engine,
	dispatcher *notify.Dispatcher,
	m *metrics.Metrics,
	opts Options,
	logger *slog.Logger,
) *Service {
	return &Service{
		gateway:    gateway,
		users:      stores.Users,
		prefs:      stores.Preferences,
		streaks:    stores.Streaks,
		engine:     engine,
		failures:   failures,
		dispatcher: dispatcher,
		metrics:    m,
		opts:       opts,
		logger:     logger,
	}
}

// Stores groups the persistence interfaces the sweep needs.
type Stores struct {
	Users       store.UserStore
	Preferences store.PreferenceStore
	Streaks     store.StreakStore
}

// UserEntry is one user's outcome within a sweep.
type UserEntry struct {
	UserID            string `json:"user_id"`
	Login             string `json:"login"`
	Updated           bool   `json:"updated"`
	NotificationsSent int    `json:"notifications_sent"`
	Failed            bool   `json:"failed"`
	Retryable         bool   `json:"retryable,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Result aggregates one full sweep cycle.
type Result struct {
	StartedAt         time.Time   `json:"started_at"`
	DurationSeconds   float64     `json:"duration_seconds"`
	Processed         int         `json:"processed"`
	Successful        int         `json:"successful"`
	Updated           int         `json:"updated"`
	NotificationsSent int         `json:"notifications_sent"`
	Errors            []string    `json:"errors,omitempty"`
	Entries           []UserEntry `json:"entries"`
}

// Start begins the periodic sweep loop. A non-positive interval disables
// scheduling; sweeps then only run via the authorized HTTP trigger.
func (s *Service) Start(ctx context.Context) {
	if s.opts.Interval <= 0 {
		s.logger.Info("Scheduled sweeps disabled")
		return
	}
	s.logger.Info("Starting sweep scheduler", "interval", s.opts.Interval.String(), "concurrency", s.opts.Concurrency)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Run(ctx) // Initial sweep

	for {
		select {
		case <-ticker.C:
			s.Run(ctx)
		case <-ctx.Done():
			s.logger.Info("Sweep scheduler shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Run processes every known user concurrently under the configured worker
// limit. One user's failure never aborts the others; their entries report
// per-user outcomes and the aggregate counts summarize the cycle.
func (s *Service) Run(ctx context.Context) *Result {
	started := time.Now()
	result := &Result{StartedAt: started.UTC()}

	users, err := s.users.List(ctx)
	if err != nil {
		s.logger.Error("Sweep aborted: cannot list users", "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("list users: %v", err))
		return result
	}

	s.logger.Info("Starting sweep cycle", "users", len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	var mu sync.Mutex
	for _, user := range users {
		user := user
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			entry := s.sweepUser(gctx, user, time.Now())
			mu.Lock()
			result.Entries = append(result.Entries, entry)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for _, entry := range result.Entries {
		result.Processed++
		result.NotificationsSent += entry.NotificationsSent
		if entry.Updated {
			result.Updated++
		}
		if entry.Failed {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", entry.Login, entry.Error))
			s.metrics.RecordSweepUser("failed")
		} else {
			result.Successful++
			s.metrics.RecordSweepUser("success")
		}
	}

	duration := time.Since(started)
	result.DurationSeconds = duration.Seconds()
	s.metrics.RecordSweep(duration)
	s.logger.Info("Sweep cycle finished",
		"processed", result.Processed,
		"successful", result.Successful,
		"updated", result.Updated,
		"notifications_sent", result.NotificationsSent,
		"duration", duration.String())
	return result
}

// sweepUser runs one user's full pipeline: concurrent calendar and repo
// fetches, streak evaluation, CI failure detection, security alerts, and the
// Sunday digest. Upstream rate limits and outages abort the user retryably
// with prior state untouched.
func (s *Service) sweepUser(ctx context.Context, user model.User, now time.Time) UserEntry {
	entry := UserEntry{UserID: user.ID, Login: user.Login}
	logger := s.logger.With("user_id", user.ID, "login", user.Login)
	logger.Info("Sweeping user")

	var (
		calendar []model.ContributionDay
		repos    []model.RepoRef
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		calendar, err = s.gateway.FetchContributionCalendar(gctx, user.Login, now.AddDate(0, 0, -calendarWindowDays), now)
		return err
	})
	g.Go(func() error {
		var err error
		repos, err = s.gateway.ListRecentRepositories(gctx, user.Login, s.opts.ReposPerUser)
		return err
	})
	if err := g.Wait(); err != nil {
		return s.failEntry(entry, logger, "fetch", err)
	}

	rec, notificationNeeded, err := s.engine.Evaluate(ctx, user, calendar, now)
	s.metrics.RecordEvaluation()
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		// An overlapping evaluation won the write; its dispatch decision
		// stands and this cycle moves on to the CI checks.
		logger.Info("Skipping streak persist, concurrent evaluation won")
	case err != nil:
		return s.failEntry(entry, logger, "streak", err)
	default:
		entry.Updated = true
		if notificationNeeded {
			event := model.NewNotificationEvent(user.ID, model.StreakRiskPayload{
				Login:         user.Login,
				CurrentStreak: rec.CurrentStreak,
				HoursLeft:     hoursUntilMidnight(now.In(user.Location())),
			}, now)
			if s.dispatcher.Dispatch(ctx, event).Delivered() {
				entry.NotificationsSent++
			}
		}
	}

	failureCount := 0
	var repoErrs []string
	for _, repo := range repos {
		events, err := s.repoFailures(ctx, repo, now)
		if err != nil {
			if apperr.IsRetryable(err) {
				return s.failEntry(entry, logger, "workflow runs "+repo.String(), err)
			}
			logger.Warn("Skipping repository after fetch error", "repo", repo.String(), "error", err)
			repoErrs = append(repoErrs, fmt.Sprintf("%s: %v", repo.String(), err))
			continue
		}
		for _, ev := range events {
			if ev.Severity == model.SeverityFlaky {
				logger.Info("Suppressing flaky workflow alert", "repo", ev.Repository, "workflow", ev.WorkflowName, "flips", ev.FlipCount)
				continue
			}
			failureCount++
			event := model.NewNotificationEvent(user.ID, model.BuildFailurePayload{
				Repository:   ev.Repository,
				WorkflowID:   ev.WorkflowID,
				WorkflowName: ev.WorkflowName,
				Branch:       ev.Branch,
				Severity:     ev.Severity,
				FailureCount: ev.ConsecutiveFailureCount,
				RunURL:       ev.RunURL,
			}, now)
			if s.dispatcher.Dispatch(ctx, event).Delivered() {
				entry.NotificationsSent++
			}
		}
	}

	openAlerts := 0
	for _, repo := range repos {
		alerts, err := s.gateway.FetchSecurityAlerts(ctx, repo.Owner, repo.Name)
		if err != nil {
			if apperr.IsRetryable(err) {
				return s.failEntry(entry, logger, "security alerts "+repo.String(), err)
			}
			logger.Warn("Skipping security alerts after fetch error", "repo", repo.String(), "error", err)
			continue
		}
		openAlerts += len(alerts)
		for _, alert := range alerts {
			event := model.NewNotificationEvent(user.ID, model.SecurityAlertPayload{
				Repository: alert.Repository,
				Number:     alert.Number,
				Severity:   alert.Severity,
				Summary:    alert.Summary,
				HTMLURL:    alert.HTMLURL,
			}, now)
			if s.dispatcher.Dispatch(ctx, event).Delivered() {
				entry.NotificationsSent++
			}
		}
	}

	if sent := s.maybeSendDigest(ctx, user, rec, calendar, failureCount, openAlerts, now); sent {
		entry.NotificationsSent++
	}

	if len(repoErrs) > 0 {
		entry.Error = strings.Join(repoErrs, "; ")
	}
	logger.Info("User sweep finished", "updated", entry.Updated, "notifications_sent", entry.NotificationsSent)
	return entry
}

// maybeSendDigest dispatches the weekly summary on Sundays for users who
// opted into weekly email. Dedup by ISO week makes re-runs idempotent.
func (s *Service) maybeSendDigest(ctx context.Context, user model.User, rec *model.StreakRecord, calendar []model.ContributionDay, failureCount, openAlerts int, now time.Time) bool {
	local := now.In(user.Location())
	if local.Weekday() != time.Sunday {
		return false
	}

	prefs, err := s.prefs.Get(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		defaults := model.DefaultPreferences(user.ID)
		prefs = &defaults
	} else if err != nil {
		s.logger.Warn("Skipping digest, preferences unavailable", "user_id", user.ID, "error", err)
		return false
	}
	if prefs.EmailFrequency != model.FrequencyWeekly {
		return false
	}

	weekStart := startOfISOWeek(local)
	// Calendar days are keyed at UTC midnight; compare civil dates, not
	// instants, so the user's offset cannot shave Monday off the window.
	cutoff := time.Date(weekStart.Year(), weekStart.Month(), weekStart.Day(), 0, 0, 0, 0, time.UTC)
	contributions := 0
	for _, d := range calendar {
		if !d.Date.Before(cutoff) {
			contributions += d.Count
		}
	}
	currentStreak := 0
	if rec != nil {
		currentStreak = rec.CurrentStreak
	}

	event := model.NewNotificationEvent(user.ID, model.WeeklyDigestPayload{
		Login:          user.Login,
		WeekStart:      weekStart,
		Contributions:  contributions,
		CurrentStreak:  currentStreak,
		FailureCount:   failureCount,
		OpenAlertCount: openAlerts,
	}, now)
	return s.dispatcher.Dispatch(ctx, event).Delivered()
}

// EvaluateUser runs the interactive single-user streak path: fetch the
// calendar, evaluate, dispatch the risk notification when due.
func (s *Service) EvaluateUser(ctx context.Context, userID string) (*model.StreakRecord, bool, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	now := time.Now()

	calendar, err := s.gateway.FetchContributionCalendar(ctx, user.Login, now.AddDate(0, 0, -calendarWindowDays), now)
	if err != nil {
		s.recordUpstreamError(err)
		return nil, false, err
	}

	rec, notificationNeeded, err := s.engine.Evaluate(ctx, *user, calendar, now)
	s.metrics.RecordEvaluation()
	if err != nil {
		return nil, false, err
	}

	sent := false
	if notificationNeeded {
		event := model.NewNotificationEvent(user.ID, model.StreakRiskPayload{
			Login:         user.Login,
			CurrentStreak: rec.CurrentStreak,
			HoursLeft:     hoursUntilMidnight(now.In(user.Location())),
		}, now)
		sent = s.dispatcher.Dispatch(ctx, event).Delivered()
	}
	return rec, sent, nil
}

// RepositoryFailures fetches the repo's recent runs and derives failure
// events over the lookback window.
func (s *Service) RepositoryFailures(ctx context.Context, owner, name string, lookbackDays int) ([]model.FailureEvent, error) {
	now := time.Now()
	runs, err := s.gateway.FetchWorkflowRuns(ctx, owner, name, now.AddDate(0, 0, -lookbackDays))
	if err != nil {
		s.recordUpstreamError(err)
		return nil, err
	}
	return s.failures.DetectFailures(owner, name, runs, lookbackDays, now), nil
}

// RepositoryMetrics fetches the repo's recent runs and aggregates them over
// the lookback window.
func (s *Service) RepositoryMetrics(ctx context.Context, owner, name string, lookbackDays int) (model.RepoMetrics, error) {
	now := time.Now()
	runs, err := s.gateway.FetchWorkflowRuns(ctx, owner, name, now.AddDate(0, 0, -lookbackDays))
	if err != nil {
		s.recordUpstreamError(err)
		return model.RepoMetrics{}, err
	}
	return s.failures.CalculateMetrics(owner, name, runs, lookbackDays, now), nil
}

// Overview assembles the dashboard view for one user: persisted streak state
// plus per-repository CI health over the configured lookback.
func (s *Service) Overview(ctx context.Context, userID string) (*Overview, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	overview := &Overview{User: *user}
	rec, err := s.streaks.Get(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, &apperr.StorageError{Op: "overview.streak", Err: err}
	}
	overview.Streak = rec

	repos, err := s.gateway.ListRecentRepositories(ctx, user.Login, s.opts.ReposPerUser)
	if err != nil {
		s.recordUpstreamError(err)
		return nil, err
	}

	now := time.Now()
	for _, repo := range repos {
		runs, err := s.gateway.FetchWorkflowRuns(ctx, repo.Owner, repo.Name, now.AddDate(0, 0, -s.opts.LookbackDays))
		if err != nil {
			if apperr.IsRetryable(err) {
				s.recordUpstreamError(err)
				return nil, err
			}
			s.logger.Warn("Skipping repository in overview", "repo", repo.String(), "error", err)
			continue
		}
		alerts, err := s.gateway.FetchSecurityAlerts(ctx, repo.Owner, repo.Name)
		if err != nil {
			if apperr.IsRetryable(err) {
				s.recordUpstreamError(err)
				return nil, err
			}
			s.logger.Warn("Skipping security alerts in overview", "repo", repo.String(), "error", err)
		}
		overview.Repositories = append(overview.Repositories, RepoOverview{
			Repository: repo.String(),
			Metrics:    s.failures.CalculateMetrics(repo.Owner, repo.Name, runs, s.opts.LookbackDays, now),
			Failures:   s.failures.DetectFailures(repo.Owner, repo.Name, runs, s.opts.LookbackDays, now),
			Alerts:     alerts,
		})
	}
	return overview, nil
}

// Overview is the per-user dashboard aggregate.
type Overview struct {
	User         model.User
	Streak       *model.StreakRecord
	Repositories []RepoOverview
}

// RepoOverview pairs a repository with its window metrics, open failures,
// and open security alerts.
type RepoOverview struct {
	Repository string
	Metrics    model.RepoMetrics
	Failures   []model.FailureEvent
	Alerts     []model.SecurityAlert
}

func (s *Service) repoFailures(ctx context.Context, repo model.RepoRef, now time.Time) ([]model.FailureEvent, error) {
	runs, err := s.gateway.FetchWorkflowRuns(ctx, repo.Owner, repo.Name, now.AddDate(0, 0, -s.opts.LookbackDays))
	if err != nil {
		s.recordUpstreamError(err)
		return nil, err
	}
	return s.failures.DetectFailures(repo.Owner, repo.Name, runs, s.opts.LookbackDays, now), nil
}

// failEntry classifies err, records it on the entry, and leaves prior
// persisted state untouched.
func (s *Service) failEntry(entry UserEntry, logger *slog.Logger, stage string, err error) UserEntry {
	s.recordUpstreamError(err)
	entry.Failed = true
	entry.Retryable = apperr.IsRetryable(err)
	entry.Error = fmt.Sprintf("%s: %v", stage, err)
	logger.Error("User sweep failed", "stage", stage, "retryable", entry.Retryable, "error", err)
	return entry
}

func (s *Service) recordUpstreamError(err error) {
	switch {
	case apperr.IsRateLimited(err):
		s.metrics.RecordUpstreamError("rate_limited")
	case apperr.IsUnavailable(err):
		s.metrics.RecordUpstreamError("unavailable")
	case apperr.IsAuthExpired(err):
		s.metrics.RecordUpstreamError("auth_expired")
	case apperr.IsMalformed(err):
		s.metrics.RecordUpstreamError("malformed_data")
	}
}

func hoursUntilMidnight(local time.Time) int {
	return 24 - local.Hour()
}

// startOfISOWeek returns local midnight of the Monday beginning the week
// containing t.
func startOfISOWeek(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday closes the ISO week
	}
	y, m, d := t.AddDate(0, 0, 1-weekday).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
