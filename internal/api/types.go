// internal/api/types.go
package api

import (
	"time"

	"github-activity-dashboard/internal/model"
	"github-activity-dashboard/internal/sweep"
)

// Wire shapes are kept separate from the domain structs so storage changes
// never leak into the JSON surface.

type createUserRequest struct {
	Login    string `json:"login"`
	Email    string `json:"email"`
	Timezone string `json:"timezone"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Login     string    `json:"login"`
	Email     string    `json:"email"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toUserResponse(u model.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Login:     u.Login,
		Email:     u.Email,
		Timezone:  u.Timezone,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

type streakResponse struct {
	UserID               string    `json:"user_id"`
	CurrentStreak        int       `json:"current_streak"`
	LongestStreak        int       `json:"longest_streak"`
	LastContributionDate *string   `json:"last_contribution_date"`
	LastEvaluatedAt      time.Time `json:"last_evaluated_at"`
	IsAtRisk             bool      `json:"is_at_risk"`
	Version              int64     `json:"version"`
}

func toStreakResponse(rec model.StreakRecord) streakResponse {
	resp := streakResponse{
		UserID:          rec.UserID,
		CurrentStreak:   rec.CurrentStreak,
		LongestStreak:   rec.LongestStreak,
		LastEvaluatedAt: rec.LastEvaluatedAt,
		IsAtRisk:        rec.IsAtRisk,
		Version:         rec.Version,
	}
	if rec.LastContributionDate != nil {
		d := rec.LastContributionDate.Format("2006-01-02")
		resp.LastContributionDate = &d
	}
	return resp
}

type evaluateResponse struct {
	Streak           streakResponse `json:"streak"`
	NotificationSent bool           `json:"notification_sent"`
}

type failureEventResponse struct {
	Repository          string    `json:"repository"`
	WorkflowID          int64     `json:"workflow_id"`
	WorkflowName        string    `json:"workflow_name"`
	Branch              string    `json:"branch"`
	FirstFailureRun     int64     `json:"first_failure_run"`
	RunURL              string    `json:"run_url"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FlipCount           int       `json:"flip_count"`
	DetectedAt          time.Time `json:"detected_at"`
	Severity            string    `json:"severity"`
}

func toFailureEventResponses(events []model.FailureEvent) []failureEventResponse {
	out := make([]failureEventResponse, len(events))
	for i, ev := range events {
		out[i] = failureEventResponse{
			Repository:          ev.Repository,
			WorkflowID:          ev.WorkflowID,
			WorkflowName:        ev.WorkflowName,
			Branch:              ev.Branch,
			FirstFailureRun:     ev.FirstFailureRun,
			RunURL:              ev.RunURL,
			ConsecutiveFailures: ev.ConsecutiveFailureCount,
			FlipCount:           ev.FlipCount,
			DetectedAt:          ev.DetectedAt,
			Severity:            string(ev.Severity),
		}
	}
	return out
}

type workflowStatsResponse struct {
	WorkflowID  int64   `json:"workflow_id"`
	Name        string  `json:"name"`
	TotalRuns   int     `json:"total_runs"`
	Failures    int     `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
}

type repoMetricsResponse struct {
	Repository             string                          `json:"repository"`
	TotalRuns              int                             `json:"total_runs"`
	SuccessRate            float64                         `json:"success_rate"`
	AverageDurationSeconds float64                         `json:"average_duration_seconds"`
	Workflows              map[int64]workflowStatsResponse `json:"workflows"`
}

func toRepoMetricsResponse(m model.RepoMetrics) repoMetricsResponse {
	resp := repoMetricsResponse{
		Repository:             m.Repository,
		TotalRuns:              m.TotalRuns,
		SuccessRate:            m.SuccessRate,
		AverageDurationSeconds: m.AverageDurationSeconds,
		Workflows:              make(map[int64]workflowStatsResponse, len(m.FailuresByWorkflow)),
	}
	for id, stats := range m.FailuresByWorkflow {
		resp.Workflows[id] = workflowStatsResponse{
			WorkflowID:  stats.WorkflowID,
			Name:        stats.Name,
			TotalRuns:   stats.TotalRuns,
			Failures:    stats.Failures,
			SuccessRate: stats.SuccessRate,
		}
	}
	return resp
}

type securityAlertResponse struct {
	Repository string    `json:"repository"`
	Number     int       `json:"number"`
	Severity   string    `json:"severity"`
	Summary    string    `json:"summary"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
}

func toSecurityAlertResponses(alerts []model.SecurityAlert) []securityAlertResponse {
	out := make([]securityAlertResponse, len(alerts))
	for i, a := range alerts {
		out[i] = securityAlertResponse{
			Repository: a.Repository,
			Number:     a.Number,
			Severity:   a.Severity,
			Summary:    a.Summary,
			HTMLURL:    a.HTMLURL,
			CreatedAt:  a.CreatedAt,
		}
	}
	return out
}

type repoOverviewResponse struct {
	Repository string                  `json:"repository"`
	Metrics    repoMetricsResponse     `json:"metrics"`
	Failures   []failureEventResponse  `json:"failures"`
	Alerts     []securityAlertResponse `json:"alerts"`
}

type overviewResponse struct {
	User         userResponse           `json:"user"`
	Streak       *streakResponse        `json:"streak"`
	Repositories []repoOverviewResponse `json:"repositories"`
}

func toOverviewResponse(o *sweep.Overview) overviewResponse {
	resp := overviewResponse{
		User:         toUserResponse(o.User),
		Repositories: make([]repoOverviewResponse, len(o.Repositories)),
	}
	if o.Streak != nil {
		s := toStreakResponse(*o.Streak)
		resp.Streak = &s
	}
	for i, repo := range o.Repositories {
		resp.Repositories[i] = repoOverviewResponse{
			Repository: repo.Repository,
			Metrics:    toRepoMetricsResponse(repo.Metrics),
			Failures:   toFailureEventResponses(repo.Failures),
			Alerts:     toSecurityAlertResponses(repo.Alerts),
		}
	}
	return resp
}

type preferencesRequest struct {
	StreakRisk      bool   `json:"streak_risk"`
	BuildFailure    bool   `json:"build_failure"`
	WeeklyDigest    bool   `json:"weekly_digest"`
	SecurityAlert   bool   `json:"security_alert"`
	EmailFrequency  string `json:"email_frequency"`
	QuietHoursStart int    `json:"quiet_hours_start"`
	QuietHoursEnd   int    `json:"quiet_hours_end"`
}

type preferencesResponse struct {
	UserID          string `json:"user_id"`
	StreakRisk      bool   `json:"streak_risk"`
	BuildFailure    bool   `json:"build_failure"`
	WeeklyDigest    bool   `json:"weekly_digest"`
	SecurityAlert   bool   `json:"security_alert"`
	EmailFrequency  string `json:"email_frequency"`
	QuietHoursStart int    `json:"quiet_hours_start"`
	QuietHoursEnd   int    `json:"quiet_hours_end"`
}

func toPreferencesResponse(p model.NotificationPreferences) preferencesResponse {
	return preferencesResponse{
		UserID:          p.UserID,
		StreakRisk:      p.StreakRisk,
		BuildFailure:    p.BuildFailure,
		WeeklyDigest:    p.WeeklyDigest,
		SecurityAlert:   p.SecurityAlert,
		EmailFrequency:  string(p.EmailFrequency),
		QuietHoursStart: p.QuietHoursStart,
		QuietHoursEnd:   p.QuietHoursEnd,
	}
}

type failureStatResponse struct {
	NotificationType string `json:"notification_type"`
	Resolved         bool   `json:"resolved"`
	Count            int    `json:"count"`
}

func toFailureStatResponses(stats []model.DeliveryFailureStat) []failureStatResponse {
	out := make([]failureStatResponse, len(stats))
	for i, s := range stats {
		out[i] = failureStatResponse{
			NotificationType: string(s.NotificationType),
			Resolved:         s.Resolved,
			Count:            s.Count,
		}
	}
	return out
}

type clearFailuresResponse struct {
	Deleted int64 `json:"deleted"`
}
