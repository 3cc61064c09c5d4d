// internal/model/models.go
package model

import (
	"time"
)

// User is a dashboard account known to the core. Accounts are created by the
// auth layer; the core reads them for sweeps and notification routing.
type User struct {
	ID        string
	Login     string
	Email     string
	Timezone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the user's IANA timezone, defaulting to UTC when the
// field is empty or unparseable.
func (u User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ContributionDay is one calendar day of contribution activity as reported
// by GitHub. Immutable once fetched.
type ContributionDay struct {
	Date  time.Time
	Count int
}

// RepoRef identifies a repository by owner and name.
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// StreakRecord is the persisted per-user streak state. One record per user,
// mutated on every evaluation. Version guards concurrent read-modify-write
// cycles (compare-and-swap on update).
type StreakRecord struct {
	UserID               string
	CurrentStreak        int
	LongestStreak        int
	LastContributionDate *time.Time
	LastEvaluatedAt      time.Time
	IsAtRisk             bool
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Workflow run statuses and conclusions as reported by the GitHub Actions API.
const (
	RunStatusQueued     = "queued"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"

	ConclusionSuccess   = "success"
	ConclusionFailure   = "failure"
	ConclusionCancelled = "cancelled"
)

// WorkflowRun is a read-only snapshot of a single CI run. Not persisted;
// recomputed per request over the lookback window.
type WorkflowRun struct {
	ID           int64
	Repository   string // "owner/name"
	WorkflowID   int64
	WorkflowName string
	Status       string
	Conclusion   string
	Branch       string
	HTMLURL      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Completed reports whether the run has finished and carries a conclusion.
func (r WorkflowRun) Completed() bool {
	return r.Status == RunStatusCompleted
}

// FailureSeverity classifies a FailureEvent.
type FailureSeverity string

const (
	SeverityNewFailure       FailureSeverity = "new-failure"
	SeverityRecurringFailure FailureSeverity = "recurring-failure"
	SeverityFlaky            FailureSeverity = "flaky"
)

// FailureEvent is a derived CI regression for one (workflow, branch) group.
// It is not persisted; the dispatcher's delivery markers carry the dedup
// state across evaluation cycles.
type FailureEvent struct {
	Repository              string
	WorkflowID              int64
	WorkflowName            string
	Branch                  string
	FirstFailureRun         int64
	RunURL                  string
	ConsecutiveFailureCount int
	FlipCount               int
	DetectedAt              time.Time
	Severity                FailureSeverity
}

// SecurityAlert is a read-only snapshot of an open Dependabot alert.
type SecurityAlert struct {
	Repository string
	Number     int
	Severity   string
	Summary    string
	HTMLURL    string
	CreatedAt  time.Time
}

// RepoMetrics aggregates completed workflow runs over a lookback window.
// Pure function of the input window; never persisted.
type RepoMetrics struct {
	Repository             string
	TotalRuns              int
	SuccessRate            float64
	AverageDurationSeconds float64
	FailuresByWorkflow     map[int64]WorkflowStats
}

// WorkflowStats is the per-workflow slice of RepoMetrics, keyed by workflow
// ID since display names are not unique within a repository. Workflows with
// no completed runs in the window are omitted entirely rather than reported
// as a zero rate.
type WorkflowStats struct {
	WorkflowID  int64
	Name        string
	TotalRuns   int
	Failures    int
	SuccessRate float64
}

// EmailFrequency controls how notification email is batched for a user.
type EmailFrequency string

const (
	FrequencyImmediate EmailFrequency = "immediate"
	FrequencyDaily     EmailFrequency = "daily"
	FrequencyWeekly    EmailFrequency = "weekly"
)

// NotificationPreferences holds a user's per-type toggles and delivery
// windows. Created lazily with defaults on first read.
type NotificationPreferences struct {
	UserID          string
	StreakRisk      bool
	BuildFailure    bool
	WeeklyDigest    bool
	SecurityAlert   bool
	EmailFrequency  EmailFrequency
	QuietHoursStart int // local hour 0-23; start == end disables quiet hours
	QuietHoursEnd   int
	UpdatedAt       time.Time
}

// DefaultPreferences returns the preferences applied to users who have never
// saved any: all notification types on, immediate delivery, no quiet hours.
func DefaultPreferences(userID string) NotificationPreferences {
	return NotificationPreferences{
		UserID:         userID,
		StreakRisk:     true,
		BuildFailure:   true,
		WeeklyDigest:   true,
		SecurityAlert:  true,
		EmailFrequency: FrequencyImmediate,
	}
}

// Enabled reports whether the given notification type is switched on.
func (p NotificationPreferences) Enabled(t NotificationType) bool {
	switch t {
	case TypeStreakRisk:
		return p.StreakRisk
	case TypeBuildFailure:
		return p.BuildFailure
	case TypeWeeklyDigest:
		return p.WeeklyDigest
	case TypeSecurityAlert:
		return p.SecurityAlert
	default:
		return false
	}
}

// InQuietHours reports whether the given local time falls inside the user's
// quiet window [start, end), handling windows that wrap past midnight.
func (p NotificationPreferences) InQuietHours(local time.Time) bool {
	if p.QuietHoursStart == p.QuietHoursEnd {
		return false
	}
	h := local.Hour()
	if p.QuietHoursStart < p.QuietHoursEnd {
		return h >= p.QuietHoursStart && h < p.QuietHoursEnd
	}
	// Window wraps past midnight, e.g. 22-6.
	return h >= p.QuietHoursStart || h < p.QuietHoursEnd
}

// DeliveryFailureLog records one failed notification delivery. Appended by
// the dispatcher, prunable by age.
type DeliveryFailureLog struct {
	ID               string
	UserID           string
	NotificationType NotificationType
	Error            string
	OccurredAt       time.Time
	Resolved         bool
}

// DeliveryFailureStat is one (type, resolved) bucket of the delivery
// failure log, as aggregated by the store.
type DeliveryFailureStat struct {
	NotificationType NotificationType
	Resolved         bool
	Count            int
}

// DeliveryMarker marks a successful delivery for dedup purposes: at most
// one send per (user, type, natural key, day).
type DeliveryMarker struct {
	UserID           string
	NotificationType NotificationType
	NaturalKey       string
	Day              string // YYYY-MM-DD in the type's reference timezone
	DeliveredAt      time.Time
}
