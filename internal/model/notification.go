// internal/model/notification.go
package model

import (
	"fmt"
	"time"
)

// NotificationType identifies the kind of a notification event. The wire
// values double as dedup-key components and as column values in the
// delivery tables, so they must stay stable.
type NotificationType string

const (
	TypeStreakRisk    NotificationType = "streak_risk"
	TypeBuildFailure  NotificationType = "build_failure"
	TypeWeeklyDigest  NotificationType = "weekly_digest"
	TypeSecurityAlert NotificationType = "security_alert"
)

// Valid reports whether t is one of the known notification types.
func (t NotificationType) Valid() bool {
	switch t {
	case TypeStreakRisk, TypeBuildFailure, TypeWeeklyDigest, TypeSecurityAlert:
		return true
	}
	return false
}

// NotificationPayload is the tagged-variant interface implemented by the
// per-type payload structs. NaturalKey returns the type-specific dedup
// component: events with equal keys describe the same underlying fact.
type NotificationPayload interface {
	Type() NotificationType
	NaturalKey() string
}

// NotificationEvent is a single notification awaiting dispatch. Events are
// produced by the engines and consumed by the dispatcher; they are never
// persisted themselves, only their delivery outcomes are.
type NotificationEvent struct {
	Type      NotificationType
	UserID    string
	Payload   NotificationPayload
	Timestamp time.Time
}

// StreakRiskPayload warns that the user's active streak will lapse at local
// midnight unless they contribute today.
type StreakRiskPayload struct {
	Login         string
	CurrentStreak int
	HoursLeft     int
}

func (StreakRiskPayload) Type() NotificationType { return TypeStreakRisk }

// NaturalKey is constant: a user has at most one streak, so the day
// component of the dedup key carries all the variance.
func (StreakRiskPayload) NaturalKey() string { return "streak" }

// BuildFailurePayload reports a CI regression on one workflow and branch.
type BuildFailurePayload struct {
	Repository   string
	WorkflowID   int64
	WorkflowName string
	Branch       string
	Severity     FailureSeverity
	FailureCount int
	RunURL       string
}

func (BuildFailurePayload) Type() NotificationType { return TypeBuildFailure }

func (p BuildFailurePayload) NaturalKey() string {
	return fmt.Sprintf("%s#%d@%s", p.Repository, p.WorkflowID, p.Branch)
}

// WeeklyDigestPayload summarises the past week's activity in one message.
type WeeklyDigestPayload struct {
	Login          string
	WeekStart      time.Time
	Contributions  int
	CurrentStreak  int
	FailureCount   int
	OpenAlertCount int
}

func (WeeklyDigestPayload) Type() NotificationType { return TypeWeeklyDigest }

// NaturalKey is the ISO year-week, so re-sweeps within the same week land
// on the same dedup slot.
func (p WeeklyDigestPayload) NaturalKey() string {
	year, week := p.WeekStart.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// SecurityAlertPayload reports one open Dependabot alert.
type SecurityAlertPayload struct {
	Repository string
	Number     int
	Severity   string
	Summary    string
	HTMLURL    string
}

func (SecurityAlertPayload) Type() NotificationType { return TypeSecurityAlert }

func (p SecurityAlertPayload) NaturalKey() string {
	return fmt.Sprintf("%s#%d", p.Repository, p.Number)
}

// NewNotificationEvent assembles an event from a payload, stamping the type
// from the payload itself so the two can never disagree.
func NewNotificationEvent(userID string, payload NotificationPayload, at time.Time) NotificationEvent {
	return NotificationEvent{
		Type:      payload.Type(),
		UserID:    userID,
		Payload:   payload,
		Timestamp: at,
	}
}
