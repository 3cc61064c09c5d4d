// internal/notify/format.go
package notify

import (
	"fmt"
	"strings"

	"github-activity-dashboard/internal/model"
)

// formatMessage renders the subject and plain-text body for an event.
func formatMessage(event model.NotificationEvent) (subject, body string, err error) {
	switch p := event.Payload.(type) {
	case model.StreakRiskPayload:
		subject = fmt.Sprintf("Your %d-day contribution streak is at risk", p.CurrentStreak)
		var b strings.Builder
		fmt.Fprintf(&b, "Hi %s,\n\n", p.Login)
		fmt.Fprintf(&b, "You haven't contributed yet today, and your %d-day streak ends at midnight.\n", p.CurrentStreak)
		if p.HoursLeft > 0 {
			fmt.Fprintf(&b, "About %d hour(s) left to keep it going.\n", p.HoursLeft)
		}
		body = b.String()

	case model.BuildFailurePayload:
		subject = fmt.Sprintf("[%s] %s is failing on %s", p.Repository, p.WorkflowName, p.Branch)
		var b strings.Builder
		fmt.Fprintf(&b, "Workflow %q on branch %q of %s is failing.\n\n", p.WorkflowName, p.Branch, p.Repository)
		if p.Severity == model.SeverityRecurringFailure {
			fmt.Fprintf(&b, "This is failure #%d in a row.\n", p.FailureCount)
		}
		if p.RunURL != "" {
			fmt.Fprintf(&b, "First failing run: %s\n", p.RunURL)
		}
		body = b.String()

	case model.WeeklyDigestPayload:
		weekEnd := p.WeekStart.AddDate(0, 0, 6)
		subject = fmt.Sprintf("Your week on GitHub (%s – %s)",
			p.WeekStart.Format("Jan 2"), weekEnd.Format("Jan 2"))
		var b strings.Builder
		fmt.Fprintf(&b, "Hi %s, here is your week in review.\n\n", p.Login)
		fmt.Fprintf(&b, "Contributions: %d\n", p.Contributions)
		fmt.Fprintf(&b, "Current streak: %d day(s)\n", p.CurrentStreak)
		fmt.Fprintf(&b, "CI regressions detected: %d\n", p.FailureCount)
		fmt.Fprintf(&b, "Open security alerts: %d\n", p.OpenAlertCount)
		body = b.String()

	case model.SecurityAlertPayload:
		subject = fmt.Sprintf("[%s] %s severity dependency alert", p.Repository, p.Severity)
		var b strings.Builder
		fmt.Fprintf(&b, "Dependabot flagged a dependency in %s.\n\n", p.Repository)
		fmt.Fprintf(&b, "Severity: %s\n", p.Severity)
		fmt.Fprintf(&b, "Summary: %s\n", p.Summary)
		if p.HTMLURL != "" {
			fmt.Fprintf(&b, "Details: %s\n", p.HTMLURL)
		}
		body = b.String()

	default:
		return "", "", fmt.Errorf("no formatter for notification type %q", event.Type)
	}
	return subject, body, nil
}
