// internal/notify/dispatcher.go
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github-activity-dashboard/internal/apperr"
	"github-activity-dashboard/internal/metrics"
	"github-activity-dashboard/internal/model"
	"github-activity-dashboard/internal/store"
)

// DeliveryStatus is the outcome class of one dispatch attempt.
type DeliveryStatus string

const (
	StatusDelivered            DeliveryStatus = "delivered"
	StatusSuppressedDuplicate  DeliveryStatus = "suppressed_duplicate"
	StatusSuppressedPreference DeliveryStatus = "suppressed_preference"
	StatusSuppressedQuietHours DeliveryStatus = "suppressed_quiet_hours"
	StatusFailed               DeliveryStatus = "failed"
)

// DeliveryResult reports what happened to one event. Suppression is a
// success-shaped outcome; only Status == failed carries Err.
type DeliveryResult struct {
	Status DeliveryStatus
	Type   model.NotificationType
	UserID string
	Err    error
}

// Delivered reports whether the message actually went out.
func (r DeliveryResult) Delivered() bool {
	return r.Status == StatusDelivered
}

// Suppressed reports whether the event was intentionally dropped.
func (r DeliveryResult) Suppressed() bool {
	switch r.Status {
	case StatusSuppressedDuplicate, StatusSuppressedPreference, StatusSuppressedQuietHours:
		return true
	}
	return false
}

// Dispatcher routes notification events through dedup, preference gating,
// and the outbound transport, recording outcomes for observability.
type Dispatcher struct {
	users      store.UserStore
	prefs      store.PreferenceStore
	deliveries store.DeliveryStore
	transport  Transport
	metrics    *metrics.Metrics
	timeout    time.Duration
	logger     *slog.Logger
}

// NewDispatcher creates a new Dispatcher. timeout bounds each transport call.
func NewDispatcher(
	users store.UserStore,
	prefs store.PreferenceStore,
	deliveries store.DeliveryStore,
	transport Transport,
	m *metrics.Metrics,
	timeout time.Duration,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		users:      users,
		prefs:      prefs,
		deliveries: deliveries,
		transport:  transport,
		metrics:    m,
		timeout:    timeout,
		logger:     logger,
	}
}

// Dispatch delivers one event, or explains why it didn't. A delivery marker
// per (user, type, natural key, day) suppresses same-day repeats, so
// re-running an evaluation cycle is safe.
func (d *Dispatcher) Dispatch(ctx context.Context, event model.NotificationEvent) DeliveryResult {
	result := DeliveryResult{Type: event.Type, UserID: event.UserID}

	if !event.Type.Valid() || event.Payload == nil || event.Payload.Type() != event.Type {
		result.Status = StatusFailed
		result.Err = fmt.Errorf("malformed notification event for user %q", event.UserID)
		return result
	}

	user, err := d.users.GetByID(ctx, event.UserID)
	if err != nil {
		result.Status = StatusFailed
		result.Err = &apperr.StorageError{Op: "dispatch.user", Err: err}
		return result
	}

	prefs, err := d.prefs.Get(ctx, event.UserID)
	if errors.Is(err, store.ErrNotFound) {
		defaults := model.DefaultPreferences(event.UserID)
		prefs = &defaults
	} else if err != nil {
		result.Status = StatusFailed
		result.Err = &apperr.StorageError{Op: "dispatch.preferences", Err: err}
		return result
	}

	if !prefs.Enabled(event.Type) {
		d.metrics.RecordNotificationSuppressed(event.Type, "preference")
		result.Status = StatusSuppressedPreference
		return result
	}

	local := event.Timestamp.In(user.Location())
	if prefs.InQuietHours(local) {
		d.metrics.RecordNotificationSuppressed(event.Type, "quiet_hours")
		result.Status = StatusSuppressedQuietHours
		return result
	}

	naturalKey := event.Payload.NaturalKey()
	day := dedupDay(event, user.Location())
	delivered, err := d.deliveries.WasDelivered(ctx, event.UserID, event.Type, naturalKey, day)
	if err != nil {
		result.Status = StatusFailed
		result.Err = &apperr.StorageError{Op: "dispatch.dedup", Err: err}
		return result
	}
	if delivered {
		d.metrics.RecordNotificationSuppressed(event.Type, "duplicate")
		result.Status = StatusSuppressedDuplicate
		return result
	}

	subject, body, err := formatMessage(event)
	if err != nil {
		result.Status = StatusFailed
		result.Err = err
		return result
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.transport.Send(sendCtx, user.Email, subject, body); err != nil {
		d.recordFailure(ctx, event, err)
		result.Status = StatusFailed
		result.Err = err
		return result
	}

	marker := model.DeliveryMarker{
		UserID:           event.UserID,
		NotificationType: event.Type,
		NaturalKey:       naturalKey,
		Day:              day,
		DeliveredAt:      time.Now().UTC(),
	}
	if err := d.deliveries.MarkDelivered(ctx, marker); err != nil {
		// The message is out; a lost marker only risks one duplicate on the
		// next cycle. Surface it loudly and report the send as delivered.
		d.logger.Error("Failed to record delivery marker", "user_id", event.UserID, "type", event.Type, "error", err)
	}

	d.metrics.RecordNotificationSent(event.Type)
	d.logger.Info("Notification delivered",
		"user_id", event.UserID,
		"type", event.Type,
		"transport", d.transport.Name())
	result.Status = StatusDelivered
	return result
}

// FailureStats aggregates the delivery failure log by type and resolution.
func (d *Dispatcher) FailureStats(ctx context.Context) ([]model.DeliveryFailureStat, error) {
	stats, err := d.deliveries.FailureStats(ctx)
	if err != nil {
		return nil, &apperr.StorageError{Op: "dispatch.failure_stats", Err: err}
	}
	return stats, nil
}

// ClearOldFailures prunes failure log entries strictly older than the given
// number of days and returns how many were removed.
func (d *Dispatcher) ClearOldFailures(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	removed, err := d.deliveries.DeleteFailuresBefore(ctx, cutoff)
	if err != nil {
		return 0, &apperr.StorageError{Op: "dispatch.clear_failures", Err: err}
	}
	d.logger.Info("Cleared old delivery failures", "older_than_days", olderThanDays, "removed", removed)
	return removed, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, event model.NotificationEvent, sendErr error) {
	d.metrics.RecordDeliveryFailure(event.Type)
	entry := &model.DeliveryFailureLog{
		UserID:           event.UserID,
		NotificationType: event.Type,
		Error:            sendErr.Error(),
		OccurredAt:       time.Now().UTC(),
	}
	if err := d.deliveries.AppendFailure(ctx, entry); err != nil {
		d.logger.Error("Failed to append delivery failure log", "user_id", event.UserID, "error", err)
	}
	d.logger.Warn("Notification delivery failed",
		"user_id", event.UserID,
		"type", event.Type,
		"transport", d.transport.Name(),
		"error", sendErr)
}

// dedupDay picks the calendar-day component of the dedup key. Streak risk
// follows the user's local day; build failures and security alerts use the
// UTC day; the weekly digest slots by the user's local ISO week (a Sunday
// evening send can already sit past UTC midnight).
func dedupDay(event model.NotificationEvent, loc *time.Location) string {
	switch event.Type {
	case model.TypeStreakRisk:
		return event.Timestamp.In(loc).Format("2006-01-02")
	case model.TypeWeeklyDigest:
		year, week := event.Timestamp.In(loc).ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return event.Timestamp.UTC().Format("2006-01-02")
	}
}
