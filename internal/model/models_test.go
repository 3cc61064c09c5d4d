// internal/model/models_test.go
package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUser_Location(t *testing.T) {
	assert.Equal(t, time.UTC, User{}.Location())
	assert.Equal(t, time.UTC, User{Timezone: "Mars/Olympus_Mons"}.Location())

	tokyo := User{Timezone: "Asia/Tokyo"}.Location()
	assert.Equal(t, "Asia/Tokyo", tokyo.String())
}

func TestNotificationPreferences_InQuietHours(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 8, 20, hour, 30, 0, 0, time.UTC)
	}

	tests := []struct {
		name       string
		start, end int
		hour       int
		want       bool
	}{
		{"disabled when start equals end", 0, 0, 3, false},
		{"inside a daytime window", 9, 17, 12, true},
		{"before a daytime window", 9, 17, 8, false},
		{"end hour is exclusive", 9, 17, 17, false},
		{"wrap-around suppresses late evening", 22, 6, 23, true},
		{"wrap-around suppresses early morning", 22, 6, 5, true},
		{"wrap-around passes midday", 22, 6, 12, false},
		{"wrap-around start hour is inclusive", 22, 6, 22, true},
		{"wrap-around end hour is exclusive", 22, 6, 6, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NotificationPreferences{QuietHoursStart: tt.start, QuietHoursEnd: tt.end}
			assert.Equal(t, tt.want, p.InQuietHours(at(tt.hour)))
		})
	}
}

func TestDefaultPreferences(t *testing.T) {
	p := DefaultPreferences("user-1")

	assert.Equal(t, "user-1", p.UserID)
	for _, typ := range []NotificationType{TypeStreakRisk, TypeBuildFailure, TypeWeeklyDigest, TypeSecurityAlert} {
		assert.True(t, p.Enabled(typ), "%s should default to on", typ)
	}
	assert.Equal(t, FrequencyImmediate, p.EmailFrequency)
	assert.False(t, p.InQuietHours(time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)))
}

func TestPayloadNaturalKeys(t *testing.T) {
	assert.Equal(t, "streak", StreakRiskPayload{}.NaturalKey())

	build := BuildFailurePayload{Repository: "octo/widgets", WorkflowID: 7, Branch: "main"}
	assert.Equal(t, "octo/widgets#7@main", build.NaturalKey())

	alert := SecurityAlertPayload{Repository: "octo/widgets", Number: 12}
	assert.Equal(t, "octo/widgets#12", alert.NaturalKey())

	// The first days of January can belong to the previous ISO year.
	digest := WeeklyDigestPayload{WeekStart: time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "2025-W01", digest.NaturalKey())
}

func TestNewNotificationEvent_StampsTypeFromPayload(t *testing.T) {
	now := time.Now()
	event := NewNotificationEvent("user-1", BuildFailurePayload{Repository: "octo/widgets"}, now)

	assert.Equal(t, TypeBuildFailure, event.Type)
	assert.Equal(t, "user-1", event.UserID)
	assert.Equal(t, now, event.Timestamp)
}

func TestNotificationType_Valid(t *testing.T) {
	assert.True(t, TypeStreakRisk.Valid())
	assert.True(t, TypeWeeklyDigest.Valid())
	assert.False(t, NotificationType("carrier_pigeon").Valid())
}
