// internal/notify/dispatcher_test.go
package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github-activity-dashboard/internal/metrics"
	"github-activity-dashboard/internal/model"
	"github-activity-dashboard/internal/store"
)

// MockUserStore is a mock of the store.UserStore interface.
type MockUserStore struct {
	mock.Mock
}

func (m *MockUserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	args := m.Called(ctx, id)
	user, _ := args.Get(0).(*model.User)
	return user, args.Error(1)
}

func (m *MockUserStore) GetByLogin(ctx context.Context, login string) (*model.User, error) {
	args := m.Called(ctx, login)
	user, _ := args.Get(0).(*model.User)
	return user, args.Error(1)
}

func (m *MockUserStore) Create(ctx context.Context, user *model.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserStore) List(ctx context.Context) ([]model.User, error) {
	args := m.Called(ctx)
	users, _ := args.Get(0).([]model.User)
	return users, args.Error(1)
}

// MockPreferenceStore is a mock of the store.PreferenceStore interface.
type MockPreferenceStore struct {
	mock.Mock
}

func (m *MockPreferenceStore) Get(ctx context.Context, userID string) (*model.NotificationPreferences, error) {
	args := m.Called(ctx, userID)
	prefs, _ := args.Get(0).(*model.NotificationPreferences)
	return prefs, args.Error(1)
}

func (m *MockPreferenceStore) Upsert(ctx context.Context, prefs *model.NotificationPreferences) error {
	args := m.Called(ctx, prefs)
	return args.Error(0)
}

// MockDeliveryStore is a mock of the store.DeliveryStore interface.
type MockDeliveryStore struct {
	mock.Mock
}

func (m *MockDeliveryStore) WasDelivered(ctx context.Context, userID string, t model.NotificationType, naturalKey, day string) (bool, error) {
	args := m.Called(ctx, userID, t, naturalKey, day)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeliveryStore) MarkDelivered(ctx context.Context, marker model.DeliveryMarker) error {
	args := m.Called(ctx, marker)
	return args.Error(0)
}

func (m *MockDeliveryStore) AppendFailure(ctx context.Context, entry *model.DeliveryFailureLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDeliveryStore) FailureStats(ctx context.Context) ([]model.DeliveryFailureStat, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).([]model.DeliveryFailureStat)
	return stats, args.Error(1)
}

func (m *MockDeliveryStore) DeleteFailuresBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// blockingTransport hangs until the per-send timeout fires.
type blockingTransport struct{}

func (blockingTransport) Name() string { return "blocking" }

func (blockingTransport) Send(ctx context.Context, _, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

type failingTransport struct {
	err error
}

func (f failingTransport) Name() string { return "failing" }

func (f failingTransport) Send(context.Context, string, string, string) error {
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type dispatcherMocks struct {
	users      *MockUserStore
	prefs      *MockPreferenceStore
	deliveries *MockDeliveryStore
}

func newTestDispatcher(t *testing.T, transport Transport) (*Dispatcher, dispatcherMocks) {
	t.Helper()
	mocks := dispatcherMocks{
		users:      new(MockUserStore),
		prefs:      new(MockPreferenceStore),
		deliveries: new(MockDeliveryStore),
	}
	d := NewDispatcher(mocks.users, mocks.prefs, mocks.deliveries, transport, metrics.New(), 100*time.Millisecond, testLogger())
	return d, mocks
}

func TestDispatcher_Dispatch(t *testing.T) {
	ctx := context.Background()
	user := &model.User{ID: "u1", Login: "octo", Email: "octo@example.com", Timezone: "UTC"}
	ts := time.Date(2026, 8, 20, 19, 0, 0, 0, time.UTC)
	riskEvent := model.NewNotificationEvent("u1", model.StreakRiskPayload{Login: "octo", CurrentStreak: 5, HoursLeft: 5}, ts)

	t.Run("delivers and records a marker with defaults applied", func(t *testing.T) {
		transport := NewLogTransport(testLogger())
		d, mocks := newTestDispatcher(t, transport)
		mocks.users.On("GetByID", ctx, "u1").Return(user, nil).Once()
		mocks.prefs.On("Get", ctx, "u1").Return(nil, store.ErrNotFound).Once()
		mocks.deliveries.On("WasDelivered", ctx, "u1", model.TypeStreakRisk, "streak", "2026-08-20").Return(false, nil).Once()
		mocks.deliveries.On("MarkDelivered", ctx, mock.MatchedBy(func(m model.DeliveryMarker) bool {
			return m.UserID == "u1" && m.NotificationType == model.TypeStreakRisk && m.Day == "2026-08-20"
		})).Return(nil).Once()

		result := d.Dispatch(ctx, riskEvent)

		assert.Equal(t, StatusDelivered, result.Status)
		assert.True(t, result.Delivered())
		msgs := transport.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "octo@example.com", msgs[0].Recipient)
		assert.Contains(t, msgs[0].Subject, "5-day contribution streak")
		mocks.deliveries.AssertExpectations(t)
	})

	t.Run("suppresses an already delivered slot without sending", func(t *testing.T) {
		transport := NewLogTransport(testLogger())
		d, mocks := newTestDispatcher(t, transport)
		mocks.users.On("GetByID", ctx, "u1").Return(user, nil).Once()
		mocks.prefs.On("Get", ctx, "u1").Return(nil, store.ErrNotFound).Once()
		mocks.deliveries.On("WasDelivered", ctx, "u1", model.TypeStreakRisk, "streak", "2026-08-20").Return(true, nil).Once()

		result := d.Dispatch(ctx, riskEvent)

		assert.Equal(t, StatusSuppressedDuplicate, result.Status)
		assert.True(t, result.Suppressed())
		assert.Empty(t, transport.Messages())
		mocks.deliveries.AssertNotCalled(t, "MarkDelivered", mock.Anything, mock.Anything)
	})

	t.Run("honors a switched-off preference", func(t *testing.T) {
		transport := NewLogTransport(testLogger())
		d, mocks := newTestDispatcher(t, transport)
		prefs := model.DefaultPreferences("u1")
		prefs.StreakRisk = false
		mocks.users.On("GetByID", ctx, "u1").Return(user, nil).Once()
		mocks.prefs.On("Get", ctx, "u1").Return(&prefs, nil).Once()

		result := d.Dispatch(ctx, riskEvent)

		assert.Equal(t, StatusSuppressedPreference, result.Status)
		assert.Empty(t, transport.Messages())
		mocks.deliveries.AssertNotCalled(t, "WasDelivered", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("holds quiet hours, including windows wrapping midnight", func(t *testing.T) {
		transport := NewLogTransport(testLogger())
		d, mocks := newTestDispatcher(t, transport)
		prefs := model.DefaultPreferences("u1")
		prefs.QuietHoursStart = 22
		prefs.QuietHoursEnd = 6
		mocks.users.On("GetByID", ctx, "u1").Return(user, nil).Once()
		mocks.prefs.On("Get", ctx, "u1").Return(&prefs, nil).Once()

		lateEvent := model.NewNotificationEvent("u1", model.StreakRiskPayload{Login: "octo", CurrentStreak: 5}, time.Date(2026, 8, 20, 23, 30, 0, 0, time.UTC))
		result := d.Dispatch(ctx, lateEvent)

		assert.Equal(t, StatusSuppressedQuietHours, result.Status)
		assert.Empty(t, transport.Messages())
	})

	t.Run("streak dedup day follows the user's timezone", func(t *testing.T) {
		tokyoUser := &model.User{ID: "u1", Login: "octo", Email: "octo@example.com", Timezone: "Asia/Tokyo"}
		transport := NewLogTransport(testLogger())
		d, mocks := newTestDispatcher(t, transport)
		mocks.users.On("GetByID", ctx, "u1").Return(tokyoUser, nil).Once()
		mocks.prefs.On("Get", ctx, "u1").Return(nil, store.ErrNotFound).Once()
		// 16:00 UTC on Aug 20 is already Aug 21 in Tokyo.
		mocks.deliveries.On("WasDelivered", ctx, "u1", model.TypeStreakRisk, "streak", "2026-08-21").Return(false, nil).Once()
		mocks.deliveries.On("MarkDelivered", ctx, mock.MatchedBy(func(m model.DeliveryMarker) bool {
			return m.Day == "2026-08-21"
		})).Return(nil).Once()

		event := model.NewNotificationEvent("u1", model.StreakRiskPayload{Login: "octo", CurrentStreak: 2}, time.Date(2026, 8, 20, 16, 0, 0, 0, time.UTC))
		result := d.Dispatch(ctx, event)

		assert.Equal(t, StatusDelivered, result.Status)
		mocks.deliveries.AssertExpectations(t)
	})

	t.Run("build failure dedup day stays on UTC", func(t *testing.T) {
		tokyoUser := &model.User{ID: "u1", Login: "octo", Email: "octo@example.com", Timezone: "Asia/Tokyo"}
		transport := NewLogTransport(testLogger())
		d, mocks := newTestDispatcher(t, transport)
		payload := model.BuildFailurePayload{
			Repository:   "octo/widgets",
			WorkflowID:   7,
			WorkflowName: "ci",
			Branch:       "main",
			Severity:     model.SeverityNewFailure,
			FailureCount: 1,
		}
		mocks.users.On("GetByID", ctx, "u1").Return(tokyoUser, nil).Once()
		mocks.prefs.On("Get", ctx, "u1").Return(nil, store.ErrNotFound).Once()
		mocks.deliveries.On("WasDelivered", ctx, "u1", model.TypeBuildFailure, "octo/widgets#7@main", "2026-08-20").Return(false, nil).Once()
		mocks.deliveries.On("MarkDelivered", ctx, mock.Anything).Return(nil).Once()

		event := model.NewNotificationEvent("u1", payload, time.Date(2026, 8, 20, 16, 0, 0, 0, time.UTC))
		result := d.Dispatch(ctx, event)

		assert.Equal(t, StatusDelivered, result.Status)
		mocks.deliveries.AssertExpectations(t)
	})

	t.Run("digest dedup week survives the UTC week boundary", func(t *testing.T) {
		nyUser := &model.User{ID: "u1", Login: "octo", Email: "octo@example.com", Timezone: "America/New_York"}
		transport := NewLogTransport(testLogger())
		d, mocks := newTestDispatcher(t, transport)
		payload := model.WeeklyDigestPayload{
			Login:         "octo",
			WeekStart:     time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
			Contributions: 4,
		}
		mocks.users.On("GetByID", ctx, "u1").Return(nyUser, nil).Twice()
		mocks.prefs.On("Get", ctx, "u1").Return(nil, store.ErrNotFound).Twice()
		mocks.deliveries.On("WasDelivered", ctx, "u1", model.TypeWeeklyDigest, "2026-W33", "2026-W33").Return(false, nil).Once()
		mocks.deliveries.On("WasDelivered", ctx, "u1", model.TypeWeeklyDigest, "2026-W33", "2026-W33").Return(true, nil).Once()
		mocks.deliveries.On("MarkDelivered", ctx, mock.MatchedBy(func(m model.DeliveryMarker) bool {
			return m.Day == "2026-W33"
		})).Return(nil).Once()

		// Both instants are Sunday evening Aug 16 in New York; the second is
		// already Monday in UTC.
		first := d.Dispatch(ctx, model.NewNotificationEvent("u1", payload, time.Date(2026, 8, 16, 23, 30, 0, 0, time.UTC)))
		second := d.Dispatch(ctx, model.NewNotificationEvent("u1", payload, time.Date(2026, 8, 17, 0, 30, 0, 0, time.UTC)))

		assert.Equal(t, StatusDelivered, first.Status)
		assert.Equal(t, StatusSuppressedDuplicate, second.Status)
		assert.Len(t, transport.Messages(), 1)
		mocks.deliveries.AssertExpectations(t)
	})

	t.Run("a transport failure lands in the failure log", func(t *testing.T) {
		sendErr := errors.New("smtp: connection refused")
		d, mocks := newTestDispatcher(t, failingTransport{err: sendErr})
		mocks.users.On("GetByID", ctx, "u1").Return(user, nil).Once()
		mocks.prefs.On("Get", ctx, "u1").Return(nil, store.ErrNotFound).Once()
		mocks.deliveries.On("WasDelivered", ctx, "u1", model.TypeStreakRisk, "streak", "2026-08-20").Return(false, nil).Once()
		mocks.deliveries.On("AppendFailure", ctx, mock.MatchedBy(func(e *model.DeliveryFailureLog) bool {
			return e.UserID == "u1" && e.NotificationType == model.TypeStreakRisk && e.Error == sendErr.Error()
		})).Return(nil).Once()

		result := d.Dispatch(ctx, riskEvent)

		assert.Equal(t, StatusFailed, result.Status)
		assert.ErrorIs(t, result.Err, sendErr)
		mocks.deliveries.AssertNotCalled(t, "MarkDelivered", mock.Anything, mock.Anything)
		mocks.deliveries.AssertExpectations(t)
	})

	t.Run("a hung transport times out as a delivery failure", func(t *testing.T) {
		d, mocks := newTestDispatcher(t, blockingTransport{})
		mocks.users.On("GetByID", ctx, "u1").Return(user, nil).Once()
		mocks.prefs.On("Get", ctx, "u1").Return(nil, store.ErrNotFound).Once()
		mocks.deliveries.On("WasDelivered", ctx, "u1", model.TypeStreakRisk, "streak", "2026-08-20").Return(false, nil).Once()
		mocks.deliveries.On("AppendFailure", ctx, mock.Anything).Return(nil).Once()

		result := d.Dispatch(ctx, riskEvent)

		assert.Equal(t, StatusFailed, result.Status)
		assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	})

	t.Run("rejects an event whose payload disagrees with its type", func(t *testing.T) {
		d, _ := newTestDispatcher(t, NewLogTransport(testLogger()))
		event := model.NotificationEvent{
			Type:      model.TypeBuildFailure,
			UserID:    "u1",
			Payload:   model.StreakRiskPayload{Login: "octo"},
			Timestamp: ts,
		}

		result := d.Dispatch(ctx, event)

		assert.Equal(t, StatusFailed, result.Status)
		require.Error(t, result.Err)
	})
}

func TestDispatcher_ClearOldFailures(t *testing.T) {
	ctx := context.Background()
	d, mocks := newTestDispatcher(t, NewLogTransport(testLogger()))

	mocks.deliveries.On("DeleteFailuresBefore", ctx, mock.MatchedBy(func(cutoff time.Time) bool {
		expected := time.Now().UTC().AddDate(0, 0, -7)
		return cutoff.Sub(expected).Abs() < time.Minute
	})).Return(int64(3), nil).Once()

	removed, err := d.ClearOldFailures(ctx, 7)

	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	mocks.deliveries.AssertExpectations(t)
}

func TestDispatcher_FailureStats(t *testing.T) {
	ctx := context.Background()
	d, mocks := newTestDispatcher(t, NewLogTransport(testLogger()))

	stats := []model.DeliveryFailureStat{
		{NotificationType: model.TypeStreakRisk, Resolved: false, Count: 2},
		{NotificationType: model.TypeBuildFailure, Resolved: true, Count: 1},
	}
	mocks.deliveries.On("FailureStats", ctx).Return(stats, nil).Once()

	got, err := d.FailureStats(ctx)

	require.NoError(t, err)
	assert.Equal(t, stats, got)
}
