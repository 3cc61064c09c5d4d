// internal/store/interfaces.go
package store

import (
	"context"
	"errors"
	"time"

	"github-activity-dashboard/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a compare-and-swap update loses to a
// concurrent writer. The caller should re-read and retry or drop the write.
var ErrVersionConflict = errors.New("version conflict")

// ErrDuplicate is returned when a unique constraint rejects an insert.
var ErrDuplicate = errors.New("already exists")

// UserStore defines the contract for user data access
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByLogin(ctx context.Context, login string) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
	List(ctx context.Context) ([]model.User, error)
}

// StreakStore defines the contract for streak record data access
type StreakStore interface {
	Get(ctx context.Context, userID string) (*model.StreakRecord, error)
	Create(ctx context.Context, rec *model.StreakRecord) error
	// Update persists rec only if the stored version still equals
	// expectedVersion; on success rec.Version is bumped in place.
	Update(ctx context.Context, rec *model.StreakRecord, expectedVersion int64) error
}

// PreferenceStore defines the contract for notification preference access
type PreferenceStore interface {
	Get(ctx context.Context, userID string) (*model.NotificationPreferences, error)
	Upsert(ctx context.Context, prefs *model.NotificationPreferences) error
}

// DeliveryStore defines the contract for delivery markers and the delivery
// failure log
type DeliveryStore interface {
	WasDelivered(ctx context.Context, userID string, t model.NotificationType, naturalKey, day string) (bool, error)
	MarkDelivered(ctx context.Context, marker model.DeliveryMarker) error

	AppendFailure(ctx context.Context, entry *model.DeliveryFailureLog) error
	FailureStats(ctx context.Context) ([]model.DeliveryFailureStat, error)
	DeleteFailuresBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
