// internal/streak/engine.go
package streak

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github-activity-dashboard/internal/apperr"
	"github-activity-dashboard/internal/model"
	"github-activity-dashboard/internal/store"
)

// Engine converts a contribution calendar into persisted streak state and a
// risk classification.
type Engine struct {
	streaks        store.StreakStore
	riskCutoffHour int
	logger         *slog.Logger
}

// NewEngine creates a new Engine. riskCutoffHour is the user-local hour from
// which an unbroken-but-inactive day counts as at risk.
func NewEngine(streaks store.StreakStore, riskCutoffHour int, logger *slog.Logger) *Engine {
	return &Engine{
		streaks:        streaks,
		riskCutoffHour: riskCutoffHour,
		logger:         logger,
	}
}

// Evaluate recomputes the user's streak from the calendar, persists the
// record, and reports whether a streak-risk notification is due. The risk
// notification is edge-triggered: at most one per user per local day, on the
// transition into the at-risk state.
//
// Concurrent evaluations of the same user serialize on the record's version;
// the loser returns store.ErrVersionConflict and must not dispatch.
func (e *Engine) Evaluate(ctx context.Context, user model.User, calendar []model.ContributionDay, now time.Time) (*model.StreakRecord, bool, error) {
	days := e.sanitize(user.ID, calendar)

	prev, err := e.streaks.Get(ctx, user.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, &apperr.StorageError{Op: "streak.get", Err: err}
	}
	firstEvaluation := prev == nil

	loc := user.Location()
	localNow := now.In(loc)
	today := civilDate(localNow)
	yesterday := today.AddDate(0, 0, -1)

	counts := make(map[time.Time]int, len(days))
	for _, d := range days {
		counts[d.Date] = d.Count
	}

	current := currentStreak(counts, today, yesterday)

	longest := current
	if firstEvaluation {
		if best := longestHistoricalRun(days); best > longest {
			longest = best
		}
	} else if prev.LongestStreak > longest {
		longest = prev.LongestStreak
	}

	var lastContribution *time.Time
	for i := len(days) - 1; i >= 0; i-- {
		if days[i].Count > 0 {
			d := days[i].Date
			lastContribution = &d
			break
		}
	}

	atRisk := current > 0 && counts[today] == 0 && localNow.Hour() >= e.riskCutoffHour

	notificationNeeded := atRisk
	if atRisk && !firstEvaluation && prev.IsAtRisk && sameCivilDay(prev.LastEvaluatedAt, now, loc) {
		// Already flagged earlier today; the transition fired then.
		notificationNeeded = false
	}

	rec := &model.StreakRecord{
		UserID:               user.ID,
		CurrentStreak:        current,
		LongestStreak:        longest,
		LastContributionDate: lastContribution,
		LastEvaluatedAt:      now,
		IsAtRisk:             atRisk,
	}

	if firstEvaluation {
		err = e.streaks.Create(ctx, rec)
	} else {
		err = e.streaks.Update(ctx, rec, prev.Version)
	}
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrDuplicate) {
			return nil, false, store.ErrVersionConflict
		}
		return nil, false, &apperr.StorageError{Op: "streak.persist", Err: err}
	}

	e.logger.Debug("Evaluated streak",
		"user_id", user.ID,
		"current", current,
		"longest", longest,
		"at_risk", atRisk,
		"notification_needed", notificationNeeded)

	return rec, notificationNeeded, nil
}

// sanitize drops malformed calendar entries (zero dates, negative counts,
// duplicate days) and returns the remainder sorted oldest first with dates
// normalized to UTC midnight. For a duplicated day the record appearing
// first in the input wins, so the sort must be stable.
func (e *Engine) sanitize(userID string, calendar []model.ContributionDay) []model.ContributionDay {
	days := make([]model.ContributionDay, 0, len(calendar))
	for _, d := range calendar {
		if d.Date.IsZero() {
			e.logger.Warn("Skipping calendar entry with zero date", "user_id", userID)
			continue
		}
		if d.Count < 0 {
			e.logger.Warn("Skipping calendar entry with negative count", "user_id", userID, "date", d.Date, "count", d.Count)
			continue
		}
		days = append(days, model.ContributionDay{Date: civilDate(d.Date), Count: d.Count})
	}
	sort.SliceStable(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })

	deduped := days[:0]
	var prevDate time.Time
	for _, d := range days {
		if !prevDate.IsZero() && d.Date.Equal(prevDate) {
			e.logger.Warn("Skipping duplicate calendar day", "user_id", userID, "date", d.Date)
			continue
		}
		deduped = append(deduped, d)
		prevDate = d.Date
	}
	return deduped
}

// currentStreak walks backward day by day from today (or yesterday, when
// today is still blank) counting consecutive active days. A day missing from
// the calendar is unknown, not zero, and ends the walk.
func currentStreak(counts map[time.Time]int, today, yesterday time.Time) int {
	var anchor time.Time
	switch {
	case counts[today] > 0:
		anchor = today
	case counts[yesterday] > 0:
		anchor = yesterday
	default:
		return 0
	}

	streak := 0
	for d := anchor; ; d = d.AddDate(0, 0, -1) {
		c, ok := counts[d]
		if !ok || c == 0 {
			break
		}
		streak++
	}
	return streak
}

// longestHistoricalRun finds the longest run of consecutive active days in
// the calendar. Only the very first evaluation scans history; afterwards the
// persisted longest streak is carried forward monotonically.
func longestHistoricalRun(days []model.ContributionDay) int {
	best, run := 0, 0
	var prevDate time.Time
	for _, d := range days {
		if d.Count == 0 {
			run = 0
			prevDate = d.Date
			continue
		}
		if run > 0 && d.Date.Equal(prevDate.AddDate(0, 0, 1)) {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
		prevDate = d.Date
	}
	return best
}

// civilDate truncates a timestamp to its calendar day, keyed at UTC midnight
// so dates compare with ==.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sameCivilDay(a, b time.Time, loc *time.Location) bool {
	return civilDate(a.In(loc)).Equal(civilDate(b.In(loc)))
}
