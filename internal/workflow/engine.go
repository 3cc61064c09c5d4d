// internal/workflow/engine.go
package workflow

import (
	"sort"
	"time"

	"github-activity-dashboard/internal/model"
)

// Engine derives failure events and aggregate metrics from workflow run
// windows. Both operations are pure functions of their inputs; now is passed
// explicitly and nothing is persisted.
type Engine struct {
	flakyFlipThreshold int
}

// NewEngine creates a new Engine. flakyFlipThreshold is the number of
// success/failure alternations within one window at which a workflow-branch
// group is classified flaky instead of alerting.
func NewEngine(flakyFlipThreshold int) *Engine {
	return &Engine{flakyFlipThreshold: flakyFlipThreshold}
}

type groupKey struct {
	workflowID int64
	branch     string
}

// groupState carries the single forward scan's counters for one
// (workflow, branch) group.
type groupState struct {
	workflowName   string
	lastConclusion string
	consecFails    int
	flips          int
	events         []*model.FailureEvent
}

// DetectFailures scans completed runs in the lookback window and emits one
// FailureEvent per regression. A failure directly after a success (or as the
// group's first observed run) opens a new-failure event; further consecutive
// failures mutate that event into recurring-failure rather than re-alerting.
// Groups that alternate outcomes beyond the flip threshold collapse to a
// single flaky event.
func (e *Engine) DetectFailures(owner, repo string, runs []model.WorkflowRun, lookbackDays int, now time.Time) []model.FailureEvent {
	window := filterWindow(runs, lookbackDays, now)

	groups := make(map[groupKey]*groupState)
	var order []groupKey
	for _, run := range window {
		// Only the success/failure subsequence drives edge detection;
		// cancelled and skipped runs carry no signal either way.
		if run.Conclusion != model.ConclusionSuccess && run.Conclusion != model.ConclusionFailure {
			continue
		}
		key := groupKey{workflowID: run.WorkflowID, branch: run.Branch}
		st, ok := groups[key]
		if !ok {
			st = &groupState{workflowName: run.WorkflowName}
			groups[key] = st
			order = append(order, key)
		}

		if st.lastConclusion != "" && st.lastConclusion != run.Conclusion {
			st.flips++
		}

		if run.Conclusion == model.ConclusionFailure {
			st.consecFails++
			if st.consecFails == 1 {
				st.events = append(st.events, &model.FailureEvent{
					Repository:              run.Repository,
					WorkflowID:              run.WorkflowID,
					WorkflowName:            run.WorkflowName,
					Branch:                  run.Branch,
					FirstFailureRun:         run.ID,
					RunURL:                  run.HTMLURL,
					ConsecutiveFailureCount: 1,
					DetectedAt:              run.CreatedAt,
					Severity:                model.SeverityNewFailure,
				})
			} else {
				ev := st.events[len(st.events)-1]
				ev.ConsecutiveFailureCount = st.consecFails
				ev.Severity = model.SeverityRecurringFailure
			}
		} else {
			st.consecFails = 0
		}
		st.lastConclusion = run.Conclusion
	}

	var events []model.FailureEvent
	for _, key := range order {
		st := groups[key]
		if len(st.events) == 0 {
			continue
		}
		if st.flips >= e.flakyFlipThreshold {
			last := st.events[len(st.events)-1]
			events = append(events, model.FailureEvent{
				Repository:              last.Repository,
				WorkflowID:              key.workflowID,
				WorkflowName:            st.workflowName,
				Branch:                  key.branch,
				FirstFailureRun:         st.events[0].FirstFailureRun,
				RunURL:                  last.RunURL,
				ConsecutiveFailureCount: st.consecFails,
				FlipCount:               st.flips,
				DetectedAt:              last.DetectedAt,
				Severity:                model.SeverityFlaky,
			})
			continue
		}
		for _, ev := range st.events {
			ev.FlipCount = st.flips
			events = append(events, *ev)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].WorkflowID != events[j].WorkflowID {
			return events[i].WorkflowID < events[j].WorkflowID
		}
		if events[i].Branch != events[j].Branch {
			return events[i].Branch < events[j].Branch
		}
		return events[i].DetectedAt.Before(events[j].DetectedAt)
	})
	return events
}

// CalculateMetrics aggregates completed runs in the lookback window.
// Workflows with no completed runs in the window are omitted from
// FailuresByWorkflow rather than reported as a zero rate.
func (e *Engine) CalculateMetrics(owner, repo string, runs []model.WorkflowRun, lookbackDays int, now time.Time) model.RepoMetrics {
	window := filterWindow(runs, lookbackDays, now)

	metrics := model.RepoMetrics{
		Repository:         owner + "/" + repo,
		TotalRuns:          len(window),
		FailuresByWorkflow: make(map[int64]model.WorkflowStats),
	}
	if len(window) == 0 {
		return metrics
	}

	successes := 0
	var totalDuration float64
	perWorkflow := make(map[int64]*struct {
		stats     model.WorkflowStats
		successes int
	})
	for _, run := range window {
		if run.Conclusion == model.ConclusionSuccess {
			successes++
		}
		if d := run.UpdatedAt.Sub(run.CreatedAt).Seconds(); d > 0 {
			totalDuration += d
		}

		w, ok := perWorkflow[run.WorkflowID]
		if !ok {
			w = &struct {
				stats     model.WorkflowStats
				successes int
			}{stats: model.WorkflowStats{WorkflowID: run.WorkflowID, Name: run.WorkflowName}}
			perWorkflow[run.WorkflowID] = w
		}
		w.stats.TotalRuns++
		switch run.Conclusion {
		case model.ConclusionSuccess:
			w.successes++
		case model.ConclusionFailure:
			w.stats.Failures++
		}
	}

	metrics.SuccessRate = float64(successes) / float64(len(window))
	metrics.AverageDurationSeconds = totalDuration / float64(len(window))
	for id, w := range perWorkflow {
		w.stats.SuccessRate = float64(w.successes) / float64(w.stats.TotalRuns)
		metrics.FailuresByWorkflow[id] = w.stats
	}
	return metrics
}

// filterWindow keeps completed runs created within [now - lookbackDays, now],
// ordered oldest first.
func filterWindow(runs []model.WorkflowRun, lookbackDays int, now time.Time) []model.WorkflowRun {
	cutoff := now.AddDate(0, 0, -lookbackDays)
	window := make([]model.WorkflowRun, 0, len(runs))
	for _, run := range runs {
		if !run.Completed() {
			continue
		}
		if run.CreatedAt.Before(cutoff) || run.CreatedAt.After(now) {
			continue
		}
		window = append(window, run)
	}
	sort.Slice(window, func(i, j int) bool { return window[i].CreatedAt.Before(window[j].CreatedAt) })
	return window
}
