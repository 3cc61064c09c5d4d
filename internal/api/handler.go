// internal/api/handler.go
package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github-activity-dashboard/internal/apperr"
	"github-activity-dashboard/internal/model"
	"github-activity-dashboard/internal/store"
	"github-activity-dashboard/internal/sweep"
)

// Sweeper is the slice of the sweep service the API consumes.
type Sweeper interface {
	Run(ctx context.Context) *sweep.Result
	EvaluateUser(ctx context.Context, userID string) (*model.StreakRecord, bool, error)
	Overview(ctx context.Context, userID string) (*sweep.Overview, error)
	RepositoryFailures(ctx context.Context, owner, name string, lookbackDays int) ([]model.FailureEvent, error)
	RepositoryMetrics(ctx context.Context, owner, name string, lookbackDays int) (model.RepoMetrics, error)
}

// NotificationAdmin is the slice of the dispatcher the admin endpoints use.
type NotificationAdmin interface {
	FailureStats(ctx context.Context) ([]model.DeliveryFailureStat, error)
	ClearOldFailures(ctx context.Context, olderThanDays int) (int64, error)
}

// RouterConfig carries the handler dependencies.
type RouterConfig struct {
	Users               store.UserStore
	Streaks             store.StreakStore
	Preferences         store.PreferenceStore
	Sweeper             Sweeper
	Notifications       NotificationAdmin
	Registry            *prometheus.Registry
	CronSecret          string
	DefaultLookbackDays int
	Logger              *slog.Logger
}

// Handler is the container for API dependencies.
type Handler struct {
	users           store.UserStore
	streaks         store.StreakStore
	prefs           store.PreferenceStore
	sweeper         Sweeper
	notifications   NotificationAdmin
	cronSecret      string
	defaultLookback int
	logger          *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(cfg RouterConfig) http.Handler {
	h := &Handler{
		users:           cfg.Users,
		streaks:         cfg.Streaks,
		prefs:           cfg.Preferences,
		sweeper:         cfg.Sweeper,
		notifications:   cfg.Notifications,
		cronSecret:      cfg.CronSecret,
		defaultLookback: cfg.DefaultLookbackDays,
		logger:          cfg.Logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/users", h.createUser)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/streak", h.getStreak)
			r.Post("/streak/evaluate", h.evaluateStreak)
			r.Get("/overview", h.getOverview)
			r.Get("/preferences", h.getPreferences)
			r.Put("/preferences", h.updatePreferences)
		})
		r.Get("/repos/{owner}/{name}/failures", h.getRepoFailures)
		r.Get("/repos/{owner}/{name}/metrics", h.getRepoMetrics)
		r.Get("/notifications/failures/stats", h.getFailureStats)
		r.Delete("/notifications/failures", h.clearOldFailures)
		r.Post("/sweep", h.requireCronSecret(h.runSweep))
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createUser registers a dashboard account. Posting an existing login returns
// the stored account unchanged, so the auth layer can call this on every
// sign-in.
// POST /v1/users
func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Login == "" || req.Email == "" {
		respondWithError(w, http.StatusBadRequest, "'login' and 'email' are required")
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid 'timezone'. Must be an IANA zone name like \"Europe/Berlin\".")
		return
	}

	user := &model.User{
		ID:       uuid.NewString(),
		Login:    req.Login,
		Email:    req.Email,
		Timezone: req.Timezone,
	}
	err := h.users.Create(r.Context(), user)
	if errors.Is(err, store.ErrDuplicate) {
		existing, getErr := h.users.GetByLogin(r.Context(), req.Login)
		if getErr != nil {
			h.logger.Error("Failed to load existing user", "login", req.Login, "error", getErr)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		respondWithJSON(w, http.StatusOK, toUserResponse(*existing))
		return
	}
	if err != nil {
		h.logger.Error("Failed to create user", "login", req.Login, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusCreated, toUserResponse(*user))
}

// getStreak returns the persisted streak record.
// GET /v1/users/{userID}/streak
func (h *Handler) getStreak(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	rec, err := h.streaks.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "No streak record for this user")
			return
		}
		h.logger.Error("Failed to get streak record", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, toStreakResponse(*rec))
}

// evaluateStreak fetches fresh contribution data, re-evaluates the streak, and
// dispatches the at-risk notification when one is due.
// POST /v1/users/{userID}/streak/evaluate
func (h *Handler) evaluateStreak(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	rec, sent, err := h.sweeper.EvaluateUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		h.respondDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, evaluateResponse{
		Streak:           toStreakResponse(*rec),
		NotificationSent: sent,
	})
}

// getOverview returns the merged dashboard view for one user.
// GET /v1/users/{userID}/overview
func (h *Handler) getOverview(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	overview, err := h.sweeper.Overview(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		h.respondDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toOverviewResponse(overview))
}

// getRepoFailures derives CI failure events for a repository.
// GET /v1/repos/{owner}/{name}/failures?lookback_days=N
func (h *Handler) getRepoFailures(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	lookback, ok := h.lookbackDays(w, r)
	if !ok {
		return
	}

	events, err := h.sweeper.RepositoryFailures(r.Context(), owner, name, lookback)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toFailureEventResponses(events))
}

// getRepoMetrics aggregates workflow runs for a repository.
// GET /v1/repos/{owner}/{name}/metrics?lookback_days=N
func (h *Handler) getRepoMetrics(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	lookback, ok := h.lookbackDays(w, r)
	if !ok {
		return
	}

	metrics, err := h.sweeper.RepositoryMetrics(r.Context(), owner, name, lookback)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toRepoMetricsResponse(metrics))
}

// getPreferences returns the user's notification preferences, falling back to
// the defaults for users who never saved any.
// GET /v1/users/{userID}/preferences
func (h *Handler) getPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	prefs, err := h.prefs.Get(r.Context(), userID)
	if err == nil {
		respondWithJSON(w, http.StatusOK, toPreferencesResponse(*prefs))
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("Failed to get preferences", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if _, err := h.users.GetByID(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error("Failed to get user", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, toPreferencesResponse(model.DefaultPreferences(userID)))
}

// updatePreferences replaces the user's notification preferences.
// PUT /v1/users/{userID}/preferences
func (h *Handler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req preferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	freq := model.EmailFrequency(req.EmailFrequency)
	switch freq {
	case model.FrequencyImmediate, model.FrequencyDaily, model.FrequencyWeekly:
	default:
		respondWithError(w, http.StatusBadRequest, "Invalid 'email_frequency'. Must be one of: immediate, daily, weekly.")
		return
	}
	if req.QuietHoursStart < 0 || req.QuietHoursStart > 23 || req.QuietHoursEnd < 0 || req.QuietHoursEnd > 23 {
		respondWithError(w, http.StatusBadRequest, "Quiet hours must be hours between 0 and 23")
		return
	}

	if _, err := h.users.GetByID(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error("Failed to get user", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	prefs := &model.NotificationPreferences{
		UserID:          userID,
		StreakRisk:      req.StreakRisk,
		BuildFailure:    req.BuildFailure,
		WeeklyDigest:    req.WeeklyDigest,
		SecurityAlert:   req.SecurityAlert,
		EmailFrequency:  freq,
		QuietHoursStart: req.QuietHoursStart,
		QuietHoursEnd:   req.QuietHoursEnd,
	}
	if err := h.prefs.Upsert(r.Context(), prefs); err != nil {
		h.logger.Error("Failed to save preferences", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, toPreferencesResponse(*prefs))
}

// getFailureStats summarizes the delivery failure log.
// GET /v1/notifications/failures/stats
func (h *Handler) getFailureStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.notifications.FailureStats(r.Context())
	if err != nil {
		h.logger.Error("Failed to get failure stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, toFailureStatResponses(stats))
}

// clearOldFailures prunes delivery failure log entries by age.
// DELETE /v1/notifications/failures?older_than_days=N
func (h *Handler) clearOldFailures(w http.ResponseWriter, r *http.Request) {
	daysStr := r.URL.Query().Get("older_than_days")
	if daysStr == "" {
		daysStr = "30" // Default retention
	}
	days, err := strconv.Atoi(daysStr)
	if err != nil || days <= 0 || days > 365 {
		respondWithError(w, http.StatusBadRequest, "Invalid 'older_than_days' parameter. Must be an integer between 1 and 365.")
		return
	}

	deleted, err := h.notifications.ClearOldFailures(r.Context(), days)
	if err != nil {
		h.logger.Error("Failed to clear old failures", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, clearFailuresResponse{Deleted: deleted})
}

// runSweep triggers a full sweep cycle synchronously and returns its result.
// POST /v1/sweep
func (h *Handler) runSweep(w http.ResponseWriter, r *http.Request) {
	result := h.sweeper.Run(r.Context())
	respondWithJSON(w, http.StatusOK, result)
}

// requireCronSecret guards the sweep trigger with the shared scheduler
// secret. Hashing both sides keeps the comparison constant-time regardless of
// token length.
func (h *Handler) requireCronSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cronSecret == "" {
			respondWithError(w, http.StatusServiceUnavailable, "Sweep trigger is not configured")
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			respondWithError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		got := sha256.Sum256([]byte(strings.TrimPrefix(auth, "Bearer ")))
		want := sha256.Sum256([]byte(h.cronSecret))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			respondWithError(w, http.StatusUnauthorized, "Invalid bearer token")
			return
		}
		next(w, r)
	}
}

// lookbackDays parses the lookback_days query parameter, writing the error
// response itself when the value is out of range.
func (h *Handler) lookbackDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	lookbackStr := r.URL.Query().Get("lookback_days")
	if lookbackStr == "" {
		return h.defaultLookback, true
	}
	lookback, err := strconv.Atoi(lookbackStr)
	if err != nil || lookback <= 0 || lookback > 90 {
		respondWithError(w, http.StatusBadRequest, "Invalid 'lookback_days' parameter. Must be an integer between 1 and 90.")
		return 0, false
	}
	return lookback, true
}

// respondDomainError maps upstream and storage failures onto HTTP statuses.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		respondWithError(w, http.StatusConflict, "A concurrent evaluation is in progress, retry shortly")
	case apperr.IsRateLimited(err):
		if reset := apperr.RateLimitReset(err); !reset.IsZero() {
			secs := int(time.Until(reset).Seconds())
			if secs < 0 {
				secs = 0
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		respondWithError(w, http.StatusTooManyRequests, "GitHub API rate limit exceeded")
	case apperr.IsAuthExpired(err):
		h.logger.Error("GitHub token rejected", "error", err)
		respondWithError(w, http.StatusBadGateway, "GitHub authentication failed")
	case apperr.IsUnavailable(err):
		respondWithError(w, http.StatusBadGateway, "GitHub is unavailable")
	case apperr.IsMalformed(err):
		h.logger.Error("GitHub returned malformed data", "error", err)
		respondWithError(w, http.StatusBadGateway, "GitHub returned malformed data")
	default:
		h.logger.Error("Request failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}
